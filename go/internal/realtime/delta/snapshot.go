package delta

import (
	"sync"
	"time"

	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/store"
)

// SnapshotManager captures snapshots on a cadence and keeps a bounded ring
// of the most recent ones. Reads are safe from any goroutine.
type SnapshotManager struct {
	everyTicks uint64
	interval   time.Duration
	capacity   int
	sink       func(models.Snapshot)

	mu       sync.RWMutex
	ring     []models.Snapshot
	lastTick uint64
	lastAt   time.Time
	taken    bool
}

// NewSnapshotManager creates a manager from typ's cadence. sink, if set,
// receives every captured snapshot and must not block.
func NewSnapshotManager(typ models.SessionType, sink func(models.Snapshot)) *SnapshotManager {
	capacity := typ.SnapshotCapacity
	if capacity <= 0 {
		capacity = 1
	}
	return &SnapshotManager{
		everyTicks: typ.SnapshotEveryTicks,
		interval:   typ.SnapshotInterval,
		capacity:   capacity,
		sink:       sink,
	}
}

// Due reports whether the cadence calls for a snapshot at tick.
func (m *SnapshotManager) Due(tick uint64, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.taken {
		return true
	}
	if m.everyTicks > 0 && tick-m.lastTick >= m.everyTicks {
		return true
	}
	return m.interval > 0 && now.Sub(m.lastAt) >= m.interval
}

// Capture takes a snapshot of view at seq and records it.
func (m *SnapshotManager) Capture(view *store.View, seq uint64, acks map[string]uint64, now time.Time) models.Snapshot {
	snap := view.Snapshot(seq, acks, now)

	m.mu.Lock()
	m.ring = append(m.ring, snap)
	if len(m.ring) > m.capacity {
		m.ring = m.ring[len(m.ring)-m.capacity:]
	}
	m.lastTick = snap.Tick
	m.lastAt = now
	m.taken = true
	m.mu.Unlock()

	if m.sink != nil {
		m.sink(snap)
	}
	return snap
}

// Latest returns the most recent snapshot.
func (m *SnapshotManager) Latest() (models.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ring) == 0 {
		return models.Snapshot{}, false
	}
	return m.ring[len(m.ring)-1], true
}

// BySeq returns the newest retained snapshot at seq.
func (m *SnapshotManager) BySeq(seq uint64) (models.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.ring) - 1; i >= 0; i-- {
		if m.ring[i].Seq == seq {
			return m.ring[i], true
		}
	}
	return models.Snapshot{}, false
}

// Len returns the number of retained snapshots.
func (m *SnapshotManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ring)
}
