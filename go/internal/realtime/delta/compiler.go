// Package delta batches a session's changes into wire sized deltas and keeps
// the recent snapshots consumers rebaseline from.
package delta

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
)

// sizeSlack covers the changes key and map header growth the per-entry
// estimate does not see.
const sizeSlack = 32

// Compiler accumulates changed paths over the batch window. Only the latest
// value per path is kept. Seqs are minted later by the dispatcher.
type Compiler struct {
	sessionID uuid.UUID
	window    time.Duration
	maxBytes  int
	codec     events.Codec

	changes   map[string]any
	acks      map[string]uint64
	tick      uint64
	openedAt  time.Time
	pending   bool
	flush     bool
	droppable bool

	baseSnapshot *uint64
}

// NewCompiler creates a compiler using typ's batch window and payload limit.
func NewCompiler(sessionID uuid.UUID, typ models.SessionType, codec events.Codec) *Compiler {
	if codec == nil {
		codec = events.MsgPack
	}
	return &Compiler{
		sessionID: sessionID,
		window:    typ.BatchWindow,
		maxBytes:  typ.MaxPayloadBytes,
		codec:     codec,
		changes:   make(map[string]any),
		acks:      make(map[string]uint64),
	}
}

// Add merges one tick's accepted writes and acks into the pending batch.
// The batch stays droppable only while every contribution is droppable.
func (c *Compiler) Add(tick uint64, changes map[string]any, acks map[string]uint64, traits models.Traits, now time.Time) {
	if len(changes) == 0 && len(acks) == 0 {
		return
	}
	if !c.pending {
		c.pending = true
		c.openedAt = now
		c.droppable = true
	}
	for p, v := range changes {
		c.changes[p] = v
	}
	for who, seq := range acks {
		if seq > c.acks[who] {
			c.acks[who] = seq
		}
	}
	c.tick = tick
	c.flush = c.flush || traits.FlushImmediately
	c.droppable = c.droppable && traits.Droppable
}

// Pending reports whether there is anything to emit.
func (c *Compiler) Pending() bool { return c.pending }

// Ready reports whether the batch should be emitted now.
func (c *Compiler) Ready(now time.Time) bool {
	if !c.pending {
		return false
	}
	return c.flush || now.Sub(c.openedAt) >= c.window
}

// MarkSnapshot records that a snapshot at seq was taken; the next emitted
// delta carries it as its base.
func (c *Compiler) MarkSnapshot(seq uint64) {
	c.baseSnapshot = &seq
}

// Flush drains the batch into one or more deltas split by encoded size.
// If a single path cannot fit, the batch is discarded and the returned
// error wraps events.ErrOversizedPath; the caller must resync by snapshot.
func (c *Compiler) Flush(now time.Time) ([]models.Delta, error) {
	if !c.pending {
		return nil, nil
	}
	defer c.reset()

	head := models.Delta{
		SessionID:       c.sessionID,
		Tick:            c.tick,
		BaseSnapshotSeq: c.baseSnapshot,
		Acks:            c.acks,
		Droppable:       c.droppable,
		EmittedAt:       now,
	}
	c.baseSnapshot = nil

	paths := make([]string, 0, len(c.changes))
	for p := range c.changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	base, err := c.size(events.DeltaFrame(head))
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	empty, err := c.size(map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}

	var (
		out   []models.Delta
		cur   = head
		used  = base + sizeSlack
		limit = c.maxBytes
	)
	cur.Changes = make(map[string]any)
	for _, p := range paths {
		entry, err := c.size(map[string]any{p: c.changes[p]})
		if err != nil {
			return nil, fmt.Errorf("encode path %s: %w", p, err)
		}
		entry = entry - empty + 1
		if base+sizeSlack+entry > limit {
			return nil, fmt.Errorf("%w: %s (%d bytes)", events.ErrOversizedPath, p, entry)
		}
		if used+entry > limit && len(cur.Changes) > 0 {
			out = append(out, cur)
			cur = models.Delta{
				SessionID: c.sessionID,
				Tick:      c.tick,
				Changes:   make(map[string]any),
				Droppable: c.droppable,
				EmittedAt: now,
			}
			used = base + sizeSlack
		}
		cur.Changes[p] = c.changes[p]
		used += entry
	}
	out = append(out, cur)
	return out, nil
}

// Discard drops the pending batch.
func (c *Compiler) Discard() { c.reset() }

func (c *Compiler) reset() {
	c.changes = make(map[string]any)
	c.acks = make(map[string]uint64)
	c.pending = false
	c.flush = false
	c.droppable = false
}

func (c *Compiler) size(v any) (int, error) {
	b, err := c.codec.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
