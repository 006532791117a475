// Package reconcile is the reference consumer side of the session stream:
// sequence tracking with snapshot recovery, client side prediction with
// rollback and replay, and interpolation of remote entities.
package reconcile

import (
	"sort"

	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/rs/zerolog/log"
)

// Consumer applies a session's frames in seq order. A missing seq is never
// repaired: the consumer asks for a snapshot and holds later deltas until
// it arrives.
//
// Consumer is not safe for concurrent use.
type Consumer struct {
	sessionID string
	request   func()

	state    map[string]any
	owners   map[string]string
	acks     map[string]uint64
	seq      uint64
	baseline bool

	awaiting bool
	buffered []events.Frame
}

// NewConsumer creates a consumer with no baseline. request is called when a
// snapshot is needed; it must not block.
func NewConsumer(sessionID string, request func()) *Consumer {
	if request == nil {
		request = func() {}
	}
	return &Consumer{
		sessionID: sessionID,
		request:   request,
		state:     make(map[string]any),
		owners:    make(map[string]string),
		acks:      make(map[string]uint64),
	}
}

// Seq returns the seq of the last applied frame.
func (c *Consumer) Seq() uint64 { return c.seq }

// Ready reports whether the consumer holds a baseline and is not waiting
// for a snapshot.
func (c *Consumer) Ready() bool { return c.baseline && !c.awaiting }

// Get returns the value at path.
func (c *Consumer) Get(path string) (any, bool) {
	v, ok := c.state[path]
	return v, ok
}

// State returns a copy of the flattened state.
func (c *Consumer) State() map[string]any {
	out := make(map[string]any, len(c.state))
	for p, v := range c.state {
		out[p] = v
	}
	return out
}

// Owner returns the owner of entity as of the last snapshot.
func (c *Consumer) Owner(entity string) string { return c.owners[entity] }

// Acked returns the last processed seq of participant.
func (c *Consumer) Acked(participant string) uint64 { return c.acks[participant] }

// Apply consumes one frame. It returns a *events.SequenceGapError when a
// gap is detected; the consumer has already requested a snapshot by then.
// Applying a frame twice has no effect.
func (c *Consumer) Apply(f events.Frame) error {
	switch f.Type {
	case events.FrameSnapshot:
		c.applySnapshot(f)
		return nil
	case events.FrameDelta:
		return c.applyDelta(f)
	default:
		return nil
	}
}

func (c *Consumer) applyDelta(f events.Frame) error {
	first, last := covers(f)
	if !c.baseline || c.awaiting {
		c.hold(f)
		return nil
	}
	if last <= c.seq {
		return nil
	}
	if f.Resync {
		// The matching snapshot follows with the same seq.
		c.awaiting = true
		return nil
	}
	if first > c.seq+1 {
		gap := &events.SequenceGapError{Expected: c.seq + 1, Got: first}
		log.Debug().
			Str("session_id", c.sessionID).
			Uint64("expected", gap.Expected).
			Uint64("got", gap.Got).
			Msg("sequence gap, requesting snapshot")
		c.hold(f)
		c.awaiting = true
		c.request()
		return gap
	}
	c.merge(f)
	return nil
}

func (c *Consumer) hold(f events.Frame) {
	if !c.baseline && !c.awaiting {
		c.awaiting = true
		c.request()
	}
	c.buffered = append(c.buffered, f)
}

func (c *Consumer) merge(f events.Frame) {
	for p, v := range f.NormalizedChanges() {
		c.state[p] = v
	}
	for who, seq := range f.Acks {
		if seq > c.acks[who] {
			c.acks[who] = seq
		}
	}
	_, c.seq = covers(f)
}

func (c *Consumer) applySnapshot(f events.Frame) {
	if c.baseline && !c.awaiting && f.Seq < c.seq {
		return
	}
	snap := f.Snapshot()
	c.state = snap.Flatten()
	c.owners = make(map[string]string, len(snap.Entities))
	for id, e := range snap.Entities {
		c.owners[id] = e.Owner
	}
	for who, seq := range snap.Acks {
		if seq > c.acks[who] {
			c.acks[who] = seq
		}
	}
	c.seq = snap.Seq
	c.baseline = true
	c.awaiting = false
	c.drain()
}

// drain applies held deltas that continue from the new baseline.
func (c *Consumer) drain() {
	held := c.buffered
	c.buffered = nil
	sort.SliceStable(held, func(i, j int) bool { return held[i].Seq < held[j].Seq })
	for i, f := range held {
		first, last := covers(f)
		if last <= c.seq {
			continue
		}
		if f.Resync || first > c.seq+1 {
			c.buffered = append(c.buffered, held[i:]...)
			c.awaiting = true
			if !f.Resync {
				c.request()
			}
			return
		}
		c.merge(f)
	}
}

func covers(f events.Frame) (first, last uint64) {
	if f.FirstSeq != 0 && f.FirstSeq < f.Seq {
		return f.FirstSeq, f.Seq
	}
	return f.Seq, f.Seq
}

// Owned reports the entities of participant in the last snapshot, sorted.
func (c *Consumer) Owned(participant string) []string {
	var ids []string
	for id, owner := range c.owners {
		if owner == participant {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
