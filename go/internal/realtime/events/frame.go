package events

import (
	"time"

	"github.com/mcdev12/statesync/go/internal/models"
)

// FrameType is the discriminator of an outbound frame.
type FrameType string

const (
	FrameDelta     FrameType = "delta"
	FrameSnapshot  FrameType = "snapshot"
	FrameRejection FrameType = "rejection"
)

// Rejection is sent only to the participant whose input was refused.
type Rejection struct {
	Code   ReasonCode `json:"code"`
	Field  string     `json:"field,omitempty"`
	Seq    uint64     `json:"seq"`
	Detail string     `json:"detail,omitempty"`
}

// Frame is the single outbound wire shape for deltas, snapshots and rejections.
type Frame struct {
	Type            FrameType                 `json:"type"`
	SessionID       string                    `json:"session_id"`
	Seq             uint64                    `json:"seq"`
	FirstSeq        uint64                    `json:"first_seq,omitempty"`
	BaseSnapshotSeq *uint64                   `json:"base_snapshot_seq,omitempty"`
	Tick            uint64                    `json:"tick"`
	Changes         map[string]any            `json:"changes,omitempty"`
	Entities        map[string]*models.Entity `json:"entities,omitempty"`
	Acks            map[string]uint64         `json:"acks,omitempty"`
	Resync          bool                      `json:"resync,omitempty"`
	Rejection       *Rejection                `json:"rejection,omitempty"`
	Timestamp       time.Time                 `json:"ts"`

	// Droppable frames may be coalesced or dropped under backpressure.
	Droppable bool `json:"-"`
}

// DeltaFrame wraps a delta for the wire.
func DeltaFrame(d models.Delta) Frame {
	return Frame{
		Type:            FrameDelta,
		SessionID:       d.SessionID.String(),
		Seq:             d.Seq,
		FirstSeq:        d.FirstSeq,
		BaseSnapshotSeq: d.BaseSnapshotSeq,
		Tick:            d.Tick,
		Changes:         d.Changes,
		Acks:            d.Acks,
		Resync:          d.Resync,
		Timestamp:       d.EmittedAt,
		Droppable:       d.Droppable,
	}
}

// SnapshotFrame wraps a snapshot for the wire.
func SnapshotFrame(s models.Snapshot) Frame {
	return Frame{
		Type:      FrameSnapshot,
		SessionID: s.SessionID.String(),
		Seq:       s.Seq,
		Tick:      s.Tick,
		Entities:  s.Entities,
		Acks:      s.Acks,
		Timestamp: s.TakenAt,
	}
}

// RejectionFrame wraps a rejection for a single participant.
func RejectionFrame(sessionID string, r Rejection, ts time.Time) Frame {
	return Frame{Type: FrameRejection, SessionID: sessionID, Rejection: &r, Timestamp: ts}
}

// Sequenced reports whether the frame carries a session seq.
func (f Frame) Sequenced() bool {
	return f.Type == FrameDelta || f.Type == FrameSnapshot
}

// Snapshot converts a snapshot frame back to the model, normalizing decoded values.
func (f Frame) Snapshot() models.Snapshot {
	entities := make(map[string]*models.Entity, len(f.Entities))
	for id, e := range f.Entities {
		if e == nil {
			continue
		}
		c := e.Clone()
		c.Normalize()
		entities[id] = c
	}
	return models.Snapshot{Seq: f.Seq, Tick: f.Tick, Entities: entities, Acks: f.Acks, TakenAt: f.Timestamp}
}

// NormalizedChanges returns the changes with decoded values coerced into model values.
func (f Frame) NormalizedChanges() map[string]any {
	out := make(map[string]any, len(f.Changes))
	for path, v := range f.Changes {
		if n, err := models.NormalizeValue(v); err == nil {
			out[path] = n
		} else {
			out[path] = v
		}
	}
	return out
}
