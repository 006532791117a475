package models

import (
	"time"

	"github.com/google/uuid"
)

// Delta is an append-only set of changed paths. It is never mutated after emission.
type Delta struct {
	SessionID       uuid.UUID         `json:"session_id"`
	Seq             uint64            `json:"seq"`
	FirstSeq        uint64            `json:"first_seq,omitempty"`
	Tick            uint64            `json:"tick"`
	BaseSnapshotSeq *uint64           `json:"base_snapshot_seq,omitempty"`
	Changes         map[string]any    `json:"changes"`
	Acks            map[string]uint64 `json:"acks,omitempty"`
	Resync          bool              `json:"resync,omitempty"`
	Droppable       bool              `json:"-"`
	EmittedAt       time.Time         `json:"ts"`
}

// Covers returns the first and last sequence numbers carried by the delta.
func (d Delta) Covers() (first, last uint64) {
	if d.FirstSeq != 0 && d.FirstSeq < d.Seq {
		return d.FirstSeq, d.Seq
	}
	return d.Seq, d.Seq
}

// Snapshot is a complete copy of a session's state at Seq.
type Snapshot struct {
	SessionID uuid.UUID          `json:"session_id"`
	Seq       uint64             `json:"seq"`
	Tick      uint64             `json:"tick"`
	Entities  map[string]*Entity `json:"entities"`
	Acks      map[string]uint64  `json:"acks,omitempty"`
	TakenAt   time.Time          `json:"ts"`
}

// Flatten returns the snapshot as a path to value map.
func (s Snapshot) Flatten() map[string]any {
	out := make(map[string]any)
	for id, e := range s.Entities {
		for attr, a := range e.Attrs {
			out[JoinPath(id, attr)] = a.Value
		}
	}
	return out
}
