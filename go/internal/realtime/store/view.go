package store

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/statesync/go/internal/models"
)

// View is an immutable copy of a store taken at a tick boundary.
type View struct {
	sessionID uuid.UUID
	tick      uint64
	entities  map[string]*models.Entity
}

// Tick is the tick the view was published at.
func (v *View) Tick() uint64 { return v.tick }

// Len returns the number of entities in the view.
func (v *View) Len() int { return len(v.entities) }

// Entity returns an entity of the view. Callers must not modify it.
func (v *View) Entity(id string) (*models.Entity, bool) {
	e, ok := v.entities[id]
	return e, ok
}

// IDs returns the entity ids in sorted order.
func (v *View) IDs() []string {
	ids := make([]string, 0, len(v.entities))
	for id := range v.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Attribute returns the attribute at path.
func (v *View) Attribute(path string) (models.Attribute, bool) {
	id, attr, err := models.SplitPath(path)
	if err != nil {
		return models.Attribute{}, false
	}
	e, ok := v.entities[id]
	if !ok {
		return models.Attribute{}, false
	}
	a, ok := e.Attrs[attr]
	return a, ok
}

// Get returns the value at path.
func (v *View) Get(path string) (any, bool) {
	a, ok := v.Attribute(path)
	return a.Value, ok
}

// Flatten returns every path and its value.
func (v *View) Flatten() map[string]any {
	out := make(map[string]any)
	for id, e := range v.entities {
		for attr, a := range e.Attrs {
			out[models.JoinPath(id, attr)] = a.Value
		}
	}
	return out
}

// Snapshot copies the view into a snapshot at seq. Entities are shared, not cloned.
func (v *View) Snapshot(seq uint64, acks map[string]uint64, now time.Time) models.Snapshot {
	entities := make(map[string]*models.Entity, len(v.entities))
	for id, e := range v.entities {
		entities[id] = e
	}
	ackCopy := make(map[string]uint64, len(acks))
	for p, s := range acks {
		ackCopy[p] = s
	}
	return models.Snapshot{
		SessionID: v.sessionID,
		Seq:       seq,
		Tick:      v.tick,
		Entities:  entities,
		Acks:      ackCopy,
		TakenAt:   now,
	}
}
