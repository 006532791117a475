// Package store holds the authoritative entity map of one session. It is
// owned by the session's tick actor; readers outside the actor use the
// immutable View published at each tick boundary.
package store

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/mcdev12/statesync/go/internal/realtime/resolver"
)

// Result is what one Resolve call applied and refused.
type Result struct {
	Tick    uint64
	Changes map[string]any
	Flush   bool
	// Droppable is set when every changed path's rule is droppable.
	Droppable bool
	Accepted  []resolver.Proposal
	Rejected  []resolver.Rejected
}

// Store is not safe for concurrent mutation. View is safe from any goroutine.
type Store struct {
	sessionID uuid.UUID
	typ       models.SessionType

	entities map[string]*models.Entity
	// owned marks entities cloned since the last publish; others are shared with the view.
	owned  map[string]bool
	staged map[string][]resolver.Proposal

	view atomic.Pointer[View]
}

// New creates an empty store for a session of type typ.
func New(sessionID uuid.UUID, typ models.SessionType) *Store {
	s := &Store{
		sessionID: sessionID,
		typ:       typ,
		entities:  make(map[string]*models.Entity),
		owned:     make(map[string]bool),
		staged:    make(map[string][]resolver.Proposal),
	}
	s.view.Store(&View{sessionID: sessionID, entities: map[string]*models.Entity{}})
	return s
}

// Restore rebuilds a store from a snapshot.
func Restore(sessionID uuid.UUID, typ models.SessionType, snap models.Snapshot) *Store {
	s := New(sessionID, typ)
	for id, e := range snap.Entities {
		s.entities[id] = e.Clone()
		s.owned[id] = true
	}
	s.Publish(snap.Tick)
	return s
}

// Type returns the session type the store resolves rules from.
func (s *Store) Type() models.SessionType { return s.typ }

// Entity returns the live entity. Callers must not modify it.
func (s *Store) Entity(id string) (*models.Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// Len returns the number of entities.
func (s *Store) Len() int { return len(s.entities) }

// EntitiesOwnedBy returns the ids of entities owned by participant, sorted.
func (s *Store) EntitiesOwnedBy(participant string) []string {
	var ids []string
	for id, e := range s.entities {
		if e.Owner == participant {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Get returns the current value at path.
func (s *Store) Get(path string) (any, bool) {
	a, ok := s.Attribute(path)
	if !ok {
		return nil, false
	}
	return a.Value, true
}

// Attribute returns the stored attribute at path.
func (s *Store) Attribute(path string) (models.Attribute, bool) {
	id, attr, err := models.SplitPath(path)
	if err != nil {
		return models.Attribute{}, false
	}
	e, ok := s.entities[id]
	if !ok {
		return models.Attribute{}, false
	}
	a, ok := e.Attrs[attr]
	return a, ok
}

// EnsureEntity creates the entity if it does not exist.
func (s *Store) EnsureEntity(id, owner string) bool {
	if _, ok := s.entities[id]; ok {
		return false
	}
	s.entities[id] = &models.Entity{ID: id, Owner: owner, Attrs: make(map[string]models.Attribute)}
	s.owned[id] = true
	return true
}

// Propose stages a write for the next Resolve.
func (s *Store) Propose(p resolver.Proposal) error {
	if _, _, err := models.SplitPath(p.Path); err != nil {
		return fmt.Errorf("propose: %w", err)
	}
	s.staged[p.Path] = append(s.staged[p.Path], p)
	return nil
}

// Staged returns the number of paths with pending proposals.
func (s *Store) Staged() int { return len(s.staged) }

// Resolve hands each staged path to the resolver and records the decisions.
func (s *Store) Resolve(tick uint64) Result {
	res := Result{Tick: tick, Changes: make(map[string]any)}
	if len(s.staged) == 0 {
		return res
	}

	paths := make([]string, 0, len(s.staged))
	for p := range s.staged {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	droppable := true
	for _, path := range paths {
		proposals := s.staged[path]
		id, attr, _ := models.SplitPath(path)
		e, ok := s.entities[id]
		if !ok {
			for _, p := range proposals {
				res.Rejected = append(res.Rejected, resolver.Rejected{Proposal: p, Code: events.ReasonUnknownEntity})
			}
			continue
		}

		rule := s.typ.RuleFor(attr)
		var prior *models.Attribute
		if a, ok := e.Attrs[attr]; ok {
			prior = &a
		}

		out := resolver.Resolve(prior, rule, proposals)
		res.Accepted = append(res.Accepted, out.Accepted...)
		res.Rejected = append(res.Rejected, out.Rejected...)
		if !out.Applied {
			continue
		}

		version := uint64(1)
		if prior != nil {
			version = prior.Version + 1
		}
		s.mutable(id).Attrs[attr] = models.Attribute{
			Value:     out.Value,
			Strategy:  rule.Strategy,
			Timestamp: out.Timestamp,
			Writer:    out.Writer,
			Version:   version,
			Priority:  out.Priority,
		}
		res.Changes[path] = out.Value
		if rule.Flush {
			res.Flush = true
		}
		droppable = droppable && rule.Droppable
	}
	res.Droppable = droppable && len(res.Changes) > 0
	clear(s.staged)
	return res
}

// Discard drops staged proposals without resolving them.
func (s *Store) Discard() { clear(s.staged) }

func (s *Store) mutable(id string) *models.Entity {
	if !s.owned[id] {
		s.entities[id] = s.entities[id].Clone()
		s.owned[id] = true
	}
	return s.entities[id]
}

// Publish makes the current state visible to readers as an immutable view.
// Entities not written since the previous publish are shared with it.
func (s *Store) Publish(tick uint64) *View {
	prev := s.view.Load()
	next := &View{sessionID: s.sessionID, tick: tick, entities: make(map[string]*models.Entity, len(s.entities))}
	for id, e := range prev.entities {
		next.entities[id] = e
	}
	for id := range s.owned {
		next.entities[id] = s.entities[id]
	}
	clear(s.owned)
	s.view.Store(next)
	return next
}

// View returns the most recently published view.
func (s *Store) View() *View { return s.view.Load() }

// Verify checks the live state for path and version inconsistencies.
func (s *Store) Verify() error {
	published := s.view.Load()
	for id, e := range s.entities {
		if e == nil || e.ID != id {
			return &events.CorruptionError{Path: id, Reason: "entity id does not match its key"}
		}
		for attr, a := range e.Attrs {
			path := models.JoinPath(id, attr)
			if a.Version == 0 {
				return &events.CorruptionError{Path: path, Reason: "zero version"}
			}
			if prev, ok := published.Attribute(path); ok && a.Version < prev.Version {
				return &events.CorruptionError{Path: path, Reason: fmt.Sprintf("version regressed from %d to %d", prev.Version, a.Version)}
			}
		}
	}
	return nil
}
