// Package engine hosts many sessions: it owns the registry, drives every
// session's tick from a shared worker pool and hands captured snapshots to
// the archive.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/broadcast"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/mcdev12/statesync/go/internal/realtime/metrics"
	"github.com/mcdev12/statesync/go/internal/realtime/scheduler"
	"github.com/rs/zerolog/log"
)

// ErrUnknownType is returned for a session type that is not configured.
var ErrUnknownType = errors.New("unknown session type")

// Archive persists snapshots outside the process.
type Archive interface {
	SaveSnapshot(ctx context.Context, sessionType string, snap models.Snapshot) error
	LatestSnapshot(ctx context.Context, sessionID uuid.UUID) (models.Snapshot, string, error)
}

// Config holds the engine's collaborators.
type Config struct {
	Workers   int
	Clock     clockwork.Clock
	Transport broadcast.Transport
	Dispatch  broadcast.Config
	Codec     events.Codec
	Metrics   metrics.MetricsCollector
	Archive   Archive
	// SweepInterval is how often finished sessions are checked for removal.
	SweepInterval time.Duration
	// DrainTimeout bounds how long a finished session's queue may drain.
	DrainTimeout time.Duration
}

const (
	defaultWorkers       = 8
	archiveBufferSize    = 256
	defaultSweepInterval = 10 * time.Second
	defaultDrainTimeout  = 5 * time.Second
)

type archived struct {
	sessionType string
	snap        models.Snapshot
}

type entry struct {
	session *scheduler.Session
	ticker  clockwork.Ticker
	cancel  context.CancelFunc
	running bool
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg        Config
	types      map[string]models.SessionType
	instanceID string

	mu       sync.RWMutex
	sessions map[uuid.UUID]*entry
	running  bool

	workCh     chan uuid.UUID
	inFlight   map[uuid.UUID]bool
	inFlightMu sync.Mutex

	archiveCh chan archived
}

// New creates an engine for the given session types.
func New(cfg Config, types ...models.SessionType) (*Engine, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOpMetricsCollector{}
	}
	if cfg.Transport == nil {
		cfg.Transport = broadcast.NewRecorder()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	e := &Engine{
		cfg:        cfg,
		types:      make(map[string]models.SessionType, len(types)),
		instanceID: uuid.New().String()[:8],
		sessions:   make(map[uuid.UUID]*entry),
		workCh:     make(chan uuid.UUID, cfg.Workers*2),
		inFlight:   make(map[uuid.UUID]bool),
		archiveCh:  make(chan archived, archiveBufferSize),
	}
	for _, t := range types {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("session type %q: %w", t.Name, err)
		}
		if _, dup := e.types[t.Name]; dup {
			return nil, fmt.Errorf("session type %q defined twice", t.Name)
		}
		e.types[t.Name] = t.WithDefaults()
	}
	return e, nil
}

// Type returns a configured session type.
func (e *Engine) Type(name string) (models.SessionType, bool) {
	t, ok := e.types[name]
	return t, ok
}

// Types returns the configured session type names, sorted.
func (e *Engine) Types() []string {
	out := make([]string, 0, len(e.types))
	for name := range e.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CreateSession registers a new session in the created state.
func (e *Engine) CreateSession(typeName string, participants []string) (*scheduler.Session, error) {
	return e.create(uuid.New(), typeName, participants, nil)
}

// RestoreSession rehydrates a session from its latest archived snapshot.
// The restored session starts in the created state.
func (e *Engine) RestoreSession(ctx context.Context, id uuid.UUID, participants []string) (*scheduler.Session, error) {
	if e.cfg.Archive == nil {
		return nil, errors.New("restore session: no archive configured")
	}
	snap, typeName, err := e.cfg.Archive.LatestSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}
	return e.create(id, typeName, participants, &snap)
}

func (e *Engine) create(id uuid.UUID, typeName string, participants []string, restore *models.Snapshot) (*scheduler.Session, error) {
	typ, ok := e.types[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	s := scheduler.New(id, typ, participants, scheduler.Options{
		Clock:     e.cfg.Clock,
		Transport: e.cfg.Transport,
		Dispatch:  e.cfg.Dispatch,
		Codec:     e.cfg.Codec,
		Metrics:   e.cfg.Metrics,
		Archive:   e.archiveHook(typ.Name),
		Restore:   restore,
	})
	ent := &entry{session: s}

	e.mu.Lock()
	if _, exists := e.sessions[id]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("session %s already registered", id)
	}
	e.sessions[id] = ent
	if e.running {
		e.startLocked(id, ent)
	}
	count := len(e.sessions)
	e.mu.Unlock()

	e.cfg.Metrics.RecordSessions(count)
	log.Info().
		Str("session_id", id.String()).
		Str("type", typ.Name).
		Strs("participants", participants).
		Bool("restored", restore != nil).
		Msg("session created")
	return s, nil
}

// Session returns a registered session.
func (e *Engine) Session(id uuid.UUID) (*scheduler.Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", events.ErrSessionNotFound, id)
	}
	return ent.session, nil
}

// Running reports whether Run is driving the sessions.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Sessions lists the registered sessions ordered by creation time.
func (e *Engine) Sessions() []models.Session {
	e.mu.RLock()
	out := make([]models.Session, 0, len(e.sessions))
	for _, ent := range e.sessions {
		out = append(out, ent.session.Model())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// StartSession activates a created session. It returns once the session's
// next tick applied it.
func (e *Engine) StartSession(ctx context.Context, id uuid.UUID) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// Pause pauses an active session.
func (e *Engine) Pause(ctx context.Context, id uuid.UUID) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	return s.Pause(ctx)
}

// Resume resumes a paused session.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	return s.Resume(ctx)
}

// Finish tears a session down. It stays readable until its retention ends.
func (e *Engine) Finish(ctx context.Context, id uuid.UUID) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	return s.Finish(ctx)
}

// Resync broadcasts a full snapshot to every observer of a session.
func (e *Engine) Resync(ctx context.Context, id uuid.UUID) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	return s.Resync(ctx)
}

// Join adds participant to a session.
func (e *Engine) Join(id uuid.UUID, participant string) error {
	if participant == "" {
		return events.Invalid(events.ReasonMissingField, "participant_id", "")
	}
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	return s.Join(participant)
}

// SubmitInput validates an input and queues it for its session. It never
// blocks; a rejection is returned as a *events.ValidationError or
// *events.RejectedError.
func (e *Engine) SubmitInput(in models.InputEvent) error {
	s, err := e.Session(in.SessionID)
	if err != nil {
		return err
	}
	return s.Submit(in)
}

// RequestSnapshot returns the state as of the last completed tick without
// touching the tick loop. With a participant, the snapshot is also queued
// to that participant's stream in order with its deltas.
func (e *Engine) RequestSnapshot(id uuid.UUID, participant string) (models.Snapshot, error) {
	s, err := e.Session(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	snap := s.Snapshot()
	if participant != "" {
		s.Dispatcher().SendTo(participant, events.SnapshotFrame(snap))
	}
	e.cfg.Metrics.RecordSnapshot(s.Type().Name, "requested")
	return snap, nil
}

// Connect marks participant connected, cancelling a pending grace period.
func (e *Engine) Connect(id uuid.UUID, participant string) (models.ConnectionState, error) {
	s, err := e.Session(id)
	if err != nil {
		return "", err
	}
	if !s.IsParticipant(participant) {
		if err := s.Join(participant); err != nil {
			return "", err
		}
	}
	return s.Presence().Connect(participant), nil
}

// Disconnect starts participant's grace period.
func (e *Engine) Disconnect(id uuid.UUID, participant string) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	s.Presence().Disconnect(participant)
	return nil
}

// Stats returns a session's derived statistics.
func (e *Engine) Stats(id uuid.UUID) (scheduler.Stats, error) {
	s, err := e.Session(id)
	if err != nil {
		return scheduler.Stats{}, err
	}
	return s.Stats(), nil
}

func (e *Engine) archiveHook(sessionType string) func(models.Snapshot) {
	if e.cfg.Archive == nil {
		return nil
	}
	return func(snap models.Snapshot) {
		select {
		case e.archiveCh <- archived{sessionType: sessionType, snap: snap}:
		default:
			log.Warn().
				Str("session_id", snap.SessionID.String()).
				Uint64("seq", snap.Seq).
				Msg("archive buffer full, snapshot not persisted")
		}
	}
}
