// Package scheduler runs one session as an actor. Inputs arrive on a
// multi-producer inbox, control messages on a mailbox, and all state
// mutation happens inside Step, which the engine never runs concurrently
// for the same session.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/broadcast"
	"github.com/mcdev12/statesync/go/internal/realtime/delta"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/mcdev12/statesync/go/internal/realtime/metrics"
	"github.com/mcdev12/statesync/go/internal/realtime/presence"
	"github.com/mcdev12/statesync/go/internal/realtime/store"
	"github.com/mcdev12/statesync/go/internal/realtime/validator"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Options are the collaborators of a session.
type Options struct {
	Clock     clockwork.Clock
	Transport broadcast.Transport
	Dispatch  broadcast.Config
	Codec     events.Codec
	Metrics   metrics.MetricsCollector
	// Archive receives every captured snapshot and must not block.
	Archive func(models.Snapshot)
	// Restore rehydrates the session from a snapshot.
	Restore *models.Snapshot
}

// Boundary is what readers see of the last completed tick.
type Boundary struct {
	View *store.View
	Seq  uint64
	Acks map[string]uint64
}

// Stats are derived statistics refreshed when a tick has budget left.
type Stats struct {
	Tick         uint64               `json:"tick"`
	Status       models.SessionStatus `json:"status"`
	Entities     int                  `json:"entities"`
	Paths        int                  `json:"paths"`
	Participants int                  `json:"participants"`
	Held         int                  `json:"held_inputs"`
	QueueDepth   int                  `json:"queue_depth"`
	LastSeq      uint64               `json:"last_seq"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdFinish
	cmdPresence
	cmdResync
)

type command struct {
	kind     commandKind
	presence presence.Event
	reply    chan error
}

// Session is one session's tick actor.
type Session struct {
	id        uuid.UUID
	typ       models.SessionType
	createdAt time.Time

	clock      clockwork.Clock
	validator  *validator.Validator
	store      *store.Store
	compiler   *delta.Compiler
	snapshots  *delta.SnapshotManager
	dispatcher *broadcast.Dispatcher
	presence   *presence.Tracker
	metrics    metrics.MetricsCollector
	tracer     trace.Tracer

	inbox   chan models.InputEvent
	control chan command

	// stepMu serializes Step and Stop.
	stepMu sync.Mutex
	// Owned by Step.
	tick         uint64
	held         map[uint64][]models.InputEvent
	acks         map[string]uint64
	pausedByExit bool

	status    atomic.Value
	tickV     atomic.Uint64
	boundary  atomic.Pointer[Boundary]
	stats     atomic.Pointer[Stats]
	finishedV atomic.Pointer[time.Time]

	mu           sync.RWMutex
	participants map[string]struct{}
}

// New creates a session in the created state.
func New(id uuid.UUID, typ models.SessionType, participants []string, opts Options) *Session {
	typ = typ.WithDefaults()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoOpMetricsCollector{}
	}
	if opts.Transport == nil {
		opts.Transport = broadcast.NewRecorder()
	}
	dcfg := opts.Dispatch
	if dcfg.Capacity <= 0 {
		dcfg.Capacity = typ.OutboundCapacity
	}
	dcfg.SessionType = typ.Name

	s := &Session{
		id:           id,
		typ:          typ,
		createdAt:    opts.Clock.Now(),
		clock:        opts.Clock,
		validator:    validator.New(typ, opts.Clock),
		compiler:     delta.NewCompiler(id, typ, opts.Codec),
		dispatcher:   broadcast.New(id, opts.Transport, dcfg, opts.Metrics, opts.Clock),
		metrics:      opts.Metrics,
		tracer:       otel.Tracer("github.com/mcdev12/statesync/realtime/scheduler"),
		inbox:        make(chan models.InputEvent, typ.InboxCapacity),
		control:      make(chan command, 64),
		held:         make(map[uint64][]models.InputEvent),
		acks:         make(map[string]uint64),
		participants: make(map[string]struct{}),
	}
	s.snapshots = delta.NewSnapshotManager(typ, opts.Archive)
	s.presence = presence.NewTracker(opts.Clock, typ.GracePeriod, s.onPresence)
	for _, p := range participants {
		s.participants[p] = struct{}{}
	}

	if opts.Restore != nil {
		s.store = store.Restore(id, typ, *opts.Restore)
		s.tick = opts.Restore.Tick
		for p, seq := range opts.Restore.Acks {
			s.acks[p] = seq
		}
	} else {
		s.store = store.New(id, typ)
	}
	s.tickV.Store(s.tick)
	s.status.Store(models.SessionStatusCreated)
	s.publishBoundary(s.store.View())
	return s
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Type returns the session type.
func (s *Session) Type() models.SessionType { return s.typ }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Status returns the lifecycle status.
func (s *Session) Status() models.SessionStatus {
	return s.status.Load().(models.SessionStatus)
}

// Tick returns the last completed tick.
func (s *Session) Tick() uint64 { return s.tickV.Load() }

// FinishedAt returns when the session finished.
func (s *Session) FinishedAt() (time.Time, bool) {
	t := s.finishedV.Load()
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}

// Dispatcher returns the session's broadcast dispatcher.
func (s *Session) Dispatcher() *broadcast.Dispatcher { return s.dispatcher }

// Snapshots returns the session's snapshot manager.
func (s *Session) Snapshots() *delta.SnapshotManager { return s.snapshots }

// Presence returns the session's connection tracker.
func (s *Session) Presence() *presence.Tracker { return s.presence }

// Model returns the session as a model value.
func (s *Session) Model() models.Session {
	return models.Session{
		ID:           s.id,
		Type:         s.typ.Name,
		Tick:         s.Tick(),
		Participants: s.Participants(),
		Status:       s.Status(),
		CreatedAt:    s.createdAt,
	}
}

// Participants returns the participant ids, sorted.
func (s *Session) Participants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.participants))
	for p := range s.participants {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// IsParticipant reports whether p has joined the session.
func (s *Session) IsParticipant(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.participants[p]
	return ok
}

// Join adds a participant and marks it connected.
func (s *Session) Join(p string) error {
	if s.Status().Terminal() {
		return &events.RejectedError{Code: events.ReasonSessionClosed, Err: events.ErrSessionClosed}
	}
	s.mu.Lock()
	s.participants[p] = struct{}{}
	s.mu.Unlock()
	s.presence.Connect(p)
	return nil
}

// Submit validates an input and queues it for the next tick. It never blocks.
// Rejections are also delivered to the submitter as a rejection frame.
func (s *Session) Submit(in models.InputEvent) error {
	err := s.submit(in)
	code := metrics.InputAccepted
	if err != nil {
		if r, ok := events.AsRejection(err, in.Seq); ok {
			code = string(r.Code)
			if in.ParticipantID != "" {
				s.dispatcher.SendTo(in.ParticipantID, events.RejectionFrame(s.id.String(), r, s.clock.Now()))
			}
		}
	}
	s.metrics.RecordInput(s.typ.Name, code)
	return err
}

func (s *Session) submit(in models.InputEvent) error {
	if s.Status().Terminal() {
		return &events.RejectedError{Code: events.ReasonSessionClosed, Err: events.ErrSessionClosed}
	}
	if in.SessionID != s.id {
		return events.Invalid(events.ReasonMissingField, "session_id", "input addressed to another session")
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = s.clock.Now()
	}
	if err := s.validator.Validate(in); err != nil {
		return err
	}
	select {
	case s.inbox <- in:
		return nil
	default:
		s.validator.Release(in)
		return &events.RejectedError{Code: events.ReasonQueueFull, Detail: fmt.Sprintf("inbox holds %d inputs", cap(s.inbox))}
	}
}

// Start activates a created session.
func (s *Session) Start(ctx context.Context) error { return s.post(ctx, command{kind: cmdStart}) }

// Pause pauses an active session.
func (s *Session) Pause(ctx context.Context) error { return s.post(ctx, command{kind: cmdPause}) }

// Resume resumes a paused session.
func (s *Session) Resume(ctx context.Context) error { return s.post(ctx, command{kind: cmdResume}) }

// Finish tears the session down at its next step.
func (s *Session) Finish(ctx context.Context) error { return s.post(ctx, command{kind: cmdFinish}) }

// Resync forces a full snapshot to every observer at the next step.
func (s *Session) Resync(ctx context.Context) error { return s.post(ctx, command{kind: cmdResync}) }

// post delivers a command and waits for the step that applies it.
func (s *Session) post(ctx context.Context, cmd command) error {
	if s.Status().Terminal() {
		return events.ErrSessionClosed
	}
	cmd.reply = make(chan error, 1)
	select {
	case s.control <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onPresence forwards tracker transitions to the actor.
func (s *Session) onPresence(e presence.Event) {
	cmd := command{kind: cmdPresence, presence: e}
	select {
	case s.control <- cmd:
	default:
		go func() { s.control <- cmd }()
	}
}

// Snapshot returns a snapshot of the last completed tick without touching
// the actor.
func (s *Session) Snapshot() models.Snapshot {
	b := s.boundary.Load()
	return b.View.Snapshot(b.Seq, b.Acks, s.clock.Now())
}

// Stats returns the last derived statistics.
func (s *Session) Stats() Stats {
	if st := s.stats.Load(); st != nil {
		return *st
	}
	return Stats{Status: s.Status()}
}

func (s *Session) setStatus(st models.SessionStatus) {
	prev := s.Status()
	if prev == st {
		return
	}
	s.status.Store(st)
	log.Info().
		Str("session_id", s.id.String()).
		Str("from", string(prev)).
		Str("to", string(st)).
		Msg("session status changed")
}

func (s *Session) publishBoundary(view *store.View) {
	acks := make(map[string]uint64, len(s.acks))
	for p, seq := range s.acks {
		acks[p] = seq
	}
	s.boundary.Store(&Boundary{View: view, Seq: s.dispatcher.LastSeq(), Acks: acks})
}
