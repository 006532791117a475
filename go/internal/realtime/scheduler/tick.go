package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/mcdev12/statesync/go/internal/realtime/resolver"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Snapshot reasons.
const (
	reasonCadence    = "cadence"
	reasonOversized  = "oversized"
	reasonCorruption = "corruption"
	reasonRequested  = "requested"
	reasonFinal      = "final"
)

// StepResult reports what one Step did.
type StepResult struct {
	Tick       uint64
	Ticked     bool
	Applied    int
	Rejected   int
	OverBudget bool
	Finished   bool
}

type inputKey struct {
	participant string
	seq         uint64
}

// moveKey tracks one writer's running position of an entity within a tick.
type moveKey struct {
	entity string
	writer string
}

// tickState is scratch space for one tick.
type tickState struct {
	now       time.Time
	acks      map[string]uint64
	requires  map[inputKey]bool
	flush     bool
	droppable bool
	positions map[moveKey]models.Vec2
	statuses  map[string]string
	rejected  int
}

// Step runs one tick: control, inputs, resolution, emission. It must not be
// called concurrently for the same session.
func (s *Session) Step(ctx context.Context, now time.Time) StepResult {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	ctx, span := s.tracer.Start(ctx, "session.tick")
	defer span.End()

	start := s.clock.Now()
	res := StepResult{Tick: s.tick}

	pending := s.drainControl(now)
	if s.Status() == models.SessionStatusFinished {
		res.Finished = true
		s.reply(pending, nil)
		return res
	}
	if s.Status() != models.SessionStatusActive {
		s.reply(pending, nil)
		return res
	}

	s.tick++
	res.Tick, res.Ticked = s.tick, true
	ts := &tickState{
		now:       now,
		acks:      make(map[string]uint64),
		requires:  make(map[inputKey]bool),
		droppable: true,
		positions: make(map[moveKey]models.Vec2),
		statuses:  make(map[string]string),
	}

	s.applyPresence(pending, ts)
	for _, in := range s.collect(ts) {
		s.propose(in, ts)
	}

	out := s.store.Resolve(s.tick)
	res.Applied = len(out.Changes)
	for _, r := range out.Rejected {
		s.rejectProposal(r, ts)
	}
	res.Rejected = ts.rejected

	traits := models.Traits{
		FlushImmediately: ts.flush || out.Flush,
		Droppable:        ts.droppable && out.Droppable,
	}
	s.compiler.Add(s.tick, out.Changes, ts.acks, traits, now)
	s.emitPending(ctx, now)

	view := s.store.Publish(s.tick)
	s.tickV.Store(s.tick)
	s.publishBoundary(view)
	s.reply(pending, nil)

	if s.snapshots.Due(s.tick, now) {
		s.captureSnapshot(ctx, now, reasonCadence, false)
	}

	elapsed := s.clock.Since(start)
	res.OverBudget = elapsed > s.typ.TickBudget
	if !res.OverBudget {
		s.refreshDerived(now)
	}
	s.metrics.RecordTick(s.typ.Name, elapsed, res.OverBudget)
	span.SetAttributes(
		attribute.String("session_id", s.id.String()),
		attribute.Int64("tick", int64(s.tick)),
		attribute.Int("applied", res.Applied),
		attribute.Bool("over_budget", res.OverBudget),
	)
	return res
}

// drainControl applies lifecycle commands and returns the ones whose replies
// must wait until the tick's writes are published.
func (s *Session) drainControl(now time.Time) []command {
	var pending []command
	for {
		select {
		case cmd := <-s.control:
			if err := s.applyControl(cmd, now); err != nil {
				if cmd.reply != nil {
					cmd.reply <- err
				}
				continue
			}
			pending = append(pending, cmd)
		default:
			return pending
		}
	}
}

func (s *Session) applyControl(cmd command, now time.Time) error {
	st := s.Status()
	switch cmd.kind {
	case cmdStart:
		if st != models.SessionStatusCreated {
			return fmt.Errorf("start session in status %s", st)
		}
		s.setStatus(models.SessionStatusActive)
	case cmdPause:
		if st != models.SessionStatusActive {
			return fmt.Errorf("pause session in status %s", st)
		}
		s.pause(now, false)
	case cmdResume:
		if st != models.SessionStatusPaused {
			return fmt.Errorf("resume session in status %s", st)
		}
		s.pausedByExit = false
		s.setStatus(models.SessionStatusActive)
	case cmdFinish:
		if st.Terminal() {
			return events.ErrSessionClosed
		}
		s.teardown(now)
	case cmdResync:
		if st.Terminal() {
			return events.ErrSessionClosed
		}
		s.resync(context.Background(), now, reasonRequested)
	case cmdPresence:
		if cmd.presence.State == models.ConnectionAbandoned && s.typ.DisconnectPolicy == models.DisconnectPause && st == models.SessionStatusActive {
			s.pause(now, true)
		}
		if cmd.presence.State == models.ConnectionReconnected && st == models.SessionStatusPaused && s.pausedByExit && len(s.presence.Unsettled()) == 0 {
			s.pausedByExit = false
			s.setStatus(models.SessionStatusActive)
		}
	}
	return nil
}

func (s *Session) reply(cmds []command, err error) {
	for _, c := range cmds {
		if c.reply != nil {
			c.reply <- err
		}
	}
}

// pause flushes what was already batched so observers are current.
func (s *Session) pause(now time.Time, byExit bool) {
	s.emitAll(context.Background(), now)
	s.publishBoundary(s.store.Publish(s.tick))
	s.pausedByExit = byExit
	s.setStatus(models.SessionStatusPaused)
}

// applyPresence turns takeover policy transitions into authority writes.
func (s *Session) applyPresence(cmds []command, ts *tickState) {
	if s.typ.DisconnectPolicy != models.DisconnectTakeover {
		return
	}
	for _, c := range cmds {
		if c.kind != cmdPresence {
			continue
		}
		var controller string
		switch c.presence.State {
		case models.ConnectionAbandoned:
			controller = models.ControllerAI
		case models.ConnectionReconnected:
			controller = c.presence.Participant
		default:
			continue
		}
		for _, id := range s.store.EntitiesOwnedBy(c.presence.Participant) {
			path := models.JoinPath(id, models.AttrController)
			if cur, ok := s.store.Get(path); !ok && controller != models.ControllerAI {
				continue
			} else if ok && cur == controller {
				continue
			}
			s.authorityWrite(path, controller, ts)
		}
		log.Info().
			Str("session_id", s.id.String()).
			Str("participant", c.presence.Participant).
			Str("controller", controller).
			Msg("applied takeover policy")
	}
}

func (s *Session) authorityWrite(path string, value any, ts *tickState) {
	_ = s.store.Propose(resolver.Proposal{
		Path:      path,
		Writer:    s.typ.Authority,
		Value:     value,
		Timestamp: ts.now,
		Priority:  s.typ.PriorityOf(s.typ.Authority),
	})
	ts.droppable = false
}

// collect drains the inbox, sorts out late and early inputs and returns the
// inputs due this tick in canonical (participant, seq) order.
func (s *Session) collect(ts *tickState) []models.InputEvent {
	var ready []models.InputEvent
	for n := len(s.inbox); n > 0; n-- {
		in := <-s.inbox
		target := s.tick
		if in.TargetTick != nil {
			target = *in.TargetTick
		}
		switch {
		case target+s.typ.LateWindow < s.tick:
			s.rejectInput(in, events.ReasonTooLate, events.ErrInputTooLate.Error(), ts)
		case target > s.tick+s.typ.FutureWindow:
			s.rejectInput(in, events.ReasonTooEarly, "", ts)
		case target > s.tick:
			s.held[target] = append(s.held[target], in)
		default:
			ready = append(ready, in)
		}
	}
	for t, ins := range s.held {
		if t <= s.tick {
			ready = append(ready, ins...)
			delete(s.held, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].ParticipantID != ready[j].ParticipantID {
			return ready[i].ParticipantID < ready[j].ParticipantID
		}
		return ready[i].Seq < ready[j].Seq
	})
	return ready
}

func (s *Session) ack(in models.InputEvent, ts *tickState) {
	if in.Seq > ts.acks[in.ParticipantID] {
		ts.acks[in.ParticipantID] = in.Seq
	}
	if in.Seq > s.acks[in.ParticipantID] {
		s.acks[in.ParticipantID] = in.Seq
	}
}

func (s *Session) rejectInput(in models.InputEvent, code events.ReasonCode, detail string, ts *tickState) {
	ts.rejected++
	s.ack(in, ts)
	s.sendRejection(in.ParticipantID, events.Rejection{Code: code, Seq: in.Seq, Detail: detail}, ts.now)
}

func (s *Session) sendRejection(participant string, r events.Rejection, now time.Time) {
	s.metrics.RecordInput(s.typ.Name, string(r.Code))
	s.dispatcher.SendTo(participant, events.RejectionFrame(s.id.String(), r, now))
}

// rejectProposal reports a resolver rejection. Stale writes stay silent
// unless the action asked for an acknowledgement.
func (s *Session) rejectProposal(r resolver.Rejected, ts *tickState) {
	p := r.Proposal
	if p.Writer == s.typ.Authority && p.Seq == 0 {
		log.Warn().
			Str("session_id", s.id.String()).
			Str("path", p.Path).
			Str("code", string(r.Code)).
			Msg("authority write rejected")
		return
	}
	if r.Code == events.ReasonStaleWrite && !ts.requires[inputKey{p.Writer, p.Seq}] {
		return
	}
	ts.rejected++
	s.sendRejection(p.Writer, events.Rejection{Code: r.Code, Field: p.Path, Seq: p.Seq}, ts.now)
}

// emitPending flushes the compiler when its window elapsed or a flush was requested.
func (s *Session) emitPending(ctx context.Context, now time.Time) {
	if s.compiler.Ready(now) {
		s.emitAll(ctx, now)
	}
}

func (s *Session) emitAll(ctx context.Context, now time.Time) {
	deltas, err := s.compiler.Flush(now)
	if err != nil {
		if errors.Is(err, events.ErrOversizedPath) {
			log.Warn().Err(err).Str("session_id", s.id.String()).Msg("delta too large, forcing snapshot")
			s.resync(ctx, now, reasonOversized)
			return
		}
		log.Error().Err(err).Str("session_id", s.id.String()).Msg("failed to compile delta")
		s.resync(ctx, now, reasonCorruption)
		return
	}
	for _, d := range deltas {
		s.dispatcher.Emit(events.DeltaFrame(d))
	}
}

// resync emits a resync delta followed by a full snapshot at the same seq.
func (s *Session) resync(ctx context.Context, now time.Time, reason string) {
	s.compiler.Discard()
	s.dispatcher.Emit(events.DeltaFrame(models.Delta{
		SessionID: s.id,
		Tick:      s.tick,
		Changes:   map[string]any{},
		Resync:    true,
		EmittedAt: now,
	}))
	s.publishBoundary(s.store.Publish(s.tick))
	s.captureSnapshot(ctx, now, reason, true)
}

// captureSnapshot verifies the store and records a snapshot at the last seq.
// Broadcast snapshots are sent to every observer.
func (s *Session) captureSnapshot(ctx context.Context, now time.Time, reason string, broadcast bool) {
	if err := s.store.Verify(); err != nil && reason != reasonCorruption {
		log.Error().Err(err).Str("session_id", s.id.String()).Msg("session state corrupted, forcing resync")
		s.metrics.RecordSnapshot(s.typ.Name, reasonCorruption)
		s.resync(ctx, now, reasonCorruption)
		return
	}
	b := s.boundary.Load()
	snap := s.snapshots.Capture(b.View, b.Seq, b.Acks, now)
	s.compiler.MarkSnapshot(snap.Seq)
	s.metrics.RecordSnapshot(s.typ.Name, reason)
	if broadcast {
		s.dispatcher.Emit(events.SnapshotFrame(snap))
	}
}

// Stop tears the session down outside the tick loop, after any running
// step returns. Lifecycle commands still waiting are answered with
// events.ErrSessionClosed. It reports whether this call finished the session.
func (s *Session) Stop(now time.Time) bool {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	if s.Status().Terminal() {
		return false
	}
	s.teardown(now)
	for {
		select {
		case cmd := <-s.control:
			if cmd.reply != nil {
				cmd.reply <- events.ErrSessionClosed
			}
		default:
			return true
		}
	}
}

// teardown rejects queued inputs, flushes pending changes and forces a final snapshot.
func (s *Session) teardown(now time.Time) {
	for n := len(s.inbox); n > 0; n-- {
		in := <-s.inbox
		s.sendRejection(in.ParticipantID, events.Rejection{Code: events.ReasonSessionClosed, Seq: in.Seq}, now)
	}
	for t, ins := range s.held {
		for _, in := range ins {
			s.sendRejection(in.ParticipantID, events.Rejection{Code: events.ReasonSessionClosed, Seq: in.Seq}, now)
		}
		delete(s.held, t)
	}
	s.store.Discard()
	s.emitAll(context.Background(), now)
	s.publishBoundary(s.store.Publish(s.tick))
	s.captureSnapshot(context.Background(), now, reasonFinal, false)
	s.presence.Stop()
	s.setStatus(models.SessionStatusFinished)
	s.finishedV.Store(&now)
	s.refreshDerived(now)
}

func (s *Session) refreshDerived(now time.Time) {
	view := s.boundary.Load().View
	paths := 0
	for _, id := range view.IDs() {
		e, _ := view.Entity(id)
		paths += len(e.Attrs)
	}
	held := 0
	for _, ins := range s.held {
		held += len(ins)
	}
	s.mu.RLock()
	participants := len(s.participants)
	s.mu.RUnlock()
	depth := s.dispatcher.Len()
	s.stats.Store(&Stats{
		Tick:         s.tick,
		Status:       s.Status(),
		Entities:     view.Len(),
		Paths:        paths,
		Participants: participants,
		Held:         held,
		QueueDepth:   depth,
		LastSeq:      s.dispatcher.LastSeq(),
		UpdatedAt:    now,
	})
}
