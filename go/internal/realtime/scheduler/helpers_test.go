package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/broadcast"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func arenaType() models.SessionType {
	return models.SessionType{
		Name:             "arena",
		TickRate:         20,
		MaxSpeed:         200,
		BatchWindow:      50 * time.Millisecond,
		RateLimit:        models.RateLimit{Threshold: 1000, Window: time.Second},
		GracePeriod:      5 * time.Second,
		DisconnectPolicy: models.DisconnectTakeover,
		Paths: []models.PathRule{
			{Attr: "hp", Strategy: models.StrategyAccumulative, Ceiling: ptr(100.0)},
			{Attr: "status", Strategy: models.StrategyLWW, Transitions: map[string][]string{
				"":       {"new"},
				"new":    {"packed", "cancelled"},
				"packed": {"shipped"},
			}},
			{Attr: "phase", Strategy: models.StrategyAuthoritative},
		},
	}
}

type harness struct {
	t       *testing.T
	s       *Session
	rec     *broadcast.Recorder
	clock   *clockwork.FakeClock
	ctx     context.Context
	archive chan models.Snapshot
}

func newHarness(t *testing.T, typ models.SessionType) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	rec := broadcast.NewRecorder()
	archive := make(chan models.Snapshot, 64)
	s := New(uuid.New(), typ, []string{"alice", "bob"}, Options{
		Clock:     clock,
		Transport: rec,
		Codec:     events.JSON,
		Dispatch:  broadcast.Config{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Archive: func(snap models.Snapshot) {
			select {
			case archive <- snap:
			default:
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Dispatcher().Run(ctx)

	h := &harness{t: t, s: s, rec: rec, clock: clock, ctx: ctx, archive: archive}
	require.NoError(t, h.control(s.Start))
	return h
}

// control runs a blocking session command while stepping the actor.
func (h *harness) control(fn func(context.Context) error) error {
	h.t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn(h.ctx) }()
	for i := 0; i < 200; i++ {
		select {
		case err := <-done:
			return err
		case <-time.After(time.Millisecond):
		}
		h.s.Step(h.ctx, h.clock.Now())
	}
	h.t.Fatal("control command was never applied")
	return nil
}

// step advances the clock by one batch window and runs a tick.
func (h *harness) step() StepResult {
	h.clock.Advance(50 * time.Millisecond)
	return h.s.Step(h.ctx, h.clock.Now())
}

func (h *harness) submit(who string, seq uint64, a models.Action) error {
	return h.s.Submit(models.InputEvent{
		SessionID:     h.s.ID(),
		ParticipantID: who,
		Seq:           seq,
		Action:        a,
		ClaimedAt:     h.clock.Now(),
	})
}

// flushed closes the dispatcher and returns every published frame.
func (h *harness) flushed() []events.Frame {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.s.Dispatcher().Close(ctx))
	return h.rec.Frames()
}

func (h *harness) direct(who string) []events.Frame {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.s.Dispatcher().Close(ctx))
	return h.rec.Direct(who)
}

func (h *harness) get(path string) any {
	v, _ := h.s.store.Get(path)
	return v
}

func codes(frames []events.Frame) []events.ReasonCode {
	var out []events.ReasonCode
	for _, f := range frames {
		if f.Rejection != nil {
			out = append(out, f.Rejection.Code)
		}
	}
	return out
}
