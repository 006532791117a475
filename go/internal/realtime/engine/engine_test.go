package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/broadcast"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryArchive struct {
	mu    sync.Mutex
	snaps map[uuid.UUID][]models.Snapshot
	types map[uuid.UUID]string
}

func newMemoryArchive() *memoryArchive {
	return &memoryArchive{snaps: map[uuid.UUID][]models.Snapshot{}, types: map[uuid.UUID]string{}}
}

func (a *memoryArchive) SaveSnapshot(_ context.Context, sessionType string, snap models.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snaps[snap.SessionID] = append(a.snaps[snap.SessionID], snap)
	a.types[snap.SessionID] = sessionType
	return nil
}

func (a *memoryArchive) LatestSnapshot(_ context.Context, id uuid.UUID) (models.Snapshot, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snaps := a.snaps[id]
	if len(snaps) == 0 {
		return models.Snapshot{}, "", errors.New("no snapshot")
	}
	return snaps[len(snaps)-1], a.types[id], nil
}

func (a *memoryArchive) count(id uuid.UUID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.snaps[id])
}

func arena() models.SessionType {
	return models.SessionType{
		Name:              "arena",
		TickRate:          20,
		MaxSpeed:          200,
		FinishedRetention: time.Second,
	}
}

type harness struct {
	t       *testing.T
	e       *Engine
	clock   *clockwork.FakeClock
	rec     *broadcast.Recorder
	archive *memoryArchive
}

func newHarness(t *testing.T, run bool) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   clockwork.NewFakeClock(),
		rec:     broadcast.NewRecorder(),
		archive: newMemoryArchive(),
	}
	e, err := New(Config{
		Workers:       2,
		Clock:         h.clock,
		Transport:     h.rec,
		Codec:         events.JSON,
		Archive:       h.archive,
		SweepInterval: 100 * time.Millisecond,
	}, arena())
	require.NoError(t, err)
	h.e = e

	if run {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- e.Run(ctx) }()
		t.Cleanup(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("engine did not stop")
			}
		})
	}
	return h
}

// until advances the clock one tick at a time until cond holds.
func (h *harness) until(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.clock.Advance(50 * time.Millisecond)
		return cond()
	}, 5*time.Second, 2*time.Millisecond)
}

// await runs a blocking engine call while the clock keeps ticking.
func (h *harness) await(fn func(context.Context) error) error {
	h.t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn(context.Background()) }()
	var err error
	h.until(func() bool {
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	})
	return err
}

func (h *harness) started(participants ...string) uuid.UUID {
	h.t.Helper()
	s, err := h.e.CreateSession("arena", participants)
	require.NoError(h.t, err)
	require.NoError(h.t, h.await(func(ctx context.Context) error { return h.e.StartSession(ctx, s.ID()) }))
	return s.ID()
}

func TestNew_RejectsBadTypes(t *testing.T) {
	_, err := New(Config{}, models.SessionType{})
	assert.Error(t, err)
	_, err = New(Config{}, arena(), arena())
	assert.Error(t, err)
}

func TestEngine_UnknownTypeAndSession(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.e.CreateSession("chess", nil)
	assert.ErrorIs(t, err, ErrUnknownType)

	err = h.e.SubmitInput(models.InputEvent{SessionID: uuid.New(), ParticipantID: "alice", Seq: 1})
	assert.ErrorIs(t, err, events.ErrSessionNotFound)
	_, err = h.e.RequestSnapshot(uuid.New(), "")
	assert.ErrorIs(t, err, events.ErrSessionNotFound)
	assert.Equal(t, []string{"arena"}, h.e.Types())
}

func TestEngine_SessionLifecycle(t *testing.T) {
	h := newHarness(t, true)
	id := h.started("alice")
	require.NoError(t, h.e.Join(id, "bob"))

	require.NoError(t, h.e.SubmitInput(models.InputEvent{
		SessionID: id, ParticipantID: "alice", Seq: 1,
		Action: models.Spawn{Entity: "a1", Attrs: map[string]any{"pos": models.Vec2{}}},
	}))
	err := h.e.SubmitInput(models.InputEvent{
		SessionID: id, ParticipantID: "alice", Seq: 2,
		Action: models.Move{Entity: "a1", DX: 50},
	})
	var ve *events.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, events.ReasonMovementBoundsExceeded, ve.Code)

	h.until(func() bool {
		snap, err := h.e.RequestSnapshot(id, "")
		return err == nil && len(snap.Entities) == 1
	})

	snap, err := h.e.RequestSnapshot(id, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.Vec2{}, snap.Flatten()["a1.pos"])
	h.until(func() bool {
		for _, f := range h.rec.Direct("bob") {
			if f.Type == events.FrameSnapshot {
				return true
			}
		}
		return false
	})

	require.NoError(t, h.await(func(ctx context.Context) error { return h.e.Pause(ctx, id) }))
	st, err := h.e.Stats(id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, st.Status)
	require.NoError(t, h.await(func(ctx context.Context) error { return h.e.Resume(ctx, id) }))
	require.NoError(t, h.await(func(ctx context.Context) error { return h.e.Finish(ctx, id) }))

	sessions := h.e.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionStatusFinished, sessions[0].Status)
	assert.Equal(t, []string{"alice", "bob"}, sessions[0].Participants)

	h.until(func() bool {
		_, err := h.e.Session(id)
		return errors.Is(err, events.ErrSessionNotFound)
	})
}

func TestEngine_ArchivesAndRestores(t *testing.T) {
	h := newHarness(t, true)
	id := h.started("alice")
	require.NoError(t, h.e.SubmitInput(models.InputEvent{
		SessionID: id, ParticipantID: "alice", Seq: 1,
		Action: models.Spawn{Entity: "a1", Attrs: map[string]any{"hp": 30.0}},
	}))
	h.until(func() bool {
		snap, _ := h.e.RequestSnapshot(id, "")
		return len(snap.Entities) == 1
	})
	require.NoError(t, h.await(func(ctx context.Context) error { return h.e.Finish(ctx, id) }))
	h.until(func() bool { return h.archive.count(id) >= 2 })

	fresh, err := New(Config{Clock: h.clock, Archive: h.archive}, arena())
	require.NoError(t, err)
	restored, err := fresh.RestoreSession(context.Background(), id, []string{"alice"})
	require.NoError(t, err)

	assert.Equal(t, id, restored.ID())
	assert.Equal(t, 30.0, restored.Snapshot().Flatten()["a1.hp"])
	assert.Positive(t, restored.Tick())
	assert.Equal(t, uint64(1), restored.Snapshot().Acks["alice"])
}

func TestEngine_ShutdownArchivesFinalSnapshot(t *testing.T) {
	typ := arena()
	typ.SnapshotEveryTicks = 1 << 30
	h := &harness{
		t:       t,
		clock:   clockwork.NewFakeClock(),
		rec:     broadcast.NewRecorder(),
		archive: newMemoryArchive(),
	}
	e, err := New(Config{Workers: 2, Clock: h.clock, Transport: h.rec, Codec: events.JSON, Archive: h.archive}, typ)
	require.NoError(t, err)
	h.e = e

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	id := h.started("alice")
	require.NoError(t, e.SubmitInput(models.InputEvent{
		SessionID: id, ParticipantID: "alice", Seq: 1,
		Action: models.Spawn{Entity: "a1", Attrs: map[string]any{"hp": 30.0}},
	}))
	h.until(func() bool {
		snap, _ := e.RequestSnapshot(id, "")
		return len(snap.Entities) == 1
	})

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	require.Equal(t, 1, h.archive.count(id), "shutdown archives exactly the final snapshot")
	snap, sessionType, err := h.archive.LatestSnapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "arena", sessionType)
	assert.Equal(t, 30.0, snap.Flatten()["a1.hp"])
	assert.Equal(t, uint64(1), snap.Acks["alice"])

	s, err := e.Session(id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFinished, s.Status())
}

func TestEngine_ConnectJoinsAndTracksPresence(t *testing.T) {
	h := newHarness(t, false)
	s, err := h.e.CreateSession("arena", nil)
	require.NoError(t, err)

	state, err := h.e.Connect(s.ID(), "carol")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionConnected, state)
	assert.True(t, s.IsParticipant("carol"))

	require.NoError(t, h.e.Disconnect(s.ID(), "carol"))
	assert.Equal(t, []string{"carol"}, s.Presence().Unsettled())

	state, err = h.e.Connect(s.ID(), "carol")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionReconnected, state)
	assert.Empty(t, s.Presence().Unsettled())
}

func TestEngine_SkipsTickWhileInFlight(t *testing.T) {
	h := newHarness(t, false)
	s, err := h.e.CreateSession("arena", nil)
	require.NoError(t, err)

	h.e.schedule(s.ID())
	h.e.schedule(s.ID())
	assert.Len(t, h.e.workCh, 1, "a second tick is not queued while one is in flight")

	id := <-h.e.workCh
	h.e.step(context.Background(), id)
	h.e.schedule(s.ID())
	assert.Len(t, h.e.workCh, 1)
}
