package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeEngine struct {
	inputs    []models.InputEvent
	submitErr error
	snapshots map[uuid.UUID]models.Snapshot
	requested []string
}

func (f *fakeEngine) SubmitInput(in models.InputEvent) error {
	f.inputs = append(f.inputs, in)
	return f.submitErr
}

func (f *fakeEngine) RequestSnapshot(id uuid.UUID, participant string) (models.Snapshot, error) {
	snap, ok := f.snapshots[id]
	if !ok {
		return models.Snapshot{}, events.ErrSessionNotFound
	}
	f.requested = append(f.requested, participant)
	return snap, nil
}

type rpcHarness struct {
	engine   *fakeEngine
	clock    *clockwork.FakeClock
	submit   *connect.Client[structpb.Struct, structpb.Struct]
	snapshot *connect.Client[structpb.Struct, structpb.Struct]
}

func newRPCHarness(t *testing.T, opts ...connect.ClientOption) *rpcHarness {
	t.Helper()
	h := &rpcHarness{
		engine: &fakeEngine{snapshots: map[uuid.UUID]models.Snapshot{}},
		clock:  clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
	}
	mux := http.NewServeMux()
	mux.Handle(NewHandler(NewService(h.engine, h.clock)))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h.submit = connect.NewClient[structpb.Struct, structpb.Struct](srv.Client(), srv.URL+SubmitInputProcedure, opts...)
	h.snapshot = connect.NewClient[structpb.Struct, structpb.Struct](srv.Client(), srv.URL+RequestSnapshotProcedure, opts...)
	return h
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestSubmitInput_Accepted(t *testing.T) {
	for name, opts := range map[string][]connect.ClientOption{
		"connect": nil,
		"json":    {connect.WithProtoJSON()},
		"grpcweb": {connect.WithGRPCWeb()},
	} {
		t.Run(name, func(t *testing.T) {
			h := newRPCHarness(t, opts...)
			id := uuid.New()

			res, err := h.submit.CallUnary(context.Background(), connect.NewRequest(mustStruct(t, map[string]any{
				"session_id":     id.String(),
				"participant_id": "alice",
				"seq":            4,
				"claimed_at":     "2026-05-01T08:59:59Z",
				"action":         map[string]any{"kind": "move", "entity": "a1", "dx": 1.5, "dy": -2},
			})))
			require.NoError(t, err)

			fields := res.Msg.GetFields()
			assert.True(t, fields["accepted"].GetBoolValue())
			assert.Equal(t, 4.0, fields["seq"].GetNumberValue())

			require.Len(t, h.engine.inputs, 1)
			in := h.engine.inputs[0]
			assert.Equal(t, id, in.SessionID)
			assert.Equal(t, "alice", in.ParticipantID)
			assert.Equal(t, uint64(4), in.Seq)
			assert.Equal(t, models.Move{Entity: "a1", DX: 1.5, DY: -2}, in.Action)
			assert.True(t, in.ClaimedAt.Equal(time.Date(2026, 5, 1, 8, 59, 59, 0, time.UTC)))
			assert.True(t, in.ReceivedAt.Equal(h.clock.Now()))
		})
	}
}

func TestSubmitInput_Rejected(t *testing.T) {
	h := newRPCHarness(t)
	h.engine.submitErr = events.Invalid(events.ReasonMovementBoundsExceeded, "action", "speed 300 exceeds 200")

	res, err := h.submit.CallUnary(context.Background(), connect.NewRequest(mustStruct(t, map[string]any{
		"session_id":     uuid.NewString(),
		"participant_id": "alice",
		"seq":            9,
		"action":         map[string]any{"kind": "move", "entity": "a1", "dx": 300},
	})))
	require.NoError(t, err)

	fields := res.Msg.GetFields()
	assert.False(t, fields["accepted"].GetBoolValue())
	rejection := fields["rejection"].GetStructValue().GetFields()
	assert.Equal(t, "MOVEMENT_BOUNDS_EXCEEDED", rejection["code"].GetStringValue())
	assert.Equal(t, 9.0, rejection["seq"].GetNumberValue())
}

func TestSubmitInput_UndecodableAction(t *testing.T) {
	h := newRPCHarness(t)

	res, err := h.submit.CallUnary(context.Background(), connect.NewRequest(mustStruct(t, map[string]any{
		"session_id":     uuid.NewString(),
		"participant_id": "alice",
		"seq":            1,
		"action":         map[string]any{"kind": "teleport"},
	})))
	require.NoError(t, err)
	assert.Equal(t, "UNKNOWN_ACTION", res.Msg.GetFields()["rejection"].GetStructValue().GetFields()["code"].GetStringValue())
	assert.Empty(t, h.engine.inputs)
}

func TestSubmitInput_Errors(t *testing.T) {
	h := newRPCHarness(t)

	_, err := h.submit.CallUnary(context.Background(), connect.NewRequest(mustStruct(t, map[string]any{
		"session_id": uuid.NewString(),
		"seq":        "not a number",
	})))
	require.Error(t, err)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	h.engine.submitErr = events.ErrSessionNotFound
	_, err = h.submit.CallUnary(context.Background(), connect.NewRequest(mustStruct(t, map[string]any{
		"session_id":     uuid.NewString(),
		"participant_id": "alice",
		"seq":            1,
		"action":         map[string]any{"kind": "bid", "entity": "lot", "amount": 5},
	})))
	require.Error(t, err)
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestRequestSnapshot(t *testing.T) {
	h := newRPCHarness(t)
	id := uuid.New()
	h.engine.snapshots[id] = models.Snapshot{
		SessionID: id,
		Seq:       12,
		Tick:      30,
		Entities: map[string]*models.Entity{
			"a1": {ID: "a1", Owner: "alice", Attrs: map[string]models.Attribute{
				"pos": {Value: models.Vec2{X: 6, Y: 2}, Strategy: models.StrategyLWW, Writer: "alice", Version: 3},
			}},
		},
		Acks:    map[string]uint64{"alice": 5},
		TakenAt: h.clock.Now(),
	}

	res, err := h.snapshot.CallUnary(context.Background(), connect.NewRequest(mustStruct(t, map[string]any{
		"session_id":     id.String(),
		"participant_id": "bob",
	})))
	require.NoError(t, err)

	fields := res.Msg.GetFields()
	assert.Equal(t, "snapshot", fields["type"].GetStringValue())
	assert.Equal(t, 12.0, fields["seq"].GetNumberValue())
	assert.Equal(t, 5.0, fields["acks"].GetStructValue().GetFields()["alice"].GetNumberValue())
	pos := fields["entities"].GetStructValue().GetFields()["a1"].GetStructValue().
		GetFields()["attrs"].GetStructValue().GetFields()["pos"].GetStructValue().GetFields()["value"].GetStructValue().GetFields()
	assert.Equal(t, 6.0, pos["x"].GetNumberValue())
	assert.Equal(t, []string{"bob"}, h.engine.requested)

	_, err = h.snapshot.CallUnary(context.Background(), connect.NewRequest(mustStruct(t, map[string]any{
		"session_id": uuid.NewString(),
	})))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	_, err = h.snapshot.CallUnary(context.Background(), connect.NewRequest(mustStruct(t, map[string]any{
		"session_id": "nope",
	})))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}
