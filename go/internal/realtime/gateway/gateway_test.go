package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/engine"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	engine *engine.Engine
	cm     *ConnectionManager
	srv    *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cm := NewConnectionManager(nil, nil, DefaultConnectionConfig())
	e, err := engine.New(engine.Config{Workers: 2, Transport: cm, Codec: events.JSON},
		models.SessionType{Name: "arena", MaxSpeed: 200, GracePeriod: time.Minute})
	require.NoError(t, err)
	cm.SetEngine(e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	mux := http.NewServeMux()
	NewHandler(e, cm).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testServer{engine: e, cm: cm, srv: srv}
}

func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) create(t *testing.T) models.Session {
	t.Helper()
	resp := ts.post(t, "/api/sessions", map[string]any{"type": "arena", "participants": []string{"alice"}, "start": true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var s models.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	return s
}

func (ts *testServer) dial(t *testing.T, id uuid.UUID, participant, codec string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http") +
		"/ws/session?session_id=" + id.String() + "&participant_id=" + participant + "&codec=" + codec
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, codec events.Codec, match func(events.Frame) bool) events.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f events.Frame
		require.NoError(t, codec.Unmarshal(data, &f))
		if match(f) {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestHTTP_SessionAPI(t *testing.T) {
	ts := newTestServer(t)
	s := ts.create(t)
	assert.Equal(t, models.SessionStatusActive, s.Status)

	resp := ts.get(t, "/api/sessions/"+s.ID.String()+"/snapshot")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap models.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, s.ID, snap.SessionID)

	assert.Equal(t, http.StatusNotFound, ts.get(t, "/api/sessions/"+uuid.NewString()+"/snapshot").StatusCode)
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/api/sessions/nope").StatusCode)
	assert.Equal(t, http.StatusBadRequest, ts.post(t, "/api/sessions", map[string]any{"type": "chess"}).StatusCode)

	resp = ts.post(t, "/api/sessions/"+s.ID.String()+"/inputs", events.InputMessage{
		ParticipantID: "alice",
		Seq:           1,
		Action:        events.ActionPayload{Kind: models.ActionMove, Entity: "a1", DX: 50},
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var er errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
	require.NotNil(t, er.Rejection)
	assert.Equal(t, events.ReasonMovementBoundsExceeded, er.Rejection.Code)

	resp = ts.post(t, "/api/sessions/"+s.ID.String()+"/participants", joinRequest{ParticipantID: "bob"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.post(t, "/api/sessions/"+s.ID.String()+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var paused models.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&paused))
	assert.Equal(t, models.SessionStatusPaused, paused.Status)
	assert.Equal(t, []string{"alice", "bob"}, paused.Participants)

	assert.Equal(t, http.StatusConflict, ts.post(t, "/api/sessions/"+s.ID.String()+"/pause", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, ts.post(t, "/api/sessions/"+s.ID.String()+"/explode", nil).StatusCode)

	resp = ts.get(t, "/api/sessions")
	var list []models.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestWebSocket_StreamsAndRejects(t *testing.T) {
	ts := newTestServer(t)
	s := ts.create(t)
	conn := ts.dial(t, s.ID, "alice", "json")

	readUntil(t, conn, events.JSON, func(f events.Frame) bool { return f.Type == events.FrameSnapshot })

	send(t, conn, ClientMessage{Type: MessageInput, Input: &events.InputMessage{
		Seq:    1,
		Action: events.ActionPayload{Kind: models.ActionSpawn, Entity: "a1", Attrs: map[string]any{"pos": map[string]any{"x": 1, "y": 2}}},
	}})
	d := readUntil(t, conn, events.JSON, func(f events.Frame) bool {
		return f.Type == events.FrameDelta && f.Changes["a1.pos"] != nil
	})
	assert.Equal(t, models.Vec2{X: 1, Y: 2}, d.NormalizedChanges()["a1.pos"])
	assert.Equal(t, uint64(1), d.Acks["alice"])

	send(t, conn, ClientMessage{Type: MessageInput, Input: &events.InputMessage{
		Seq:    2,
		Action: events.ActionPayload{Kind: "teleport", Entity: "a1"},
	}})
	r := readUntil(t, conn, events.JSON, func(f events.Frame) bool { return f.Type == events.FrameRejection })
	assert.Equal(t, events.ReasonUnknownAction, r.Rejection.Code)
	assert.Equal(t, uint64(2), r.Rejection.Seq)

	send(t, conn, ClientMessage{Type: MessageInput, Input: &events.InputMessage{
		ParticipantID: "mallory",
		Seq:           3,
		Action:        events.ActionPayload{Kind: models.ActionMove, Entity: "a1", DX: 50},
	}})
	r = readUntil(t, conn, events.JSON, func(f events.Frame) bool { return f.Type == events.FrameRejection })
	assert.Equal(t, events.ReasonMovementBoundsExceeded, r.Rejection.Code)

	send(t, conn, ClientMessage{Type: MessageSnapshot})
	snap := readUntil(t, conn, events.JSON, func(f events.Frame) bool { return f.Type == events.FrameSnapshot })
	assert.Equal(t, models.Vec2{X: 1, Y: 2}, snap.Snapshot().Flatten()["a1.pos"])

	require.Eventually(t, func() bool { return ts.cm.Stats().Total == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	session, err := ts.engine.Session(s.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(session.Presence().Unsettled()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, ts.cm.Stats().Total)
}

func TestWebSocket_MsgPackCodec(t *testing.T) {
	ts := newTestServer(t)
	s := ts.create(t)
	conn := ts.dial(t, s.ID, "alice", "msgpack")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	var f events.Frame
	require.NoError(t, events.MsgPack.Unmarshal(data, &f))
	assert.Equal(t, s.ID.String(), f.SessionID)
}

func TestWebSocket_RejectsUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/session?session_id=" + uuid.NewString() + "&participant_id=alice"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
