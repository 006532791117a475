package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/engine"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/mcdev12/statesync/go/internal/realtime/scheduler"
	"github.com/rs/zerolog/log"
)

// SessionService is the engine surface the HTTP API exposes.
type SessionService interface {
	Engine
	CreateSession(typeName string, participants []string) (*scheduler.Session, error)
	Session(id uuid.UUID) (*scheduler.Session, error)
	Sessions() []models.Session
	Join(id uuid.UUID, participant string) error
	StartSession(ctx context.Context, id uuid.UUID) error
	Pause(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Finish(ctx context.Context, id uuid.UUID) error
	Resync(ctx context.Context, id uuid.UUID) error
	Stats(id uuid.UUID) (scheduler.Stats, error)
}

// Handler serves the WebSocket endpoint and the session HTTP API.
type Handler struct {
	sessions    SessionService
	connections *ConnectionManager
}

// NewHandler creates a handler.
func NewHandler(sessions SessionService, cm *ConnectionManager) *Handler {
	return &Handler{sessions: sessions, connections: cm}
}

// RegisterRoutes registers the gateway routes with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/session", h.HandleSessionConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)

	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("GET /api/sessions/{id}/snapshot", h.getSnapshot)
	mux.HandleFunc("GET /api/sessions/{id}/stats", h.getStats)
	mux.HandleFunc("POST /api/sessions/{id}/participants", h.join)
	mux.HandleFunc("POST /api/sessions/{id}/inputs", h.submitInput)
	mux.HandleFunc("POST /api/sessions/{id}/{action}", h.lifecycle)
}

// HandleSessionConnection upgrades a participant's connection to a session stream.
func (h *Handler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID, err := uuid.Parse(q.Get("session_id"))
	if err != nil {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}
	participant := q.Get("participant_id")
	if participant == "" {
		http.Error(w, "participant_id is required", http.StatusBadRequest)
		return
	}
	codec, err := events.CodecByName(q.Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := h.sessions.Session(sessionID); err != nil {
		writeError(w, err)
		return
	}

	if err := h.connections.UpgradeConnection(w, r, participant, sessionID, codec); err != nil {
		// The upgrader has already replied.
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("participant", participant).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *Handler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connections.Stats())
}

type createSessionRequest struct {
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
	Start        bool     `json:"start"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, err := h.sessions.CreateSession(req.Type, req.Participants)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Start {
		if err := h.sessions.StartSession(r.Context(), s.ID()); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, s.Model())
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Sessions())
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s, err := h.sessions.Session(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Model())
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	snap, err := h.sessions.RequestSnapshot(id, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := h.sessions.Stats(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type joinRequest struct {
	ParticipantID string `json:"participant_id"`
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.sessions.Join(id, req.ParticipantID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) submitInput(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var msg events.InputMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	msg.SessionID = id.String()
	in, err := msg.ToEvent(h.connections.clock.Now())
	if err == nil {
		err = h.sessions.SubmitInput(in)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var op func(context.Context, uuid.UUID) error
	switch r.PathValue("action") {
	case "start":
		op = h.sessions.StartSession
	case "pause":
		op = h.sessions.Pause
	case "resume":
		op = h.sessions.Resume
	case "finish":
		op = h.sessions.Finish
	case "resync":
		op = h.sessions.Resync
	default:
		http.NotFound(w, r)
		return
	}
	if err := op(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s, err := h.sessions.Session(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Model())
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

type errorResponse struct {
	Error     string            `json:"error"`
	Rejection *events.Rejection `json:"rejection,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusConflict

	var ve *events.ValidationError
	var re *events.RejectedError
	switch {
	case errors.Is(err, events.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrUnknownType):
		status = http.StatusBadRequest
	case errors.As(err, &ve):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &re):
		if re.Code == events.ReasonQueueFull {
			status = http.StatusServiceUnavailable
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if r, ok := events.AsRejection(err, 0); ok {
		resp.Rejection = &r
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
