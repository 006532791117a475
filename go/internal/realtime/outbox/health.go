package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/nats-io/nats.go"
)

type HealthStatus struct {
	Healthy           bool
	Running           bool
	ActiveSessions    int
	TotalSessions     int
	DatabaseConnected bool
	NATSConnected     bool
	Errors            []string
}

type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// EngineStatus is the part of the engine a health check reads.
type EngineStatus interface {
	Running() bool
	Sessions() []models.Session
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type connStatus interface {
	IsConnected() bool
}

type RealtimeHealthChecker struct {
	engine   EngineStatus
	db       Pinger
	natsConn connStatus
}

// NewRealtimeHealthChecker builds a checker. db and natsConn are optional.
func NewRealtimeHealthChecker(engine EngineStatus, db Pinger, natsConn *nats.Conn) *RealtimeHealthChecker {
	h := &RealtimeHealthChecker{engine: engine, db: db}
	if natsConn != nil {
		h.natsConn = natsConn
	}
	return h
}

func (h *RealtimeHealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	status.Running = h.engine.Running()
	if !status.Running {
		status.Healthy = false
		status.Errors = append(status.Errors, "engine not running")
	}
	for _, s := range h.engine.Sessions() {
		status.TotalSessions++
		if !s.Status.Terminal() {
			status.ActiveSessions++
		}
	}

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
		} else {
			status.DatabaseConnected = true
		}
	}

	if h.natsConn != nil {
		status.NATSConnected = h.natsConn.IsConnected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	return status
}

// HTTP handler helper
func (h *RealtimeHealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	response := map[string]interface{}{
		"healthy":            status.Healthy,
		"running":            status.Running,
		"active_sessions":    status.ActiveSessions,
		"total_sessions":     status.TotalSessions,
		"database_connected": status.DatabaseConnected,
		"nats_connected":     status.NATSConnected,
		"errors":             status.Errors,
	}

	w.Header().Set("Content-Type", "application/json")

	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(response)
}
