// Package gateway serves session streams over WebSocket and exposes the
// session HTTP API.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/rs/zerolog/log"
)

// Engine is what a connection needs from the session engine.
type Engine interface {
	Connect(id uuid.UUID, participant string) (models.ConnectionState, error)
	Disconnect(id uuid.UUID, participant string) error
	SubmitInput(in models.InputEvent) error
	RequestSnapshot(id uuid.UUID, participant string) (models.Snapshot, error)
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  32 * 1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// ConnectionManager tracks WebSocket connections per session. It is the
// broadcast transport for browser observers.
type ConnectionManager struct {
	engine Engine
	clock  clockwork.Clock
	config ConnectionConfig

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[uuid.UUID]map[*Connection]bool
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(engine Engine, clock clockwork.Clock, config ConnectionConfig) *ConnectionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultConnectionConfig().SendBuffer
	}
	return &ConnectionManager{
		engine: engine,
		clock:  clock,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		connections: make(map[uuid.UUID]map[*Connection]bool),
	}
}

// SetEngine wires the engine after construction; the engine itself needs
// the manager as its transport.
func (cm *ConnectionManager) SetEngine(engine Engine) { cm.engine = engine }

// UpgradeConnection upgrades an HTTP connection and attaches it to a session.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, participant string, sessionID uuid.UUID, codec events.Codec) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		Participant: participant,
		SessionID:   sessionID,
		Codec:       codec,
		Conn:        conn,
		Send:        make(chan outbound, cm.config.SendBuffer),
		Manager:     cm,
		ConnectedAt: cm.clock.Now(),
	}
	cm.register(c)

	if _, err := cm.engine.Connect(sessionID, participant); err != nil {
		cm.unregister(c)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return fmt.Errorf("connect participant: %w", err)
	}

	go c.writePump()
	go c.readPump()

	// New observers need a baseline before deltas mean anything.
	if _, err := cm.engine.RequestSnapshot(sessionID, participant); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to queue baseline snapshot")
	}

	log.Info().
		Str("connection_id", c.ID).
		Str("participant", participant).
		Str("session_id", sessionID.String()).
		Str("codec", codec.Name()).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) register(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.connections[c.SessionID] == nil {
		cm.connections[c.SessionID] = make(map[*Connection]bool)
	}
	cm.connections[c.SessionID][c] = true
}

// unregister removes a connection and reports a disconnect once the
// participant has no connection left in the session.
func (cm *ConnectionManager) unregister(c *Connection) bool {
	cm.mu.Lock()
	conns, ok := cm.connections[c.SessionID]
	if !ok || !conns[c] {
		cm.mu.Unlock()
		return false
	}
	delete(conns, c)
	close(c.Send)
	remaining := false
	for other := range conns {
		if other.Participant == c.Participant {
			remaining = true
			break
		}
	}
	if len(conns) == 0 {
		delete(cm.connections, c.SessionID)
	}
	cm.mu.Unlock()

	log.Info().
		Str("connection_id", c.ID).
		Str("participant", c.Participant).
		Str("session_id", c.SessionID.String()).
		Msg("connection unregistered")
	return !remaining
}

func (cm *ConnectionManager) release(c *Connection) {
	if cm.unregister(c) {
		if err := cm.engine.Disconnect(c.SessionID, c.Participant); err != nil {
			log.Debug().Err(err).Str("session_id", c.SessionID.String()).Msg("disconnect after close")
		}
	}
}

// Publish sends a frame to every connection of its session.
func (cm *ConnectionManager) Publish(_ context.Context, f events.Frame) error {
	return cm.deliver(f, "")
}

// SendTo sends a frame to the connections of one participant.
func (cm *ConnectionManager) SendTo(_ context.Context, participant string, f events.Frame) error {
	return cm.deliver(f, participant)
}

func (cm *ConnectionManager) deliver(f events.Frame, participant string) error {
	sessionID, err := uuid.Parse(f.SessionID)
	if err != nil {
		return fmt.Errorf("frame session id: %w", err)
	}

	// Sends happen under the read lock so unregister cannot close a
	// channel mid-send.
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	encoded := make(map[string]outbound, 2)
	for c := range cm.connections[sessionID] {
		if participant != "" && c.Participant != participant {
			continue
		}
		msg, ok := encoded[c.Codec.Name()]
		if !ok {
			data, err := c.Codec.Marshal(f)
			if err != nil {
				return fmt.Errorf("encode %s frame: %w", f.Type, err)
			}
			msg = outbound{kind: messageKind(c.Codec), data: data}
			encoded[c.Codec.Name()] = msg
		}
		select {
		case c.Send <- msg:
		default:
			// Slow consumer; it resyncs from a snapshot when it reconnects.
			log.Warn().
				Str("connection_id", c.ID).
				Str("participant", c.Participant).
				Msg("connection send buffer full, closing connection")
			c.Conn.Close()
		}
	}
	return nil
}

// Stats returns connection counts per session.
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	st := ConnectionStats{Sessions: make(map[string]int, len(cm.connections))}
	for id, conns := range cm.connections {
		st.Total += len(conns)
		st.Sessions[id.String()] = len(conns)
	}
	return st
}

// ConnectionStats summarises active connections.
type ConnectionStats struct {
	Total    int            `json:"total_connections"`
	Sessions map[string]int `json:"session_connections"`
}

func messageKind(c events.Codec) int {
	if c.Name() == events.MsgPack.Name() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
