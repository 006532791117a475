package gateway

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/rs/zerolog/log"
)

// Client message types.
const (
	MessageInput    = "input"
	MessageSnapshot = "snapshot"
)

// ClientMessage is what a participant sends over its connection.
type ClientMessage struct {
	Type  string               `json:"type"`
	Input *events.InputMessage `json:"input,omitempty"`
}

type outbound struct {
	kind int
	data []byte
}

// Connection is one participant's WebSocket to a session.
type Connection struct {
	ID          string
	Participant string
	SessionID   uuid.UUID
	Codec       events.Codec
	Conn        *websocket.Conn
	Send        chan outbound
	Manager     *ConnectionManager

	ConnectedAt time.Time
}

func (c *Connection) writePump() {
	cfg := c.Manager.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(msg.kind, msg.data); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to WebSocket")
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	cfg := c.Manager.config
	defer func() {
		c.Manager.release(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			return
		}
		c.handleClientMessage(data)
		_ = c.Conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	}
}

// handleClientMessage routes one client message. Input rejections raised by
// the session are delivered on the stream; decode failures are answered here.
func (c *Connection) handleClientMessage(data []byte) {
	var msg ClientMessage
	if err := c.Codec.Unmarshal(data, &msg); err != nil {
		c.reject(events.Invalid(events.ReasonMissingField, "type", err.Error()), 0)
		return
	}

	switch msg.Type {
	case MessageInput:
		if msg.Input == nil {
			c.reject(events.Invalid(events.ReasonMissingField, "input", ""), 0)
			return
		}
		in := *msg.Input
		// The connection is the identity; clients cannot speak for others.
		in.SessionID = c.SessionID.String()
		in.ParticipantID = c.Participant
		ev, err := in.ToEvent(c.Manager.clock.Now())
		if err != nil {
			c.reject(err, in.Seq)
			return
		}
		if err := c.Manager.engine.SubmitInput(ev); err != nil {
			log.Debug().
				Err(err).
				Str("session_id", c.SessionID.String()).
				Str("participant", c.Participant).
				Uint64("seq", in.Seq).
				Msg("input rejected")
		}
	case MessageSnapshot:
		if _, err := c.Manager.engine.RequestSnapshot(c.SessionID, c.Participant); err != nil {
			log.Warn().Err(err).Str("session_id", c.SessionID.String()).Msg("snapshot request failed")
		}
	default:
		c.reject(events.Invalid(events.ReasonUnknownAction, "type", msg.Type), 0)
	}
}

func (c *Connection) reject(err error, seq uint64) {
	r, ok := events.AsRejection(err, seq)
	if !ok {
		return
	}
	f := events.RejectionFrame(c.SessionID.String(), r, c.Manager.clock.Now())
	data, err := c.Codec.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.Send <- outbound{kind: messageKind(c.Codec), data: data}:
	default:
	}
}
