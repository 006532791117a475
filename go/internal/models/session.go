package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus defines the lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusCreated  SessionStatus = "CREATED"
	SessionStatusActive   SessionStatus = "ACTIVE"
	SessionStatusPaused   SessionStatus = "PAUSED"
	SessionStatusFinished SessionStatus = "FINISHED"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusFinished
}

// Session represents a running synchronization session.
type Session struct {
	ID           uuid.UUID     `json:"id"`
	Type         string        `json:"type"`
	Tick         uint64        `json:"tick"`
	Participants []string      `json:"participants"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ConnectionState is the per-participant presence state.
type ConnectionState string

const (
	ConnectionConnected   ConnectionState = "CONNECTED"
	ConnectionGrace       ConnectionState = "GRACE"
	ConnectionReconnected ConnectionState = "RECONNECTED"
	ConnectionAbandoned   ConnectionState = "ABANDONED"
)

// DisconnectPolicy selects what happens when a participant is abandoned.
type DisconnectPolicy string

const (
	// DisconnectTakeover hands the participant's entities to the server controller.
	DisconnectTakeover DisconnectPolicy = "takeover"
	// DisconnectPause pauses the whole session.
	DisconnectPause DisconnectPolicy = "pause"
)
