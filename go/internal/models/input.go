package models

import (
	"time"

	"github.com/google/uuid"
)

// ActionKind tags the closed set of actions a participant may submit.
type ActionKind string

const (
	ActionSpawn      ActionKind = "spawn"
	ActionMove       ActionKind = "move"
	ActionSet        ActionKind = "set"
	ActionAdjust     ActionKind = "adjust"
	ActionBid        ActionKind = "bid"
	ActionTransition ActionKind = "transition"
)

// Traits describes how an action kind is treated by the compiler and dispatcher.
type Traits struct {
	// FlushImmediately skips the micro-batch window.
	FlushImmediately bool
	// Droppable deltas may be coalesced or dropped under backpressure.
	Droppable bool
	// RequiresAck reports stale or lost writes back to the submitter.
	RequiresAck bool
}

// Action is a tagged variant. The unexported method closes the set.
type Action interface {
	Kind() ActionKind
	Target() string
	isAction()
}

// Spawn creates an entity owned by the submitter.
type Spawn struct {
	Entity string         `json:"entity"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

// Move translates the entity's position by DX, DY.
type Move struct {
	Entity string  `json:"entity"`
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
}

// Set writes a value. BaseVersion, when present, is the version the
// writer last observed; older bases are rejected as stale.
type Set struct {
	Entity      string  `json:"entity"`
	Attr        string  `json:"attr"`
	Value       any     `json:"value"`
	BaseVersion *uint64 `json:"base_version,omitempty"`
}

// AdjustOp is the operation of an accumulative write.
type AdjustOp string

const (
	OpIncrement AdjustOp = "increment"
	OpDecrement AdjustOp = "decrement"
)

// Adjust increments or decrements a numeric path.
type Adjust struct {
	Entity    string   `json:"entity"`
	Attr      string   `json:"attr"`
	Op        AdjustOp `json:"op"`
	Magnitude float64  `json:"magnitude"`
}

// Bid offers Amount on a lot entity; the highest bid wins.
type Bid struct {
	Entity string  `json:"entity"`
	Amount float64 `json:"amount"`
}

// Transition moves a status path to a new state.
type Transition struct {
	Entity string `json:"entity"`
	Attr   string `json:"attr"`
	To     string `json:"to"`
}

func (Spawn) Kind() ActionKind      { return ActionSpawn }
func (Move) Kind() ActionKind       { return ActionMove }
func (Set) Kind() ActionKind        { return ActionSet }
func (Adjust) Kind() ActionKind     { return ActionAdjust }
func (Bid) Kind() ActionKind        { return ActionBid }
func (Transition) Kind() ActionKind { return ActionTransition }

func (a Spawn) Target() string      { return a.Entity }
func (a Move) Target() string       { return a.Entity }
func (a Set) Target() string        { return a.Entity }
func (a Adjust) Target() string     { return a.Entity }
func (a Bid) Target() string        { return a.Entity }
func (a Transition) Target() string { return a.Entity }

func (Spawn) isAction()      {}
func (Move) isAction()       {}
func (Set) isAction()        {}
func (Adjust) isAction()     {}
func (Bid) isAction()        {}
func (Transition) isAction() {}

// Well-known attribute names written by built-in actions.
const (
	AttrPosition   = "pos"
	AttrBid        = "bid"
	AttrBidder     = "bidder"
	AttrController = "controller"
)

// TraitsOf returns the static traits of an action.
func TraitsOf(a Action) Traits {
	switch t := a.(type) {
	case Move:
		return Traits{Droppable: true}
	case Transition:
		return Traits{FlushImmediately: true, RequiresAck: true}
	case Bid:
		return Traits{FlushImmediately: true, RequiresAck: true}
	case Set:
		return Traits{RequiresAck: t.BaseVersion != nil}
	default:
		return Traits{}
	}
}

// InputEvent is an accepted, immutable participant input.
type InputEvent struct {
	SessionID     uuid.UUID `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	Seq           uint64    `json:"seq"`
	TargetTick    *uint64   `json:"target_tick,omitempty"`
	Action        Action    `json:"-"`
	ClaimedAt     time.Time `json:"claimed_at"`
	ReceivedAt    time.Time `json:"received_at"`
}
