package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/statesync/go/internal/models"
)

// ActionPayload is the flat wire form of every action kind.
type ActionPayload struct {
	Kind        models.ActionKind `json:"kind"`
	Entity      string            `json:"entity,omitempty"`
	Attr        string            `json:"attr,omitempty"`
	Value       any               `json:"value,omitempty"`
	Attrs       map[string]any    `json:"attrs,omitempty"`
	DX          float64           `json:"dx,omitempty"`
	DY          float64           `json:"dy,omitempty"`
	Op          models.AdjustOp   `json:"op,omitempty"`
	Magnitude   float64           `json:"magnitude,omitempty"`
	Amount      float64           `json:"amount,omitempty"`
	To          string            `json:"to,omitempty"`
	BaseVersion *uint64           `json:"base_version,omitempty"`
}

// InputMessage is an input as submitted by a participant over any transport.
type InputMessage struct {
	SessionID     string        `json:"session_id"`
	ParticipantID string        `json:"participant_id"`
	Seq           uint64        `json:"seq"`
	TargetTick    *uint64       `json:"target_tick,omitempty"`
	ClaimedAt     time.Time     `json:"claimed_at"`
	Action        ActionPayload `json:"action"`
}

// EncodeAction flattens a typed action for the wire.
func EncodeAction(a models.Action) ActionPayload {
	switch t := a.(type) {
	case models.Spawn:
		return ActionPayload{Kind: t.Kind(), Entity: t.Entity, Attrs: t.Attrs}
	case models.Move:
		return ActionPayload{Kind: t.Kind(), Entity: t.Entity, DX: t.DX, DY: t.DY}
	case models.Set:
		return ActionPayload{Kind: t.Kind(), Entity: t.Entity, Attr: t.Attr, Value: t.Value, BaseVersion: t.BaseVersion}
	case models.Adjust:
		return ActionPayload{Kind: t.Kind(), Entity: t.Entity, Attr: t.Attr, Op: t.Op, Magnitude: t.Magnitude}
	case models.Bid:
		return ActionPayload{Kind: t.Kind(), Entity: t.Entity, Amount: t.Amount}
	case models.Transition:
		return ActionPayload{Kind: t.Kind(), Entity: t.Entity, Attr: t.Attr, To: t.To}
	}
	return ActionPayload{}
}

// Decode builds the typed action. Missing fields are left for the validator;
// only unknown kinds and unrepresentable values fail here.
func (p ActionPayload) Decode() (models.Action, error) {
	switch p.Kind {
	case models.ActionSpawn:
		attrs := make(map[string]any, len(p.Attrs))
		for k, v := range p.Attrs {
			n, err := models.NormalizeValue(v)
			if err != nil {
				return nil, Invalid(ReasonValueOutOfRange, "action.attrs."+k, err.Error())
			}
			attrs[k] = n
		}
		return models.Spawn{Entity: p.Entity, Attrs: attrs}, nil
	case models.ActionMove:
		return models.Move{Entity: p.Entity, DX: p.DX, DY: p.DY}, nil
	case models.ActionSet:
		var v any
		if p.Value != nil {
			n, err := models.NormalizeValue(p.Value)
			if err != nil {
				return nil, Invalid(ReasonValueOutOfRange, "action.value", err.Error())
			}
			v = n
		}
		return models.Set{Entity: p.Entity, Attr: p.Attr, Value: v, BaseVersion: p.BaseVersion}, nil
	case models.ActionAdjust:
		return models.Adjust{Entity: p.Entity, Attr: p.Attr, Op: p.Op, Magnitude: p.Magnitude}, nil
	case models.ActionBid:
		return models.Bid{Entity: p.Entity, Amount: p.Amount}, nil
	case models.ActionTransition:
		return models.Transition{Entity: p.Entity, Attr: p.Attr, To: p.To}, nil
	case "":
		return nil, Invalid(ReasonMissingField, "action.kind", "")
	default:
		return nil, Invalid(ReasonUnknownAction, "action.kind", string(p.Kind))
	}
}

// ToEvent converts the message into an input event stamped with receivedAt.
func (m InputMessage) ToEvent(receivedAt time.Time) (models.InputEvent, error) {
	sessionID, err := uuid.Parse(m.SessionID)
	if err != nil {
		return models.InputEvent{}, Invalid(ReasonMissingField, "session_id", err.Error())
	}
	action, err := m.Action.Decode()
	if err != nil {
		return models.InputEvent{}, err
	}
	return models.InputEvent{
		SessionID:     sessionID,
		ParticipantID: m.ParticipantID,
		Seq:           m.Seq,
		TargetTick:    m.TargetTick,
		Action:        action,
		ClaimedAt:     m.ClaimedAt,
		ReceivedAt:    receivedAt,
	}, nil
}

// NewInputMessage builds the wire form of an input event.
func NewInputMessage(in models.InputEvent) InputMessage {
	return InputMessage{
		SessionID:     in.SessionID.String(),
		ParticipantID: in.ParticipantID,
		Seq:           in.Seq,
		TargetTick:    in.TargetTick,
		ClaimedAt:     in.ClaimedAt,
		Action:        EncodeAction(in.Action),
	}
}
