// Package validator gates inputs before they reach a session's tick actor.
package validator

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"golang.org/x/time/rate"
)

// Validator checks structure, bounds, clock skew, rate and replay. It keeps
// only per-participant counters and is safe for concurrent use.
type Validator struct {
	typ   models.SessionType
	clock clockwork.Clock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeq  map[string]uint64
	prevSeq  map[string]uint64
}

// New creates a validator for sessions of type typ.
func New(typ models.SessionType, clock clockwork.Clock) *Validator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Validator{
		typ:      typ.WithDefaults(),
		clock:    clock,
		limiters: make(map[string]*rate.Limiter),
		lastSeq:  make(map[string]uint64),
		prevSeq:  make(map[string]uint64),
	}
}

// Validate returns nil when the input is accepted, or a *events.ValidationError.
func (v *Validator) Validate(in models.InputEvent) error {
	if in.ParticipantID == "" {
		return events.Invalid(events.ReasonMissingField, "participant_id", "")
	}
	if in.Seq == 0 {
		return events.Invalid(events.ReasonMissingField, "seq", "")
	}
	if in.Action == nil {
		return events.Invalid(events.ReasonMissingField, "action", "")
	}
	if err := v.checkAction(in.Action); err != nil {
		return err
	}

	now := v.clock.Now()
	if !in.ClaimedAt.IsZero() && in.ClaimedAt.Sub(now) > v.typ.SkewTolerance {
		return events.Invalid(events.ReasonTimestampSkew, "claimed_at", in.ClaimedAt.Sub(now).String())
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if last, ok := v.lastSeq[in.ParticipantID]; ok && in.Seq <= last {
		return events.Invalid(events.ReasonSequenceReplayed, "seq", "")
	}
	if !v.limiter(in.ParticipantID).AllowN(now, 1) {
		return events.Invalid(events.ReasonRateLimited, "participant_id", "")
	}
	v.prevSeq[in.ParticipantID] = v.lastSeq[in.ParticipantID]
	v.lastSeq[in.ParticipantID] = in.Seq
	return nil
}

// Release hands back the seq of an accepted input that could not be queued,
// so the participant may resend it under the same seq. It does nothing once
// a later seq of that participant was accepted.
func (v *Validator) Release(in models.InputEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if last, ok := v.lastSeq[in.ParticipantID]; !ok || last != in.Seq {
		return
	}
	if prev := v.prevSeq[in.ParticipantID]; prev > 0 {
		v.lastSeq[in.ParticipantID] = prev
	} else {
		delete(v.lastSeq, in.ParticipantID)
	}
	delete(v.prevSeq, in.ParticipantID)
}

// Forget drops the counters of a participant that left.
func (v *Validator) Forget(participant string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.limiters, participant)
	delete(v.lastSeq, participant)
	delete(v.prevSeq, participant)
}

func (v *Validator) limiter(participant string) *rate.Limiter {
	l, ok := v.limiters[participant]
	if !ok {
		rl := v.typ.RateLimit
		every := rl.Window / time.Duration(rl.Threshold)
		l = rate.NewLimiter(rate.Every(every), rl.Threshold)
		v.limiters[participant] = l
	}
	return l
}

// MaxMovePerTick is the longest distance a single move may cover.
func (v *Validator) MaxMovePerTick() float64 {
	return v.typ.MaxSpeed * v.typ.TickDuration().Seconds()
}

func (v *Validator) checkAction(a models.Action) error {
	if a.Target() == "" {
		return events.Invalid(events.ReasonMissingField, "action.entity", "")
	}
	switch t := a.(type) {
	case models.Spawn:
		if len(t.Attrs) == 0 {
			return events.Invalid(events.ReasonMissingField, "action.attrs", "")
		}
		for attr, val := range t.Attrs {
			if err := v.checkValue(attr, val, "action.attrs."+attr); err != nil {
				return err
			}
		}
	case models.Move:
		if !finite(t.DX) || !finite(t.DY) {
			return events.Invalid(events.ReasonValueOutOfRange, "action.dx", "not finite")
		}
		if v.typ.MaxSpeed > 0 && math.Hypot(t.DX, t.DY) > v.MaxMovePerTick() {
			return events.Invalid(events.ReasonMovementBoundsExceeded, "action", "")
		}
	case models.Set:
		if t.Attr == "" {
			return events.Invalid(events.ReasonMissingField, "action.attr", "")
		}
		if t.Value == nil {
			return events.Invalid(events.ReasonMissingField, "action.value", "")
		}
		return v.checkValue(t.Attr, t.Value, "action.value")
	case models.Adjust:
		if t.Attr == "" {
			return events.Invalid(events.ReasonMissingField, "action.attr", "")
		}
		if t.Op != models.OpIncrement && t.Op != models.OpDecrement {
			return events.Invalid(events.ReasonMissingField, "action.op", string(t.Op))
		}
		if !finite(t.Magnitude) {
			return events.Invalid(events.ReasonValueOutOfRange, "action.magnitude", "not finite")
		}
		if t.Magnitude < 0 {
			return events.Invalid(events.ReasonNegativeMagnitude, "action.magnitude", "")
		}
		if r := v.typ.RuleFor(t.Attr); r.MaxDelta != nil && t.Magnitude > *r.MaxDelta {
			return events.Invalid(events.ReasonValueOutOfRange, "action.magnitude", "")
		}
	case models.Bid:
		if !finite(t.Amount) || t.Amount <= 0 {
			return events.Invalid(events.ReasonValueOutOfRange, "action.amount", "")
		}
		return v.checkValue(models.AttrBid, t.Amount, "action.amount")
	case models.Transition:
		if t.Attr == "" {
			return events.Invalid(events.ReasonMissingField, "action.attr", "")
		}
		if t.To == "" {
			return events.Invalid(events.ReasonMissingField, "action.to", "")
		}
	default:
		return events.Invalid(events.ReasonUnknownAction, "action.kind", string(a.Kind()))
	}
	return nil
}

func (v *Validator) checkValue(attr string, val any, field string) error {
	if val == nil {
		return events.Invalid(events.ReasonMissingField, field, "")
	}
	n, ok := models.Number(val)
	if !ok {
		return nil
	}
	if !finite(n) {
		return events.Invalid(events.ReasonValueOutOfRange, field, "not finite")
	}
	r := v.typ.RuleFor(attr)
	if (r.Min != nil && n < *r.Min) || (r.Max != nil && n > *r.Max) {
		return events.Invalid(events.ReasonValueOutOfRange, field, "")
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
