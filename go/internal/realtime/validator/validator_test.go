package validator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func newValidator(clock clockwork.Clock) *Validator {
	typ := models.SessionType{
		Name:          "arena",
		TickRate:      20,
		MaxSpeed:      200,
		SkewTolerance: 100 * time.Millisecond,
		RateLimit:     models.RateLimit{Threshold: 3, Window: time.Second},
		Paths: []models.PathRule{
			{Attr: "hp", Strategy: models.StrategyAccumulative, MaxDelta: ptr(50)},
			{Attr: "speed", Strategy: models.StrategyLWW, Min: ptr(0), Max: ptr(10)},
		},
	}
	return New(typ, clock)
}

func input(seq uint64, a models.Action) models.InputEvent {
	return models.InputEvent{SessionID: uuid.New(), ParticipantID: "alice", Seq: seq, Action: a}
}

func code(t *testing.T, err error) events.ReasonCode {
	t.Helper()
	var ve *events.ValidationError
	require.True(t, errors.As(err, &ve), "expected a validation error, got %v", err)
	return ve.Code
}

func TestValidate_MovementBoundsExceeded(t *testing.T) {
	v := newValidator(clockwork.NewFakeClock())
	assert.InDelta(t, 10.0, v.MaxMovePerTick(), 1e-9)

	err := v.Validate(input(1, models.Move{Entity: "p1", DX: 50}))
	assert.Equal(t, events.ReasonMovementBoundsExceeded, code(t, err))

	assert.NoError(t, v.Validate(input(2, models.Move{Entity: "p1", DX: 6, DY: 8})))
}

func TestValidate_StructuralCompleteness(t *testing.T) {
	v := newValidator(clockwork.NewFakeClock())

	cases := []struct {
		name  string
		in    models.InputEvent
		field string
	}{
		{"no participant", models.InputEvent{Seq: 1, Action: models.Move{Entity: "p"}}, "participant_id"},
		{"no seq", models.InputEvent{ParticipantID: "a", Action: models.Move{Entity: "p"}}, "seq"},
		{"no action", models.InputEvent{ParticipantID: "a", Seq: 1}, "action"},
		{"no entity", input(1, models.Move{}), "action.entity"},
		{"set without value", input(1, models.Set{Entity: "p", Attr: "name"}), "action.value"},
		{"adjust without op", input(1, models.Adjust{Entity: "p", Attr: "hp", Magnitude: 1}), "action.op"},
		{"transition without to", input(1, models.Transition{Entity: "o", Attr: "status"}), "action.to"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.in)
			var ve *events.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, events.ReasonMissingField, ve.Code)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestValidate_NumericBounds(t *testing.T) {
	v := newValidator(clockwork.NewFakeClock())

	err := v.Validate(input(1, models.Set{Entity: "p", Attr: "speed", Value: 11.0}))
	assert.Equal(t, events.ReasonValueOutOfRange, code(t, err))

	err = v.Validate(input(1, models.Adjust{Entity: "p", Attr: "hp", Op: models.OpIncrement, Magnitude: -1}))
	assert.Equal(t, events.ReasonNegativeMagnitude, code(t, err))

	err = v.Validate(input(1, models.Adjust{Entity: "p", Attr: "hp", Op: models.OpIncrement, Magnitude: 51}))
	assert.Equal(t, events.ReasonValueOutOfRange, code(t, err))

	err = v.Validate(input(1, models.Bid{Entity: "lot", Amount: 0}))
	assert.Equal(t, events.ReasonValueOutOfRange, code(t, err))

	assert.NoError(t, v.Validate(input(1, models.Set{Entity: "p", Attr: "speed", Value: 10.0})))
}

func TestValidate_TimestampSkew(t *testing.T) {
	clock := clockwork.NewFakeClock()
	v := newValidator(clock)

	in := input(1, models.Move{Entity: "p", DX: 1})
	in.ClaimedAt = clock.Now().Add(time.Second)
	assert.Equal(t, events.ReasonTimestampSkew, code(t, v.Validate(in)))

	in.ClaimedAt = clock.Now().Add(50 * time.Millisecond)
	assert.NoError(t, v.Validate(in))

	in.Seq = 2
	in.ClaimedAt = clock.Now().Add(-time.Hour)
	assert.NoError(t, v.Validate(in), "past claims are the scheduler's concern")
}

func TestValidate_RateLimited(t *testing.T) {
	clock := clockwork.NewFakeClock()
	v := newValidator(clock)

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, v.Validate(input(seq, models.Move{Entity: "p", DX: 1})))
	}
	assert.Equal(t, events.ReasonRateLimited, code(t, v.Validate(input(4, models.Move{Entity: "p", DX: 1}))))

	other := input(1, models.Move{Entity: "q", DX: 1})
	other.ParticipantID = "bob"
	assert.NoError(t, v.Validate(other), "limits are per participant")

	clock.Advance(time.Second)
	assert.NoError(t, v.Validate(input(4, models.Move{Entity: "p", DX: 1})))
}

func TestValidate_SequenceReplayed(t *testing.T) {
	v := newValidator(clockwork.NewFakeClock())

	require.NoError(t, v.Validate(input(5, models.Move{Entity: "p", DX: 1})))
	assert.Equal(t, events.ReasonSequenceReplayed, code(t, v.Validate(input(5, models.Move{Entity: "p", DX: 1}))))
	assert.Equal(t, events.ReasonSequenceReplayed, code(t, v.Validate(input(4, models.Move{Entity: "p", DX: 1}))))

	v.Forget("alice")
	assert.NoError(t, v.Validate(input(1, models.Move{Entity: "p", DX: 1})))
}

func TestValidate_ReleaseAllowsResend(t *testing.T) {
	v := newValidator(clockwork.NewFakeClock())
	move := models.Move{Entity: "p", DX: 1}

	require.NoError(t, v.Validate(input(1, move)))
	require.NoError(t, v.Validate(input(2, move)))
	v.Release(input(2, move))
	assert.NoError(t, v.Validate(input(2, move)), "a released seq may be reused")
	assert.Equal(t, events.ReasonSequenceReplayed, code(t, v.Validate(input(1, move))))

	v.Release(input(1, move))
	assert.Equal(t, events.ReasonSequenceReplayed, code(t, v.Validate(input(2, move))), "stale releases are ignored")
}

func TestValidate_RejectedInputDoesNotAdvanceSeq(t *testing.T) {
	v := newValidator(clockwork.NewFakeClock())

	require.Error(t, v.Validate(input(1, models.Move{Entity: "p", DX: 500})))
	assert.NoError(t, v.Validate(input(1, models.Move{Entity: "p", DX: 1})))
}

func TestValidate_ConcurrentParticipants(t *testing.T) {
	v := newValidator(clockwork.NewFakeClock())

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for seq := uint64(1); seq <= 3; seq++ {
				in := input(seq, models.Move{Entity: "p", DX: 1})
				in.ParticipantID = string(rune('a' + id))
				errs <- v.Validate(in)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
