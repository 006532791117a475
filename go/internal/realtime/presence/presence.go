// Package presence tracks participant connections through a grace period.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Event is a connection state change for one participant.
type Event struct {
	Participant string
	State       models.ConnectionState
	At          time.Time
}

type grace struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// Tracker runs connected -> grace -> {reconnected | abandoned} per participant.
// notify is called for every transition and must not block.
type Tracker struct {
	clock  clockwork.Clock
	period time.Duration
	notify func(Event)

	mu     sync.Mutex
	states map[string]models.ConnectionState
	timers map[string]*grace
}

// NewTracker creates a tracker with the given grace period.
func NewTracker(clock clockwork.Clock, period time.Duration, notify func(Event)) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		clock:  clock,
		period: period,
		notify: notify,
		states: make(map[string]models.ConnectionState),
		timers: make(map[string]*grace),
	}
}

// Connect marks participant connected. A participant coming back from grace
// or abandonment is reported as reconnected.
func (t *Tracker) Connect(participant string) models.ConnectionState {
	t.mu.Lock()
	prev, known := t.states[participant]
	t.cancelLocked(participant)
	next := models.ConnectionConnected
	if known && (prev == models.ConnectionGrace || prev == models.ConnectionAbandoned) {
		next = models.ConnectionReconnected
	}
	if known && prev == next {
		t.mu.Unlock()
		return next
	}
	t.states[participant] = next
	t.mu.Unlock()

	t.emit(participant, next)
	return next
}

// Disconnect starts the grace period for participant.
func (t *Tracker) Disconnect(participant string) {
	t.mu.Lock()
	prev, known := t.states[participant]
	if !known || prev == models.ConnectionGrace || prev == models.ConnectionAbandoned {
		t.mu.Unlock()
		return
	}
	t.states[participant] = models.ConnectionGrace
	g := &grace{timer: t.clock.NewTimer(t.period), cancel: make(chan struct{})}
	t.timers[participant] = g
	t.mu.Unlock()

	t.emit(participant, models.ConnectionGrace)

	go func() {
		select {
		case <-g.timer.Chan():
			t.abandon(participant, g)
		case <-g.cancel:
			stopAndDrainTimer(g.timer)
		}
	}()

	log.Debug().
		Str("participant", participant).
		Dur("grace_period", t.period).
		Msg("participant disconnected, grace period started")
}

func (t *Tracker) abandon(participant string, g *grace) {
	t.mu.Lock()
	if t.timers[participant] != g {
		t.mu.Unlock()
		return
	}
	delete(t.timers, participant)
	t.states[participant] = models.ConnectionAbandoned
	t.mu.Unlock()

	log.Info().Str("participant", participant).Msg("participant abandoned after grace period")
	t.emit(participant, models.ConnectionAbandoned)
}

// Remove forgets participant entirely.
func (t *Tracker) Remove(participant string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked(participant)
	delete(t.states, participant)
}

// State returns the participant's current state.
func (t *Tracker) State(participant string) (models.ConnectionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[participant]
	return s, ok
}

// Unsettled returns participants currently in grace or abandoned, sorted.
func (t *Tracker) Unsettled() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for p, s := range t.states {
		if s == models.ConnectionGrace || s == models.ConnectionAbandoned {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Stop cancels every grace timer.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := range t.timers {
		t.cancelLocked(p)
	}
}

func (t *Tracker) cancelLocked(participant string) {
	if g, ok := t.timers[participant]; ok {
		close(g.cancel)
		delete(t.timers, participant)
	}
}

func (t *Tracker) emit(participant string, state models.ConnectionState) {
	if t.notify != nil {
		t.notify(Event{Participant: participant, State: state, At: t.clock.Now()})
	}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
