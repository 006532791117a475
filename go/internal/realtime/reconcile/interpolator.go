package reconcile

import (
	"sync"
	"time"

	"github.com/mcdev12/statesync/go/internal/models"
)

// DefaultInterpolationDelay is how far behind the latest state remote
// entities are rendered.
const DefaultInterpolationDelay = 100 * time.Millisecond

const maxSamples = 32

type sample struct {
	at  time.Time
	pos models.Vec2
}

// Interpolator buffers authoritative positions of remote entities and
// renders them at a fixed delay.
type Interpolator struct {
	delay time.Duration

	mu      sync.Mutex
	samples map[string][]sample
}

// NewInterpolator creates an interpolator. A non-positive delay uses
// DefaultInterpolationDelay.
func NewInterpolator(delay time.Duration) *Interpolator {
	if delay <= 0 {
		delay = DefaultInterpolationDelay
	}
	return &Interpolator{delay: delay, samples: make(map[string][]sample)}
}

// Delay returns the render delay.
func (i *Interpolator) Delay() time.Duration { return i.delay }

// Push records the position of entity at time at. Out of order samples are
// ignored.
func (i *Interpolator) Push(entity string, at time.Time, pos models.Vec2) {
	i.mu.Lock()
	defer i.mu.Unlock()
	buf := i.samples[entity]
	if n := len(buf); n > 0 && !at.After(buf[n-1].at) {
		return
	}
	buf = append(buf, sample{at: at, pos: pos})
	if len(buf) > maxSamples {
		buf = buf[len(buf)-maxSamples:]
	}
	i.samples[entity] = buf
}

// At returns the rendered position of entity at wall time now.
func (i *Interpolator) At(entity string, now time.Time) (models.Vec2, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	buf := i.samples[entity]
	if len(buf) == 0 {
		return models.Vec2{}, false
	}
	render := now.Add(-i.delay)
	if !render.After(buf[0].at) {
		return buf[0].pos, true
	}
	for k := 1; k < len(buf); k++ {
		a, b := buf[k-1], buf[k]
		if render.After(b.at) {
			continue
		}
		// Samples before a are no longer needed.
		i.samples[entity] = buf[k-1:]
		frac := float64(render.Sub(a.at)) / float64(b.at.Sub(a.at))
		return models.Vec2{
			X: a.pos.X + (b.pos.X-a.pos.X)*frac,
			Y: a.pos.Y + (b.pos.Y-a.pos.Y)*frac,
		}, true
	}
	return buf[len(buf)-1].pos, true
}

// Forget drops the samples of entity.
func (i *Interpolator) Forget(entity string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.samples, entity)
}
