package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/mcdev12/statesync/go/internal/realtime/events"
)

// Fanout publishes every frame to all transports. A failure on any of them
// fails the call; transports that succeeded see the frame again on retry,
// which consumers drop as a duplicate seq.
func Fanout(ts ...Transport) Transport {
	return fanout(ts)
}

type fanout []Transport

func (f fanout) Publish(ctx context.Context, fr events.Frame) error {
	var errs []error
	for _, t := range f {
		if err := t.Publish(ctx, fr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) SendTo(ctx context.Context, participant string, fr events.Frame) error {
	var errs []error
	for _, t := range f {
		if err := t.SendTo(ctx, participant, fr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is an in-memory transport that keeps every frame it is given.
type Recorder struct {
	mu     sync.Mutex
	frames []events.Frame
	direct map[string][]events.Frame
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{direct: make(map[string][]events.Frame), notify: make(chan struct{}, 1)}
}

func (r *Recorder) Publish(_ context.Context, f events.Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *Recorder) SendTo(_ context.Context, participant string, f events.Frame) error {
	r.mu.Lock()
	r.direct[participant] = append(r.direct[participant], f)
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *Recorder) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Notify is signalled after every recorded frame.
func (r *Recorder) Notify() <-chan struct{} { return r.notify }

// Frames returns a copy of the published frames.
func (r *Recorder) Frames() []events.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Frame(nil), r.frames...)
}

// Direct returns a copy of the frames sent to participant.
func (r *Recorder) Direct(participant string) []events.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Frame(nil), r.direct[participant]...)
}
