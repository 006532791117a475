// Package broadcast mints session sequence numbers and hands frames to the
// transport without ever blocking the tick loop.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/mcdev12/statesync/go/internal/realtime/metrics"
	"github.com/rs/zerolog/log"
)

// Transport delivers frames for sessions. Publish targets every observer of
// the frame's session; SendTo targets a single participant.
type Transport interface {
	Publish(ctx context.Context, f events.Frame) error
	SendTo(ctx context.Context, participant string, f events.Frame) error
}

// Config controls queueing and retries.
type Config struct {
	Capacity        int
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryPause is how long the sender waits before retrying a
	// non-droppable frame whose retries were exhausted.
	RetryPause  time.Duration
	SessionType string
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        256,
		MaxTries:        5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		RetryPause:      time.Second,
	}
}

type item struct {
	frame events.Frame
	to    string
}

// Dispatcher owns one session's outbound queue.
type Dispatcher struct {
	sessionID uuid.UUID
	transport Transport
	cfg       Config
	metrics   metrics.MetricsCollector
	clock     clockwork.Clock

	seq atomic.Uint64

	mu     sync.Mutex
	queue  []item
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// New creates a dispatcher. Run must be started for frames to be sent.
func New(sessionID uuid.UUID, transport Transport, cfg Config, m metrics.MetricsCollector, clock clockwork.Clock) *Dispatcher {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = DefaultConfig().MaxTries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultConfig().InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultConfig().MaxInterval
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = DefaultConfig().RetryPause
	}
	if m == nil {
		m = metrics.NoOpMetricsCollector{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{
		sessionID: sessionID,
		transport: transport,
		cfg:       cfg,
		metrics:   m,
		clock:     clock,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// LastSeq returns the last minted sequence number.
func (d *Dispatcher) LastSeq() uint64 { return d.seq.Load() }

// Emit assigns the frame its sequence number and queues it. Deltas take the
// next seq; snapshots carry the last delta seq they fold in. Emit never blocks.
func (d *Dispatcher) Emit(f events.Frame) events.Frame {
	switch f.Type {
	case events.FrameDelta:
		f.Seq = d.seq.Add(1)
	case events.FrameSnapshot:
		f.Seq = d.seq.Load()
	}
	f.SessionID = d.sessionID.String()
	d.enqueue(item{frame: f})
	return f
}

// SendTo queues a frame for a single participant. It is never dropped.
func (d *Dispatcher) SendTo(participant string, f events.Frame) {
	f.SessionID = d.sessionID.String()
	f.Droppable = false
	d.enqueue(item{frame: f, to: participant})
}

// Len returns the number of queued frames.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) enqueue(it item) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.metrics.RecordFrame(string(it.frame.Type), metrics.FrameDropped)
		return
	}
	if len(d.queue) >= d.cfg.Capacity && it.frame.Droppable {
		tail := &d.queue[len(d.queue)-1]
		if tail.to == "" && tail.frame.Type == events.FrameDelta && tail.frame.Droppable {
			coalesce(&tail.frame, it.frame)
			d.mu.Unlock()
			d.metrics.RecordFrame(string(it.frame.Type), metrics.FrameCoalesced)
			return
		}
		d.mu.Unlock()
		d.metrics.RecordFrame(string(it.frame.Type), metrics.FrameDropped)
		log.Debug().
			Str("session_id", d.sessionID.String()).
			Uint64("seq", it.frame.Seq).
			Msg("dropped droppable frame under backpressure")
		return
	}
	// Non-droppable frames are queued past capacity; emission lags instead.
	d.queue = append(d.queue, it)
	depth := len(d.queue)
	d.mu.Unlock()

	d.metrics.RecordQueueDepth(d.cfg.SessionType, depth)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// coalesce folds next into tail so the pair is delivered as one frame
// covering tail's first seq through next's seq.
func coalesce(tail *events.Frame, next events.Frame) {
	if tail.FirstSeq == 0 {
		tail.FirstSeq = tail.Seq
	}
	changes := make(map[string]any, len(tail.Changes)+len(next.Changes))
	for p, v := range tail.Changes {
		changes[p] = v
	}
	for p, v := range next.Changes {
		changes[p] = v
	}
	tail.Changes = changes
	if len(next.Acks) > 0 {
		acks := make(map[string]uint64, len(tail.Acks)+len(next.Acks))
		for who, s := range tail.Acks {
			acks[who] = s
		}
		for who, s := range next.Acks {
			if s > acks[who] {
				acks[who] = s
			}
		}
		tail.Acks = acks
	}
	tail.Seq = next.Seq
	tail.Tick = next.Tick
	tail.Timestamp = next.Timestamp
	if tail.BaseSnapshotSeq == nil {
		tail.BaseSnapshotSeq = next.BaseSnapshotSeq
	}
}

// Run sends queued frames in order until Close is called or ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		it, ok := d.next()
		if !ok {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
			}
			continue
		}
		if !d.deliver(ctx, it) {
			return
		}
	}
}

// Close stops accepting frames and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) next() (item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return item{}, false
	}
	it := d.queue[0]
	d.queue[0] = item{}
	d.queue = d.queue[1:]
	return it, true
}

// deliver publishes one frame with exponential backoff. Droppable frames are
// abandoned once retries are exhausted; others are retried until they succeed
// or ctx ends. It returns false when ctx ended.
func (d *Dispatcher) deliver(ctx context.Context, it item) bool {
	frameType := string(it.frame.Type)
	for {
		attempt := 0
		op := func() (struct{}, error) {
			attempt++
			var err error
			if it.to != "" {
				err = d.transport.SendTo(ctx, it.to, it.frame)
			} else {
				err = d.transport.Publish(ctx, it.frame)
			}
			d.metrics.RecordPublishAttempt(frameType, attempt, err == nil)
			if err != nil {
				return struct{}{}, &events.TransportError{Op: "publish", Err: err}
			}
			return struct{}{}, nil
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = d.cfg.InitialInterval
		b.MaxInterval = d.cfg.MaxInterval
		_, err := backoff.Retry(ctx, op,
			backoff.WithBackOff(b),
			backoff.WithMaxTries(d.cfg.MaxTries),
		)
		if err == nil {
			d.metrics.RecordFrame(frameType, metrics.FrameSent)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		d.metrics.RecordFrame(frameType, metrics.FrameFailed)
		log.Error().
			Err(err).
			Str("session_id", d.sessionID.String()).
			Str("type", frameType).
			Uint64("seq", it.frame.Seq).
			Int("attempts", attempt).
			Msg("transport publish failed")
		if it.frame.Droppable || errors.Is(err, context.Canceled) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-d.clock.After(d.cfg.RetryPause):
		}
	}
}
