package reconcile

import (
	"strings"
	"time"

	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
)

// Client combines the three consumer obligations for one participant.
// It is not safe for concurrent use.
type Client struct {
	participant string

	consumer     *Consumer
	predictor    *Predictor
	interpolator *Interpolator

	owned      map[string]bool
	rejections []events.Rejection
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithStep replaces the local simulation.
func WithStep(step StepFunc) ClientOption {
	return func(c *Client) { c.predictor = NewPredictor(c.participant, step) }
}

// WithInterpolationDelay sets the render delay for remote entities.
func WithInterpolationDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.interpolator = NewInterpolator(d) }
}

// NewClient creates a client for participant. request is called when a
// snapshot is needed.
func NewClient(sessionID, participant string, request func(), opts ...ClientOption) *Client {
	c := &Client{
		participant:  participant,
		consumer:     NewConsumer(sessionID, request),
		predictor:    NewPredictor(participant, nil),
		interpolator: NewInterpolator(0),
		owned:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit predicts a local input. The caller sends it to the server.
func (c *Client) Submit(seq uint64, a models.Action) {
	if s, ok := a.(models.Spawn); ok {
		c.owned[s.Entity] = true
	}
	c.predictor.Predict(seq, a)
}

// Handle consumes one frame from the server.
func (c *Client) Handle(f events.Frame) error {
	if f.Type == events.FrameRejection {
		if f.Rejection != nil {
			c.rejections = append(c.rejections, *f.Rejection)
		}
		return nil
	}
	if err := c.consumer.Apply(f); err != nil {
		return err
	}
	if !c.consumer.Ready() {
		return nil
	}
	if f.Type == events.FrameSnapshot {
		for _, id := range c.consumer.Owned(c.participant) {
			c.owned[id] = true
		}
	}
	c.observe(f)
	c.predictor.Reconcile(c.consumer.State(), c.consumer.Acked(c.participant))
	return nil
}

// observe feeds remote positions to the interpolator.
func (c *Client) observe(f events.Frame) {
	changes := f.NormalizedChanges()
	if f.Type == events.FrameSnapshot {
		changes = f.Snapshot().Flatten()
	}
	for path, v := range changes {
		if !strings.HasSuffix(path, "."+models.AttrPosition) {
			continue
		}
		entity, _, err := models.SplitPath(path)
		if err != nil || c.owned[entity] {
			continue
		}
		if pos, ok := v.(models.Vec2); ok {
			c.interpolator.Push(entity, f.Timestamp, pos)
		}
	}
}

// Predicted returns the value at path with local inputs applied.
func (c *Client) Predicted(path string) (any, bool) { return c.predictor.Get(path) }

// Authoritative returns the last authoritative value at path.
func (c *Client) Authoritative(path string) (any, bool) { return c.consumer.Get(path) }

// Render returns where to draw a remote entity at wall time now.
func (c *Client) Render(entity string, now time.Time) (models.Vec2, bool) {
	return c.interpolator.At(entity, now)
}

// Pending returns the seqs awaiting acknowledgement.
func (c *Client) Pending() []uint64 { return c.predictor.Pending() }

// Seq returns the last applied seq.
func (c *Client) Seq() uint64 { return c.consumer.Seq() }

// Rejections returns the rejections received so far.
func (c *Client) Rejections() []events.Rejection { return c.rejections }
