package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	inputStreamName       = "SESSION_INPUTS"
	inputConsumerName     = "statesync-inputs"
	consumerMaxDeliver    = 5
	consumerAckWait       = 30 * time.Second
	consumerMaxAckPending = 1000
	inputChannelSize      = 256
)

// ErrMalformedInput marks a message that cannot be decoded into an input.
var ErrMalformedInput = errors.New("malformed input")

// InputSink accepts decoded inputs.
type InputSink interface {
	SubmitInput(in models.InputEvent) error
}

// InputSubject is where inputs for a session are published.
func InputSubject(cfg JetStreamConfig, sessionID, participant string) string {
	return fmt.Sprintf("%s.%s.%s", cfg.InputPrefix, sessionID, subjectToken(participant))
}

// InputMsgID dedupes retried publishes of the same input.
func InputMsgID(in events.InputMessage) string {
	return fmt.Sprintf("%s-%s-%d", in.SessionID, in.ParticipantID, in.Seq)
}

// InputPublisher publishes participant inputs to the input stream.
type InputPublisher struct {
	js     streamPublisher
	codec  events.Codec
	config JetStreamConfig
}

// NewInputPublisher creates an input publisher.
func NewInputPublisher(js streamPublisher, codec events.Codec, cfg JetStreamConfig) *InputPublisher {
	if codec == nil {
		codec = events.MsgPack
	}
	return &InputPublisher{js: js, codec: codec, config: cfg}
}

// Publish sends one input.
func (p *InputPublisher) Publish(ctx context.Context, in events.InputMessage) error {
	data, err := p.codec.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	msg := &nats.Msg{
		Subject: InputSubject(p.config, in.SessionID, in.ParticipantID),
		Data:    data,
		Header: nats.Header{
			HeaderSessionID: []string{in.SessionID},
			HeaderSeq:       []string{strconv.FormatUint(in.Seq, 10)},
			HeaderCodec:     []string{p.codec.ContentType()},
			nats.MsgIdHdr:   []string{InputMsgID(in)},
		},
	}
	if _, err := p.js.PublishMsg(ctx, msg, jetstream.WithExpectStream(inputStreamName)); err != nil {
		return fmt.Errorf("publish input: %w", err)
	}
	return nil
}

// InputConsumer feeds inputs from a durable JetStream consumer into a sink.
type InputConsumer struct {
	sink     InputSink
	clock    clockwork.Clock
	consumer jetstream.Consumer
}

// NewInputConsumer ensures the input stream and durable consumer exist.
func NewInputConsumer(ctx context.Context, js jetstream.JetStream, sink InputSink, clock clockwork.Clock, cfg JetStreamConfig) (*InputConsumer, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        inputStreamName,
		Description: "Participant inputs awaiting admission",
		Subjects:    []string{cfg.InputPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure input stream: %w", err)
	}

	consumer, err := stream.Consumer(ctx, inputConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
			Name:          inputConsumerName,
			Durable:       inputConsumerName,
			Description:   "Session engine input consumer",
			FilterSubject: cfg.InputPrefix + ".>",
			DeliverPolicy: jetstream.DeliverAllPolicy,
			AckPolicy:     jetstream.AckExplicitPolicy,
			MaxDeliver:    consumerMaxDeliver,
			AckWait:       consumerAckWait,
			MaxAckPending: consumerMaxAckPending,
		})
		if err != nil {
			return nil, fmt.Errorf("create consumer: %w", err)
		}
		log.Info().Msg("created JetStream input consumer")
	} else {
		log.Info().Msg("using existing JetStream input consumer")
	}

	return &InputConsumer{sink: sink, clock: clock, consumer: consumer}, nil
}

// Run consumes inputs until ctx is done.
func (c *InputConsumer) Run(ctx context.Context) error {
	msgCh := make(chan jetstream.Msg, inputChannelSize)
	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case msgCh <- msg:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start JetStream consumer: %w", err)
	}
	defer consumeCtx.Stop()

	log.Info().Msg("input consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("input consumer stopped")
			return nil
		case msg := <-msgCh:
			c.handle(msg)
		}
	}
}

// handle settles one message. Inputs the session refused were already
// answered with a rejection frame and are acked like accepted ones; the
// validator has seen their seq, so redelivery could only replay them.
func (c *InputConsumer) handle(msg jetstream.Msg) {
	err := c.process(msg)
	var (
		rejected *events.RejectedError
		invalid  *events.ValidationError
	)
	switch {
	case err == nil, errors.As(err, &rejected):
		_ = msg.Ack()
	case errors.As(err, &invalid), errors.Is(err, ErrMalformedInput), errors.Is(err, events.ErrSessionNotFound):
		log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping undeliverable input")
		_ = msg.TermWithReason(err.Error())
	default:
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process input")
		_ = msg.Nak()
	}
}

func (c *InputConsumer) process(msg jetstream.Msg) error {
	codec, err := events.CodecByName(codecName(msg.Headers().Get(HeaderCodec)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	var in events.InputMessage
	if err := codec.Unmarshal(msg.Data(), &in); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	ev, err := in.ToEvent(c.clock.Now())
	if err != nil {
		return err
	}

	log.Debug().
		Str("subject", msg.Subject()).
		Str("session_id", in.SessionID).
		Str("participant", in.ParticipantID).
		Uint64("seq", in.Seq).
		Msg("processing input")

	if err := c.sink.SubmitInput(ev); err != nil {
		var ve *events.ValidationError
		if errors.As(err, &ve) {
			return &events.RejectedError{Code: ve.Code, Detail: ve.Detail, Err: err}
		}
		return err
	}
	return nil
}

func codecName(contentType string) string {
	switch contentType {
	case events.MsgPack.ContentType():
		return events.MsgPack.Name()
	case events.JSON.ContentType(), "":
		return events.JSON.Name()
	}
	return contentType
}
