// Package outbox carries session frames and inputs over NATS. Durable
// frames go through JetStream with per-seq dedupe; droppable frames and
// per-participant frames use core NATS.
package outbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Message headers.
const (
	HeaderSessionID = "Session-ID"
	HeaderSeq       = "Seq"
	HeaderFrameType = "Frame-Type"
	HeaderCodec     = "Content-Type"
)

// JetStreamConfig configures the NATS connection and the frame stream.
type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	InputPrefix     string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	MaxMsgs         int64
	Replicas        int
	DuplicateWindow time.Duration
}

// DefaultJetStreamConfig returns the default configuration.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "SESSION_FRAMES",
		SubjectPrefix:   "statesync.frames",
		InputPrefix:     "statesync.inputs",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
	}
}

// Connect opens a NATS connection with JetStream.
func Connect(cfg JetStreamConfig) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return nc, js, nil
}

type streamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type corePublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Transport publishes frames to NATS. It implements broadcast.Transport.
type Transport struct {
	js     streamPublisher
	nc     corePublisher
	codec  events.Codec
	config JetStreamConfig
}

// NewTransport creates a transport and makes sure the frame stream exists.
func NewTransport(ctx context.Context, nc *nats.Conn, js jetstream.JetStream, codec events.Codec, cfg JetStreamConfig) (*Transport, error) {
	if err := ensureStream(ctx, js, cfg); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return newTransport(js, nc, codec, cfg), nil
}

func newTransport(js streamPublisher, nc corePublisher, codec events.Codec, cfg JetStreamConfig) *Transport {
	if codec == nil {
		codec = events.MsgPack
	}
	return &Transport{js: js, nc: nc, codec: codec, config: cfg}
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) error {
	sc := jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Session frames, ordered per session",
		Subjects:    []string{cfg.SubjectPrefix + ".*.stream"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxMsgs:     cfg.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
	}

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		if _, err = js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", cfg.StreamName).Msg("created JetStream stream")
		return nil
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if _, err = js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", cfg.StreamName).Msg("updated JetStream stream")
	}
	return nil
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}

// StreamSubject is where a session's durable frames are published.
func (t *Transport) StreamSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s.stream", t.config.SubjectPrefix, sessionID)
}

// LiveSubject is where a session's droppable frames are published.
func (t *Transport) LiveSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s.live", t.config.SubjectPrefix, sessionID)
}

// DirectSubject is where frames for one participant are published.
func (t *Transport) DirectSubject(sessionID, participant string) string {
	return fmt.Sprintf("%s.%s.to.%s", t.config.SubjectPrefix, sessionID, subjectToken(participant))
}

// Publish sends a frame to every observer of its session.
func (t *Transport) Publish(ctx context.Context, f events.Frame) error {
	msg, err := t.message(f)
	if err != nil {
		return err
	}
	if f.Droppable {
		msg.Subject = t.LiveSubject(f.SessionID)
		if err := t.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish to NATS: %w", err)
		}
		return nil
	}

	msg.Subject = t.StreamSubject(f.SessionID)
	msg.Header.Set(nats.MsgIdHdr, MsgID(f))
	ack, err := t.js.PublishMsg(ctx, msg, jetstream.WithExpectStream(t.config.StreamName))
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}
	log.Debug().
		Str("subject", msg.Subject).
		Uint64("seq", f.Seq).
		Uint64("stream_seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published frame to JetStream")
	return nil
}

// SendTo sends a frame to one participant. Direct frames are not persisted.
func (t *Transport) SendTo(_ context.Context, participant string, f events.Frame) error {
	msg, err := t.message(f)
	if err != nil {
		return err
	}
	msg.Subject = t.DirectSubject(f.SessionID, participant)
	if err := t.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to NATS: %w", err)
	}
	return nil
}

func (t *Transport) message(f events.Frame) (*nats.Msg, error) {
	data, err := t.codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return &nats.Msg{
		Data: data,
		Header: nats.Header{
			HeaderSessionID: []string{f.SessionID},
			HeaderSeq:       []string{strconv.FormatUint(f.Seq, 10)},
			HeaderFrameType: []string{string(f.Type)},
			HeaderCodec:     []string{t.codec.ContentType()},
		},
	}, nil
}

// MsgID identifies a frame for JetStream dedupe. Retried publishes of the
// same frame share it.
func MsgID(f events.Frame) string {
	if f.Type == events.FrameSnapshot {
		return fmt.Sprintf("%s-snapshot-%d", f.SessionID, f.Seq)
	}
	return fmt.Sprintf("%s-%d", f.SessionID, f.Seq)
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string { return subjectReplacer.Replace(s) }
