// Package rpc exposes input submission and snapshot requests as Connect
// unary procedures. Messages are google.protobuf.Struct values shaped like
// the JSON wire frames, so any Connect, gRPC or gRPC-Web client can call
// them without generated stubs.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// SessionServiceName is the fully-qualified name of the service.
	SessionServiceName = "statesync.v1.SessionService"

	SubmitInputProcedure     = "/" + SessionServiceName + "/SubmitInput"
	RequestSnapshotProcedure = "/" + SessionServiceName + "/RequestSnapshot"
)

// Engine is the part of the session engine the service calls.
type Engine interface {
	SubmitInput(in models.InputEvent) error
	RequestSnapshot(id uuid.UUID, participant string) (models.Snapshot, error)
}

// Service implements the session service procedures.
type Service struct {
	engine Engine
	clock  clockwork.Clock
	tracer trace.Tracer
}

// NewService creates a service.
func NewService(engine Engine, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		engine: engine,
		clock:  clock,
		tracer: otel.Tracer("github.com/mcdev12/statesync/realtime/rpc"),
	}
}

// NewHandler returns the path prefix and handler serving the service.
func NewHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithInterceptors(LoggingInterceptor())}, opts...)
	submit := connect.NewUnaryHandler(SubmitInputProcedure, svc.SubmitInput, opts...)
	snapshot := connect.NewUnaryHandler(RequestSnapshotProcedure, svc.RequestSnapshot, opts...)

	return "/" + SessionServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case SubmitInputProcedure:
			submit.ServeHTTP(w, r)
		case RequestSnapshotProcedure:
			snapshot.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// SubmitInput admits one input. A rejection is a normal response carrying
// the rejection payload; only transport level problems are errors.
func (s *Service) SubmitInput(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	_, span := s.tracer.Start(ctx, "SessionService.SubmitInput")
	defer span.End()

	var in events.InputMessage
	if err := decodeStruct(req.Msg, &in); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	span.SetAttributes(
		attribute.String("session.id", in.SessionID),
		attribute.String("participant.id", in.ParticipantID),
		attribute.Int64("input.seq", int64(in.Seq)),
	)

	ev, err := in.ToEvent(s.clock.Now())
	if err == nil {
		err = s.engine.SubmitInput(ev)
	}
	if errors.Is(err, events.ErrSessionNotFound) {
		span.SetStatus(codes.Error, err.Error())
		return nil, connect.NewError(connect.CodeNotFound, err)
	}

	result := map[string]any{"accepted": err == nil, "seq": in.Seq}
	if err != nil {
		r, ok := events.AsRejection(err, in.Seq)
		if !ok {
			span.SetStatus(codes.Error, err.Error())
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		span.SetAttributes(attribute.String("rejection.code", string(r.Code)))
		result["rejection"] = r
	}

	out, err := encodeStruct(result)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// RequestSnapshot returns the session's state as of its last tick. With a
// participant, the snapshot is also queued on that participant's stream.
func (s *Service) RequestSnapshot(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	_, span := s.tracer.Start(ctx, "SessionService.RequestSnapshot")
	defer span.End()

	fields := req.Msg.GetFields()
	id, err := uuid.Parse(fields["session_id"].GetStringValue())
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id: %w", err))
	}
	participant := fields["participant_id"].GetStringValue()
	span.SetAttributes(attribute.String("session.id", id.String()), attribute.String("participant.id", participant))

	snap, err := s.engine.RequestSnapshot(id, participant)
	if errors.Is(err, events.ErrSessionNotFound) {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	out, err := encodeStruct(events.SnapshotFrame(snap))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// LoggingInterceptor logs every unary call with its outcome.
func LoggingInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			res, err := next(ctx, req)
			ev := log.Debug()
			if err != nil {
				ev = log.Warn().Err(err).Str("code", connect.CodeOf(err).String())
			}
			ev.Str("procedure", req.Spec().Procedure).
				Str("protocol", req.Peer().Protocol).
				Msg("rpc handled")
			return res, err
		}
	}
}

func decodeStruct(msg *structpb.Struct, v any) error {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
