package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/statesync/go/internal/realtime/archive"
	"github.com/mcdev12/statesync/go/internal/realtime/broadcast"
	"github.com/mcdev12/statesync/go/internal/realtime/engine"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/mcdev12/statesync/go/internal/realtime/gateway"
	"github.com/mcdev12/statesync/go/internal/realtime/metrics"
	"github.com/mcdev12/statesync/go/internal/realtime/outbox"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

type Services struct {
	Clock       clockwork.Clock
	Registry    *prometheus.Registry
	Engine      *engine.Engine
	Connections *gateway.ConnectionManager
	Health      *outbox.RealtimeHealthChecker
	Inputs      *outbox.InputConsumer

	database *sql.DB
	nats     *nats.Conn
}

func setupServices(ctx context.Context, cfg Config) (*Services, error) {
	// Wire up dependency injection chain
	// Transports → Archive → Engine → Gateway and input consumer

	types, err := loadSessionTypes(cfg.SessionsFile)
	if err != nil {
		return nil, err
	}
	codec, err := events.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Clock:    clockwork.NewRealClock(),
		Registry: prometheus.NewRegistry(),
	}
	s.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// WebSocket clients
	s.Connections = gateway.NewConnectionManager(nil, s.Clock, gateway.DefaultConnectionConfig())
	transport := broadcast.Transport(s.Connections)

	// NATS JetStream
	var js jetstream.JetStream
	jsCfg := outbox.DefaultJetStreamConfig()
	if cfg.NATSURL != "" {
		jsCfg.URL = cfg.NATSURL
		s.nats, js, err = outbox.Connect(jsCfg)
		if err != nil {
			return nil, err
		}
		busTransport, err := outbox.NewTransport(ctx, s.nats, js, events.MsgPack, jsCfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		transport = broadcast.Fanout(s.Connections, busTransport)
		log.Info().Str("url", cfg.NATSURL).Msg("publishing frames to NATS")
	}

	engineCfg := engine.Config{
		Workers:   cfg.Workers,
		Clock:     s.Clock,
		Transport: transport,
		Codec:     codec,
		Metrics:   metrics.NewPrometheusMetrics(s.Registry),
	}

	// Snapshot archive
	if cfg.ArchiveEnabled {
		s.database, err = setupDatabase(ctx)
		if err != nil {
			s.Close()
			return nil, err
		}
		engineCfg.Archive = archive.NewRepository(s.database, cfg.ArchiveKeep)
	}

	s.Engine, err = engine.New(engineCfg, types...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}
	s.Connections.SetEngine(s.Engine)

	if js != nil {
		s.Inputs, err = outbox.NewInputConsumer(ctx, js, s.Engine, s.Clock, jsCfg)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	var pinger outbox.Pinger
	if s.database != nil {
		pinger = s.database
	}
	s.Health = outbox.NewRealtimeHealthChecker(s.Engine, pinger, s.nats)

	log.Info().
		Strs("session_types", s.Engine.Types()).
		Int("workers", cfg.Workers).
		Str("codec", codec.Name()).
		Bool("archive", cfg.ArchiveEnabled).
		Msg("services ready")
	return s, nil
}

// Close releases external connections.
func (s *Services) Close() {
	if s.nats != nil {
		if err := s.nats.Drain(); err != nil {
			log.Warn().Err(err).Msg("NATS drain failed")
		}
	}
	if s.database != nil {
		if err := s.database.Close(); err != nil {
			log.Warn().Err(err).Msg("database close failed")
		}
	}
}
