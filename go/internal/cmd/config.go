package main

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed sessions.yaml
var defaultSessions []byte

// Config is the server configuration read from the environment.
type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON         bool          `env:"LOG_JSON" envDefault:"false"`
	SessionsFile    string        `env:"SESSIONS_FILE"`
	Workers         int           `env:"ENGINE_WORKERS" envDefault:"8"`
	Codec           string        `env:"CODEC" envDefault:"json"`
	NATSURL         string        `env:"NATS_URL"`
	ArchiveEnabled  bool          `env:"ARCHIVE_ENABLED" envDefault:"false"`
	ArchiveKeep     int           `env:"ARCHIVE_KEEP" envDefault:"10"`
	OTELEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Workers <= 0 {
		return Config{}, fmt.Errorf("ENGINE_WORKERS must be positive, got %d", cfg.Workers)
	}
	return cfg, nil
}

func setupLogging(cfg Config) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.LogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

type sessionsFile struct {
	SessionTypes []models.SessionType `yaml:"session_types"`
}

// loadSessionTypes reads session type definitions. An empty path loads the
// built-in definitions.
func loadSessionTypes(path string) ([]models.SessionType, error) {
	data := defaultSessions
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read sessions file: %w", err)
		}
	}
	return parseSessionTypes(data)
}

func parseSessionTypes(data []byte) ([]models.SessionType, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file sessionsFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse sessions file: %w", err)
	}
	if len(file.SessionTypes) == 0 {
		return nil, errors.New("sessions file defines no session types")
	}
	for _, typ := range file.SessionTypes {
		if err := typ.Validate(); err != nil {
			return nil, err
		}
	}
	return file.SessionTypes, nil
}
