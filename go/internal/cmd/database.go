package main

import (
	"context"
	"database/sql"

	"github.com/mcdev12/statesync/go/internal/dbconfig"
	"github.com/mcdev12/statesync/go/internal/realtime/archive"
	"github.com/rs/zerolog/log"
)

func setupDatabase(ctx context.Context) (*sql.DB, error) {
	dbCfg, err := dbconfig.NewConfigFromEnv()
	if err != nil {
		return nil, err
	}

	database, err := archive.Open(ctx, dbCfg.DSN())
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("user", dbCfg.User).
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("connected to database")
	return database, nil
}
