// Package archive stores session snapshots in Postgres so finished or
// crashed sessions can be inspected and rehydrated.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/archive/db"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/mcdev12/statesync/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

// DefaultKeep is how many snapshots are retained per session.
const DefaultKeep = 10

// Querier defines what the repository needs from the database layer
type Querier interface {
	InsertSnapshot(ctx context.Context, arg db.InsertSnapshotParams) (db.SessionSnapshot, error)
	GetLatestSnapshot(ctx context.Context, sessionID uuid.UUID) (db.SessionSnapshot, error)
	PruneSnapshots(ctx context.Context, arg db.PruneSnapshotsParams) (int64, error)
}

// TxRunner runs fn inside a transaction.
type TxRunner func(ctx context.Context, fn func(q Querier) error) error

// Metadata is stored next to each snapshot for operators.
type Metadata struct {
	Entities     int `json:"entities"`
	Participants int `json:"participants"`
}

// Repository implements the engine's snapshot archive.
type Repository struct {
	queries Querier
	inTx    TxRunner
	keep    int
}

// Open connects to Postgres with lib/pq.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return conn, nil
}

// NewRepository creates a repository over conn. keep <= 0 disables pruning.
func NewRepository(conn *sql.DB, keep int) *Repository {
	queries := db.New(conn)
	return newRepository(queries, func(ctx context.Context, fn func(q Querier) error) error {
		return sqlutil.Run(ctx, conn, queries.WithTx, func(q *db.Queries) error {
			return fn(q)
		})
	}, keep)
}

func newRepository(queries Querier, inTx TxRunner, keep int) *Repository {
	return &Repository{queries: queries, inTx: inTx, keep: keep}
}

// SaveSnapshot stores a snapshot and prunes the session's older ones in the
// same transaction.
func (r *Repository) SaveSnapshot(ctx context.Context, sessionType string, snap models.Snapshot) error {
	params, err := snapshotToParams(sessionType, snap)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(q Querier) error {
		if _, err := q.InsertSnapshot(ctx, params); err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
		if r.keep <= 0 {
			return nil
		}
		pruned, err := q.PruneSnapshots(ctx, db.PruneSnapshotsParams{SessionID: snap.SessionID, Limit: int32(r.keep)})
		if err != nil {
			return fmt.Errorf("failed to prune snapshots: %w", err)
		}
		if pruned > 0 {
			log.Debug().
				Str("session_id", snap.SessionID.String()).
				Int64("pruned", pruned).
				Msg("pruned archived snapshots")
		}
		return nil
	})
}

// LatestSnapshot returns the newest snapshot of a session and its type.
func (r *Repository) LatestSnapshot(ctx context.Context, sessionID uuid.UUID) (models.Snapshot, string, error) {
	row, err := r.queries.GetLatestSnapshot(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Snapshot{}, "", fmt.Errorf("%w: no archived snapshot for %s", events.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return models.Snapshot{}, "", fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	snap, err := dbSnapshotToModel(row)
	if err != nil {
		return models.Snapshot{}, "", err
	}

	var meta Metadata
	if ok, err := sqlutil.FromNullRawMessage(row.Metadata, &meta); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("unreadable snapshot metadata")
	} else if ok && meta.Entities != len(snap.Entities) {
		return models.Snapshot{}, "", &events.CorruptionError{
			Path:   sessionID.String(),
			Reason: fmt.Sprintf("archived snapshot %d holds %d entities, metadata says %d", snap.Seq, len(snap.Entities), meta.Entities),
		}
	}
	return snap, row.SessionType, nil
}

func snapshotToParams(sessionType string, snap models.Snapshot) (db.InsertSnapshotParams, error) {
	seq, err := sqlutil.ToSqlUint64(snap.Seq)
	if err != nil {
		return db.InsertSnapshotParams{}, fmt.Errorf("snapshot seq: %w", err)
	}
	tick, err := sqlutil.ToSqlUint64(snap.Tick)
	if err != nil {
		return db.InsertSnapshotParams{}, fmt.Errorf("snapshot tick: %w", err)
	}

	entities := snap.Entities
	if entities == nil {
		entities = map[string]*models.Entity{}
	}
	entitiesBytes, err := json.Marshal(entities)
	if err != nil {
		return db.InsertSnapshotParams{}, fmt.Errorf("failed to marshal entities: %w", err)
	}
	acks := snap.Acks
	if acks == nil {
		acks = map[string]uint64{}
	}
	acksBytes, err := json.Marshal(acks)
	if err != nil {
		return db.InsertSnapshotParams{}, fmt.Errorf("failed to marshal acks: %w", err)
	}
	metadata, err := sqlutil.ToNullRawMessage(Metadata{Entities: len(entities), Participants: len(acks)})
	if err != nil {
		return db.InsertSnapshotParams{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return db.InsertSnapshotParams{
		SessionID:   snap.SessionID,
		SessionType: sessionType,
		Seq:         seq,
		Tick:        tick,
		Entities:    entitiesBytes,
		Acks:        acksBytes,
		Metadata:    metadata,
		TakenAt:     snap.TakenAt,
	}, nil
}

func dbSnapshotToModel(row db.SessionSnapshot) (models.Snapshot, error) {
	var entities map[string]*models.Entity
	if err := json.Unmarshal(row.Entities, &entities); err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to unmarshal entities: %w", err)
	}
	for id, e := range entities {
		if e == nil {
			delete(entities, id)
			continue
		}
		e.Normalize()
	}

	var acks map[string]uint64
	if len(row.Acks) > 0 {
		if err := json.Unmarshal(row.Acks, &acks); err != nil {
			return models.Snapshot{}, fmt.Errorf("failed to unmarshal acks: %w", err)
		}
	}

	return models.Snapshot{
		SessionID: row.SessionID,
		Seq:       sqlutil.FromSqlUint64(row.Seq),
		Tick:      sqlutil.FromSqlUint64(row.Tick),
		Entities:  entities,
		Acks:      acks,
		TakenAt:   row.TakenAt,
	}, nil
}
