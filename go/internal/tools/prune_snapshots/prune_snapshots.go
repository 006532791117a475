package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/statesync/go/internal/dbconfig"
	"github.com/spf13/cobra"
)

type pruneOptions struct {
	Keep      int
	OlderThan time.Duration
	Session   string
	DryRun    bool
}

type pruneFunc func(ctx context.Context, opts pruneOptions) (int64, error)

func main() {
	if err := newRootCommand(prune).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "prune_snapshots: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(run pruneFunc) *cobra.Command {
	opts := pruneOptions{}

	cmd := &cobra.Command{
		Use:   "prune_snapshots",
		Short: "Delete archived session snapshots",
		Long: `Delete archived session snapshots beyond the newest --keep per session.

With --older-than only snapshots taken before that age are removed, so a
recent burst of snapshots is never pruned. Connection settings come from the
DB_* environment variables.

Example:
  prune_snapshots --keep 5 --older-than 72h
  prune_snapshots --session 6f1c... --keep 1 --dry-run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			n, err := run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			verb := "deleted"
			if opts.DryRun {
				verb = "would delete"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d snapshots\n", verb, n)
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Keep, "keep", 1, "snapshots to retain per session")
	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "only prune snapshots taken before this age")
	cmd.Flags().StringVar(&opts.Session, "session", "", "restrict pruning to one session id")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "count matching snapshots without deleting")

	return cmd
}

func (o pruneOptions) validate() error {
	if o.Keep < 0 {
		return fmt.Errorf("--keep must not be negative, got %d", o.Keep)
	}
	if o.OlderThan < 0 {
		return fmt.Errorf("--older-than must not be negative, got %s", o.OlderThan)
	}
	if o.Session != "" {
		if _, err := uuid.Parse(o.Session); err != nil {
			return fmt.Errorf("--session: %w", err)
		}
	}
	if o.Keep == 0 && o.OlderThan == 0 && o.Session == "" {
		return errors.New("refusing to delete every snapshot: set --keep, --older-than or --session")
	}
	return nil
}

func prune(ctx context.Context, opts pruneOptions) (int64, error) {
	cfg, err := dbconfig.NewConfigFromEnv()
	if err != nil {
		return 0, err
	}
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return 0, fmt.Errorf("failed to connect: %w", err)
	}
	defer pool.Close()

	query, args := buildQuery(opts, time.Now())
	if opts.DryRun {
		var n int64
		if err := pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("count snapshots: %w", err)
		}
		return n, nil
	}

	tag, err := pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// buildQuery ranks each session's snapshots newest first and selects the
// ones past the retained count.
func buildQuery(opts pruneOptions, now time.Time) (string, []any) {
	var (
		conds = []string{"rn > $1"}
		args  = []any{opts.Keep}
	)
	if opts.OlderThan > 0 {
		args = append(args, now.Add(-opts.OlderThan))
		conds = append(conds, fmt.Sprintf("taken_at < $%d", len(args)))
	}
	if opts.Session != "" {
		args = append(args, opts.Session)
		conds = append(conds, fmt.Sprintf("session_id = $%d", len(args)))
	}

	ranked := `WITH ranked AS (
    SELECT id, session_id, taken_at,
           row_number() OVER (PARTITION BY session_id ORDER BY seq DESC) AS rn
    FROM session_snapshots
)
`
	where := strings.Join(conds, " AND ")
	if opts.DryRun {
		return ranked + "SELECT count(*) FROM ranked WHERE " + where, args
	}
	return ranked + "DELETE FROM session_snapshots WHERE id IN (SELECT id FROM ranked WHERE " + where + ")", args
}
