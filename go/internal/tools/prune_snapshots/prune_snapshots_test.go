package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuery(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	query, args := buildQuery(pruneOptions{Keep: 3}, now)
	assert.Contains(t, query, "DELETE FROM session_snapshots WHERE id IN (SELECT id FROM ranked WHERE rn > $1)")
	assert.Equal(t, []any{3}, args)

	query, args = buildQuery(pruneOptions{Keep: 1, OlderThan: 48 * time.Hour, Session: "s1", DryRun: true}, now)
	assert.Contains(t, query, "SELECT count(*) FROM ranked WHERE rn > $1 AND taken_at < $2 AND session_id = $3")
	assert.Equal(t, []any{1, now.Add(-48 * time.Hour), "s1"}, args)
}

func TestRootCommand(t *testing.T) {
	var got pruneOptions
	run := func(_ context.Context, opts pruneOptions) (int64, error) {
		got = opts
		return 7, nil
	}

	cmd := newRootCommand(run)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--keep", "2", "--older-than", "72h", "--dry-run"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, pruneOptions{Keep: 2, OlderThan: 72 * time.Hour, DryRun: true}, got)
	assert.Equal(t, "would delete 7 snapshots\n", out.String())
}

func TestRootCommand_Validation(t *testing.T) {
	tests := map[string][]string{
		"negative keep":  {"--keep", "-1"},
		"bad session":    {"--session", "nope"},
		"prune all":      {"--keep", "0"},
		"positional arg": {"extra"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			called := false
			cmd := newRootCommand(func(context.Context, pruneOptions) (int64, error) {
				called = true
				return 0, nil
			})
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(args)

			assert.Error(t, cmd.Execute())
			assert.False(t, called)
		})
	}
}
