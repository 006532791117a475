package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

var (
	goldenSession = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")
	goldenTime    = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

func TestFrameWireFormat(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))

	delta := DeltaFrame(models.Delta{
		SessionID: goldenSession,
		Seq:       42,
		FirstSeq:  41,
		Tick:      17,
		Changes: map[string]any{
			"a1.hp":  35.0,
			"a1.pos": models.Vec2{X: 6, Y: 2},
		},
		Acks:      map[string]uint64{"alice": 9},
		EmittedAt: goldenTime,
	})
	snapshot := SnapshotFrame(models.Snapshot{
		SessionID: goldenSession,
		Seq:       42,
		Tick:      17,
		Entities: map[string]*models.Entity{
			"a1": {ID: "a1", Owner: "alice", Attrs: map[string]models.Attribute{
				"hp": {Value: 35.0, Strategy: models.StrategyAccumulative, Timestamp: goldenTime, Writer: "bob", Version: 3},
			}},
		},
		Acks:    map[string]uint64{"alice": 9},
		TakenAt: goldenTime,
	})
	rejection := RejectionFrame(goldenSession.String(), Rejection{
		Code:  ReasonNotOwner,
		Field: "action.entity",
		Seq:   5,
	}, goldenTime)

	for name, f := range map[string]Frame{
		"delta_frame":     delta,
		"snapshot_frame":  snapshot,
		"rejection_frame": rejection,
	} {
		t.Run(name, func(t *testing.T) {
			data, err := JSON.Marshal(f)
			require.NoError(t, err)
			g.Assert(t, name, data)
		})
	}
}
