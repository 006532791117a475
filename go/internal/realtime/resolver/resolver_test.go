package resolver

import (
	"math/rand"
	"testing"
	"time"

	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func lww() models.PathRule {
	return models.PathRule{Attr: "name", Strategy: models.StrategyLWW}
}

func shuffled(ps []Proposal, seed int64) []Proposal {
	out := append([]Proposal(nil), ps...)
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func TestResolve_LWWLaterTimestampWins(t *testing.T) {
	early := Proposal{Path: "e.name", Writer: "zed", Seq: 1, Value: "early", Timestamp: t0}
	late := Proposal{Path: "e.name", Writer: "amy", Seq: 1, Value: "late", Timestamp: t0.Add(time.Millisecond)}

	for _, ps := range [][]Proposal{{early, late}, {late, early}} {
		out := Resolve(nil, lww(), ps)
		require.True(t, out.Applied)
		assert.Equal(t, "late", out.Value)
		assert.Equal(t, "amy", out.Writer)
		assert.Len(t, out.Superseded, 1)
	}
}

func TestResolve_LWWTieBrokenByWriter(t *testing.T) {
	a := Proposal{Path: "e.name", Writer: "alice", Seq: 9, Value: "a", Timestamp: t0}
	b := Proposal{Path: "e.name", Writer: "bob", Seq: 1, Value: "b", Timestamp: t0}

	out := Resolve(nil, lww(), []Proposal{b, a})
	require.True(t, out.Applied)
	assert.Equal(t, "a", out.Value)
}

func TestResolve_LWWOlderThanStoredIsStale(t *testing.T) {
	prior := &models.Attribute{Value: "kept", Timestamp: t0, Version: 3}
	p := Proposal{Path: "e.name", Writer: "bob", Value: "old", Timestamp: t0.Add(-time.Second)}

	out := Resolve(prior, lww(), []Proposal{p})
	assert.False(t, out.Applied)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, events.ReasonStaleWrite, out.Rejected[0].Code)
	assert.ErrorIs(t, out.Rejected[0].Err, events.ErrStaleWrite)
}

func TestResolve_LWWEqualToStoredApplies(t *testing.T) {
	prior := &models.Attribute{Value: "kept", Timestamp: t0, Version: 3}
	p := Proposal{Path: "e.name", Writer: "bob", Value: "same-time", Timestamp: t0}

	out := Resolve(prior, lww(), []Proposal{p})
	assert.True(t, out.Applied)
	assert.Equal(t, "same-time", out.Value)
}

func TestResolve_VersionedStaleFilter(t *testing.T) {
	prior := &models.Attribute{Value: 1.0, Timestamp: t0, Version: 5}
	stale := Proposal{Path: "e.n", Writer: "a", Value: 2.0, Timestamp: t0.Add(time.Second), Version: 5}
	fresh := Proposal{Path: "e.n", Writer: "b", Value: 3.0, Timestamp: t0.Add(time.Millisecond), Version: 6}

	out := Resolve(prior, lww(), []Proposal{stale, fresh})
	require.True(t, out.Applied)
	assert.Equal(t, 3.0, out.Value)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, "a", out.Rejected[0].Proposal.Writer)
	assert.Equal(t, events.ReasonStaleWrite, out.Rejected[0].Code)
}

func TestResolve_AccumulativeSumIsOrderIndependent(t *testing.T) {
	rule := models.PathRule{Attr: "score", Strategy: models.StrategyAccumulative}
	prior := &models.Attribute{Value: 10.0, Timestamp: t0, Version: 1}
	ps := []Proposal{
		{Path: "e.score", Writer: "a", Seq: 1, Op: models.OpIncrement, Magnitude: 5, Timestamp: t0},
		{Path: "e.score", Writer: "b", Seq: 1, Op: models.OpDecrement, Magnitude: 3, Timestamp: t0},
		{Path: "e.score", Writer: "c", Seq: 1, Op: models.OpIncrement, Magnitude: 0.5, Timestamp: t0},
		{Path: "e.score", Writer: "a", Seq: 2, Op: models.OpIncrement, Magnitude: 7, Timestamp: t0},
	}

	for seed := int64(0); seed < 20; seed++ {
		out := Resolve(prior, rule, shuffled(ps, seed))
		require.True(t, out.Applied)
		assert.Equal(t, 19.5, out.Value)
		assert.Len(t, out.Accepted, 4)
	}
}

func TestResolve_AccumulativeFloor(t *testing.T) {
	prior := &models.Attribute{Value: 2.0, Version: 1}
	dec := Proposal{Path: "e.stock", Writer: "a", Op: models.OpDecrement, Magnitude: 5, Timestamp: t0}

	out := Resolve(prior, models.PathRule{Strategy: models.StrategyAccumulative}, []Proposal{dec})
	require.True(t, out.Applied)
	assert.Equal(t, 0.0, out.Value)

	out = Resolve(prior, models.PathRule{Strategy: models.StrategyAccumulative, NoFloor: true}, []Proposal{dec})
	assert.Equal(t, -3.0, out.Value)

	ceiling := 4.0
	inc := Proposal{Path: "e.stock", Writer: "a", Op: models.OpIncrement, Magnitude: 5, Timestamp: t0}
	out = Resolve(prior, models.PathRule{Strategy: models.StrategyAccumulative, Ceiling: &ceiling}, []Proposal{inc})
	assert.Equal(t, 4.0, out.Value)
}

func TestResolve_AccumulativeRejectsNegativeMagnitude(t *testing.T) {
	p := Proposal{Path: "e.stock", Writer: "a", Op: models.OpIncrement, Magnitude: -1, Timestamp: t0}

	out := Resolve(nil, models.PathRule{Strategy: models.StrategyAccumulative}, []Proposal{p})
	assert.False(t, out.Applied)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, events.ReasonNegativeMagnitude, out.Rejected[0].Code)
}

func TestResolve_AccumulativeSeededByInit(t *testing.T) {
	rule := models.PathRule{Strategy: models.StrategyAccumulative}
	ps := []Proposal{
		{Path: "e.votes", Writer: "a", Value: 3.0, Timestamp: t0, Init: true},
		{Path: "e.votes", Writer: "b", Op: models.OpIncrement, Magnitude: 2, Timestamp: t0},
	}

	out := Resolve(nil, rule, ps)
	require.True(t, out.Applied)
	assert.Equal(t, 5.0, out.Value)
}

func TestResolve_AuthoritativeOnlyAuthority(t *testing.T) {
	rule := models.PathRule{Attr: "status", Strategy: models.StrategyAuthoritative, Authority: "server"}
	ps := []Proposal{
		{Path: "o.status", Writer: "alice", Value: "shipped", Timestamp: t0.Add(time.Hour)},
		{Path: "o.status", Writer: "server", Value: "packed", Timestamp: t0},
	}

	out := Resolve(&models.Attribute{Value: "new", Version: 1}, rule, ps)
	require.True(t, out.Applied)
	assert.Equal(t, "packed", out.Value)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, events.ReasonNotAuthority, out.Rejected[0].Code)
	assert.Equal(t, "alice", out.Rejected[0].Proposal.Writer)
}

func TestResolve_AuthoritativeInitNeedsAuthority(t *testing.T) {
	rule := models.PathRule{Attr: "phase", Strategy: models.StrategyAuthoritative, Authority: "server"}

	out := Resolve(nil, rule, []Proposal{{Path: "m.phase", Writer: "alice", Value: "won", Timestamp: t0, Init: true}})
	assert.False(t, out.Applied)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, events.ReasonNotAuthority, out.Rejected[0].Code)

	out = Resolve(nil, rule, []Proposal{{Path: "m.phase", Writer: "server", Value: "lobby", Timestamp: t0, Init: true}})
	require.True(t, out.Applied)
	assert.Equal(t, "lobby", out.Value)
}

func TestResolve_PriorityHighestWins(t *testing.T) {
	rule := models.PathRule{Strategy: models.StrategyPriority}
	ps := []Proposal{
		{Path: "lot.bid", Writer: "a", Value: 10.0, Priority: 10, Timestamp: t0.Add(time.Second)},
		{Path: "lot.bid", Writer: "b", Value: 12.0, Priority: 12, Timestamp: t0},
		{Path: "lot.bid", Writer: "c", Value: 12.0, Priority: 12, Timestamp: t0.Add(time.Millisecond)},
	}

	for seed := int64(0); seed < 10; seed++ {
		out := Resolve(nil, rule, shuffled(ps, seed))
		require.True(t, out.Applied)
		assert.Equal(t, "c", out.Writer, "equal priority falls back to last write")
		assert.Len(t, out.Superseded, 2)
	}
}

func TestResolve_MonotonicPriorityMustBeatStored(t *testing.T) {
	rule := models.PathRule{Strategy: models.StrategyPriority, Monotonic: true}
	prior := &models.Attribute{Value: 50.0, Priority: 50, Version: 2, Timestamp: t0}
	low := Proposal{Path: "lot.bid", Writer: "a", Value: 50.0, Priority: 50, Timestamp: t0.Add(time.Second)}

	out := Resolve(prior, rule, []Proposal{low})
	assert.False(t, out.Applied)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, events.ReasonOutbid, out.Rejected[0].Code)

	high := Proposal{Path: "lot.bid", Writer: "b", Value: 51.0, Priority: 51, Timestamp: t0.Add(time.Second)}
	out = Resolve(prior, rule, []Proposal{low, high})
	require.True(t, out.Applied)
	assert.Equal(t, 51.0, out.Value)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, "a", out.Rejected[0].Proposal.Writer)
}

func TestResolve_InitRejectedWhenPathExists(t *testing.T) {
	prior := &models.Attribute{Value: "x", Version: 1}
	p := Proposal{Path: "e.name", Writer: "a", Value: "y", Timestamp: t0, Init: true}

	out := Resolve(prior, lww(), []Proposal{p})
	assert.False(t, out.Applied)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, events.ReasonAlreadyExists, out.Rejected[0].Code)
}

func TestResolve_DoesNotReorderInput(t *testing.T) {
	ps := []Proposal{
		{Path: "e.name", Writer: "b", Value: "b", Timestamp: t0},
		{Path: "e.name", Writer: "a", Value: "a", Timestamp: t0},
	}
	Resolve(nil, lww(), ps)
	assert.Equal(t, "b", ps[0].Writer)
}
