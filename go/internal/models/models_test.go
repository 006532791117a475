package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "float", in: 1.5, want: 1.5},
		{name: "int8", in: int8(-3), want: -3.0},
		{name: "uint64", in: uint64(7), want: 7.0},
		{name: "float32", in: float32(2.5), want: 2.5},
		{name: "string", in: "new", want: "new"},
		{name: "bool", in: true, want: true},
		{name: "vec", in: Vec2{X: 1, Y: 2}, want: Vec2{X: 1, Y: 2}},
		{name: "decoded vec", in: map[string]any{"x": int8(4), "y": 0.5}, want: Vec2{X: 4, Y: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for name, bad := range map[string]any{
		"nil":         nil,
		"nan":         math.NaN(),
		"inf":         math.Inf(1),
		"extra key":   map[string]any{"x": 1.0, "y": 1.0, "z": 1.0},
		"string axis": map[string]any{"x": "1", "y": 1.0},
		"slice":       []any{1.0},
	} {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := NormalizeValue(bad)
			assert.Error(t, err)
		})
	}
}

func TestEntityNormalize(t *testing.T) {
	e := &Entity{ID: "a1", Attrs: map[string]Attribute{
		"pos":  {Value: map[string]any{"x": 1.0, "y": 2.0}, Version: 4},
		"hp":   {Value: int64(10)},
		"junk": {Value: []any{1}},
	}}
	e.Normalize()

	assert.Equal(t, Vec2{X: 1, Y: 2}, e.Attrs["pos"].Value)
	assert.Equal(t, uint64(4), e.Attrs["pos"].Version)
	assert.Equal(t, 10.0, e.Attrs["hp"].Value)
	assert.Equal(t, []any{1}, e.Attrs["junk"].Value)
}

func TestSplitPath(t *testing.T) {
	id, attr, err := SplitPath("shape.s1.color")
	require.NoError(t, err)
	assert.Equal(t, "shape", id)
	assert.Equal(t, "s1.color", attr)
	assert.Equal(t, "shape.s1.color", JoinPath(id, attr))

	for _, bad := range []string{"", "a1", ".pos", "a1."} {
		_, _, err := SplitPath(bad)
		assert.Error(t, err, bad)
	}
}

func TestRuleFor(t *testing.T) {
	ceiling := 100.0
	typ := SessionType{
		Name: "arena",
		Paths: []PathRule{
			{Attr: "shape.*", Strategy: StrategyLWW, Droppable: true},
			{Attr: "shape.locked", Strategy: StrategyAuthoritative},
			{Attr: "hp", Strategy: StrategyAccumulative, Ceiling: &ceiling},
		},
	}.WithDefaults()

	assert.Equal(t, StrategyAuthoritative, typ.RuleFor("shape.locked").Strategy)
	wild := typ.RuleFor("shape.color")
	assert.Equal(t, StrategyLWW, wild.Strategy)
	assert.True(t, wild.Droppable)
	assert.Equal(t, "shape.color", wild.Attr)
	assert.Equal(t, StrategyLWW, typ.RuleFor("shapes").Strategy)
	assert.False(t, typ.RuleFor("shapes").Droppable)
	assert.True(t, typ.RuleFor(AttrPosition).Droppable)
	assert.Equal(t, DefaultAuthority, typ.RuleFor("hp").Authority)

	bid := typ.RuleFor(AttrBid)
	assert.Equal(t, StrategyPriority, bid.Strategy)
	assert.True(t, bid.Monotonic)
	bidder := typ.RuleFor(AttrBidder)
	assert.Equal(t, StrategyPriority, bidder.Strategy)
	assert.Equal(t, AttrBidder, bidder.Attr)
}

func TestCanTransition(t *testing.T) {
	r := PathRule{Transitions: map[string][]string{"": {"new"}, "new": {"packed", "cancelled"}}}
	assert.True(t, r.CanTransition("", "new"))
	assert.True(t, r.CanTransition("new", "cancelled"))
	assert.False(t, r.CanTransition("new", "shipped"))
	assert.False(t, r.CanTransition("shipped", "new"))
	assert.True(t, PathRule{}.CanTransition("anything", "goes"))
}

func TestSessionTypeDefaults(t *testing.T) {
	typ := SessionType{Name: "x", TickRate: 50}.WithDefaults()
	assert.Equal(t, 20*time.Millisecond, typ.TickDuration())
	assert.Equal(t, 10*time.Millisecond, typ.TickBudget)
	assert.Equal(t, 32*1024, typ.MaxPayloadBytes)
	assert.Equal(t, DisconnectTakeover, typ.DisconnectPolicy)
	assert.Equal(t, uint64(100), typ.SnapshotEveryTicks)

	interval := SessionType{Name: "y", SnapshotInterval: time.Second}.WithDefaults()
	assert.Zero(t, interval.SnapshotEveryTicks)

	assert.Error(t, SessionType{}.Validate())
	assert.Error(t, SessionType{Name: "x", Paths: []PathRule{{Attr: "a", Strategy: "newest"}}}.Validate())
	assert.Error(t, SessionType{Name: "x", Paths: []PathRule{{Strategy: StrategyLWW}}}.Validate())
	assert.NoError(t, SessionType{Name: "x", DisconnectPolicy: DisconnectPause}.Validate())
}

func TestSessionTypeYAML(t *testing.T) {
	var typ SessionType
	require.NoError(t, yaml.Unmarshal([]byte(`
name: orders
tick_rate: 10
grace_period: 1m
rate_limit: {threshold: 5, window: 2s}
paths:
  - attr: status
    transitions:
      "": [new]
  - attr: qty
    strategy: accumulative
    max_delta: 3
`), &typ))

	assert.Equal(t, time.Minute, typ.GracePeriod)
	assert.Equal(t, RateLimit{Threshold: 5, Window: 2 * time.Second}, typ.RateLimit)
	assert.Equal(t, StrategyLWW, typ.RuleFor("status").Strategy)
	require.NotNil(t, typ.RuleFor("qty").MaxDelta)
	assert.Equal(t, 3.0, *typ.RuleFor("qty").MaxDelta)
}

func TestDeltaCovers(t *testing.T) {
	first, last := Delta{Seq: 9, FirstSeq: 7}.Covers()
	assert.Equal(t, [2]uint64{7, 9}, [2]uint64{first, last})
	first, last = Delta{Seq: 9}.Covers()
	assert.Equal(t, [2]uint64{9, 9}, [2]uint64{first, last})
}

func TestSnapshotFlatten(t *testing.T) {
	s := Snapshot{Entities: map[string]*Entity{
		"a1": {ID: "a1", Attrs: map[string]Attribute{"hp": {Value: 5.0}, "pos": {Value: Vec2{X: 1}}}},
	}}
	assert.Equal(t, map[string]any{"a1.hp": 5.0, "a1.pos": Vec2{X: 1}}, s.Flatten())
}

func TestTraitsOf(t *testing.T) {
	base := uint64(1)
	assert.True(t, TraitsOf(Move{}).Droppable)
	assert.True(t, TraitsOf(Bid{}).FlushImmediately)
	assert.True(t, TraitsOf(Set{BaseVersion: &base}).RequiresAck)
	assert.False(t, TraitsOf(Set{}).RequiresAck)
	assert.Equal(t, Traits{}, TraitsOf(Adjust{}))
}
