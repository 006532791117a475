package models

import (
	"fmt"
	"strings"
	"time"
)

// RateLimit bounds how many inputs a participant may submit per window.
type RateLimit struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
}

// PathRule binds a resolution strategy and bounds to an attribute path.
// Attr may end in ".*" to match any sub-path. Min and Max bound written
// values; MaxDelta bounds a single adjustment.
type PathRule struct {
	Attr        string              `yaml:"attr"`
	Strategy    Strategy            `yaml:"strategy"`
	Floor       float64             `yaml:"floor"`
	NoFloor     bool                `yaml:"no_floor"`
	Ceiling     *float64            `yaml:"ceiling"`
	Min         *float64            `yaml:"min"`
	Max         *float64            `yaml:"max"`
	MaxDelta    *float64            `yaml:"max_delta"`
	Authority   string              `yaml:"authority"`
	Monotonic   bool                `yaml:"monotonic"`
	Transitions map[string][]string `yaml:"transitions"`
	Flush       bool                `yaml:"flush"`
	// Droppable marks values whose deltas may be coalesced or dropped
	// under backpressure. A delta is droppable only when all of its paths are.
	Droppable bool `yaml:"droppable"`
}

func (r PathRule) matches(attr string) bool {
	if prefix, ok := strings.CutSuffix(r.Attr, ".*"); ok {
		return strings.HasPrefix(attr, prefix+".")
	}
	return r.Attr == attr
}

// CanTransition reports whether from -> to is an edge of the rule's graph.
// An empty graph allows every transition.
func (r PathRule) CanTransition(from, to string) bool {
	if len(r.Transitions) == 0 {
		return true
	}
	for _, next := range r.Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SessionType is the static configuration a session is created from.
type SessionType struct {
	Name               string             `yaml:"name"`
	TickRate           int                `yaml:"tick_rate"`
	BatchWindow        time.Duration      `yaml:"batch_window"`
	MaxPayloadBytes    int                `yaml:"max_payload_bytes"`
	MaxSpeed           float64            `yaml:"max_speed"`
	SkewTolerance      time.Duration      `yaml:"skew_tolerance"`
	RateLimit          RateLimit          `yaml:"rate_limit"`
	LateWindow         uint64             `yaml:"late_window"`
	FutureWindow       uint64             `yaml:"future_window"`
	SnapshotEveryTicks uint64             `yaml:"snapshot_every_ticks"`
	SnapshotInterval   time.Duration      `yaml:"snapshot_interval"`
	SnapshotCapacity   int                `yaml:"snapshot_capacity"`
	TickBudget         time.Duration      `yaml:"tick_budget"`
	InboxCapacity      int                `yaml:"inbox_capacity"`
	OutboundCapacity   int                `yaml:"outbound_capacity"`
	Authority          string             `yaml:"authority"`
	GracePeriod        time.Duration      `yaml:"grace_period"`
	DisconnectPolicy   DisconnectPolicy   `yaml:"disconnect_policy"`
	FinishedRetention  time.Duration      `yaml:"finished_retention"`
	WriterPriority     map[string]float64 `yaml:"writer_priority"`
	Paths              []PathRule         `yaml:"paths"`
}

// DefaultAuthority is the writer id of the server-side controller.
const DefaultAuthority = "server"

// ControllerAI marks an entity driven by the server after its owner was abandoned.
const ControllerAI = "ai"

// PriorityOf returns the configured priority of a writer.
func (t SessionType) PriorityOf(writer string) float64 {
	return t.WriterPriority[writer]
}

// WithDefaults returns a copy of t with zero fields filled in.
func (t SessionType) WithDefaults() SessionType {
	if t.TickRate <= 0 {
		t.TickRate = 20
	}
	if t.BatchWindow <= 0 {
		t.BatchWindow = 50 * time.Millisecond
	}
	if t.MaxPayloadBytes <= 0 {
		t.MaxPayloadBytes = 32 * 1024
	}
	if t.SkewTolerance <= 0 {
		t.SkewTolerance = 500 * time.Millisecond
	}
	if t.RateLimit.Threshold <= 0 {
		t.RateLimit.Threshold = 60
	}
	if t.RateLimit.Window <= 0 {
		t.RateLimit.Window = time.Second
	}
	if t.LateWindow == 0 {
		t.LateWindow = 5
	}
	if t.FutureWindow == 0 {
		t.FutureWindow = 20
	}
	if t.SnapshotEveryTicks == 0 && t.SnapshotInterval == 0 {
		t.SnapshotEveryTicks = 100
	}
	if t.SnapshotCapacity <= 0 {
		t.SnapshotCapacity = 8
	}
	if t.TickBudget <= 0 {
		t.TickBudget = t.TickDuration() / 2
	}
	if t.InboxCapacity <= 0 {
		t.InboxCapacity = 1024
	}
	if t.OutboundCapacity <= 0 {
		t.OutboundCapacity = 256
	}
	if t.Authority == "" {
		t.Authority = DefaultAuthority
	}
	if t.GracePeriod <= 0 {
		t.GracePeriod = 10 * time.Second
	}
	if t.DisconnectPolicy == "" {
		t.DisconnectPolicy = DisconnectTakeover
	}
	if t.FinishedRetention <= 0 {
		t.FinishedRetention = time.Minute
	}
	return t
}

// Validate checks the type for configuration errors.
func (t SessionType) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("session type name is required")
	}
	switch t.DisconnectPolicy {
	case "", DisconnectTakeover, DisconnectPause:
	default:
		return fmt.Errorf("session type %s: unknown disconnect policy %q", t.Name, t.DisconnectPolicy)
	}
	for _, r := range t.Paths {
		if r.Attr == "" {
			return fmt.Errorf("session type %s: path rule without attr", t.Name)
		}
		if !r.Strategy.Valid() {
			return fmt.Errorf("session type %s: path %s: unknown strategy %q", t.Name, r.Attr, r.Strategy)
		}
	}
	return nil
}

// TickDuration is the wall time of one tick.
func (t SessionType) TickDuration() time.Duration {
	rate := t.TickRate
	if rate <= 0 {
		rate = 20
	}
	return time.Second / time.Duration(rate)
}

// RuleFor returns the rule for an attribute path. Exact matches win over
// wildcards; unmatched paths resolve last-write-wins, and only an unmatched
// position path is droppable. The bidder path shares the bid rule so both
// resolve to the same winner.
func (t SessionType) RuleFor(attr string) PathRule {
	if attr == AttrBidder {
		if r, ok := t.exact(AttrBidder); ok {
			return t.withAuthority(r)
		}
		r := t.RuleFor(AttrBid)
		r.Attr = AttrBidder
		return r
	}
	if attr == AttrBid {
		if r, ok := t.exact(AttrBid); ok {
			return t.withAuthority(r)
		}
		return t.withAuthority(PathRule{Attr: AttrBid, Strategy: StrategyPriority, Monotonic: true, Flush: true})
	}
	var wildcard *PathRule
	for i := range t.Paths {
		r := t.Paths[i]
		if r.Attr == attr {
			return t.withAuthority(r)
		}
		if wildcard == nil && r.matches(attr) {
			wildcard = &t.Paths[i]
		}
	}
	if wildcard != nil {
		r := *wildcard
		r.Attr = attr
		return t.withAuthority(r)
	}
	return t.withAuthority(PathRule{Attr: attr, Strategy: StrategyLWW, Droppable: attr == AttrPosition})
}

func (t SessionType) exact(attr string) (PathRule, bool) {
	for _, r := range t.Paths {
		if r.Attr == attr {
			return r, true
		}
	}
	return PathRule{}, false
}

func (t SessionType) withAuthority(r PathRule) PathRule {
	if r.Authority == "" {
		r.Authority = t.Authority
	}
	if r.Strategy == "" {
		r.Strategy = StrategyLWW
	}
	return r
}
