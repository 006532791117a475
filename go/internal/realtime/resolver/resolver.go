// Package resolver decides the outcome of concurrent writes to a single path.
// Resolve is a pure function of the prior attribute, the path rule and the
// set of proposals, so replaying a tick always yields the same state.
package resolver

import (
	"math"
	"sort"
	"time"

	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
)

// Proposal is a candidate write to one path within one tick.
type Proposal struct {
	Path      string
	Writer    string
	Seq       uint64
	Value     any
	Op        models.AdjustOp
	Magnitude float64
	Timestamp time.Time
	// Version is the writer's claimed version; zero means unversioned.
	Version  uint64
	Priority float64
	// Init seeds a path that has no prior value.
	Init bool
}

// Rejected pairs a proposal with the reason it was refused.
type Rejected struct {
	Proposal Proposal
	Code     events.ReasonCode
	Err      error
}

// Outcome is the resolver's decision for one path.
type Outcome struct {
	Applied   bool
	Value     any
	Timestamp time.Time
	Writer    string
	Priority  float64
	// Accepted proposals contributed to the applied value.
	Accepted []Proposal
	// Superseded proposals lost a conflict but were otherwise valid.
	Superseded []Proposal
	Rejected   []Rejected
}

// Resolve applies rule to proposals against prior, which may be nil.
func Resolve(prior *models.Attribute, rule models.PathRule, proposals []Proposal) Outcome {
	var out Outcome
	if len(proposals) == 0 {
		return out
	}
	ps := canonical(proposals)

	live := ps[:0:0]
	for _, p := range ps {
		switch {
		case p.Init && prior != nil:
			out.reject(p, events.ReasonAlreadyExists, nil)
		case prior != nil && p.Version != 0 && p.Version <= prior.Version:
			out.reject(p, events.ReasonStaleWrite, events.ErrStaleWrite)
		default:
			live = append(live, p)
		}
	}
	if len(live) == 0 {
		return out
	}

	switch rule.Strategy {
	case models.StrategyAccumulative:
		out.accumulate(prior, rule, live)
	case models.StrategyAuthoritative:
		allowed := live[:0:0]
		for _, p := range live {
			if p.Writer == rule.Authority {
				allowed = append(allowed, p)
				continue
			}
			out.reject(p, events.ReasonNotAuthority, nil)
		}
		out.lastWriteWins(prior, allowed)
	case models.StrategyPriority:
		out.priority(prior, rule, live)
	default:
		out.lastWriteWins(prior, live)
	}
	return out
}

// canonical copies and sorts proposals so the outcome never depends on arrival order.
func canonical(in []Proposal) []Proposal {
	ps := make([]Proposal, len(in))
	copy(ps, in)
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Writer != b.Writer {
			return a.Writer < b.Writer
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Priority < b.Priority
	})
	return ps
}

// newer reports whether a beats b under last-write-wins: later timestamp,
// then lexically smaller writer, then the writer's later input.
func newer(a, b Proposal) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.Writer != b.Writer {
		return a.Writer < b.Writer
	}
	return a.Seq > b.Seq
}

func (o *Outcome) reject(p Proposal, code events.ReasonCode, err error) {
	o.Rejected = append(o.Rejected, Rejected{Proposal: p, Code: code, Err: err})
}

func (o *Outcome) lastWriteWins(prior *models.Attribute, ps []Proposal) {
	if len(ps) == 0 {
		return
	}
	win := 0
	for i := 1; i < len(ps); i++ {
		if newer(ps[i], ps[win]) {
			win = i
		}
	}
	w := ps[win]
	if prior != nil && w.Timestamp.Before(prior.Timestamp) {
		for _, p := range ps {
			o.reject(p, events.ReasonStaleWrite, events.ErrStaleWrite)
		}
		return
	}
	o.apply(w)
	for i, p := range ps {
		if i != win {
			o.Superseded = append(o.Superseded, p)
		}
	}
}

func (o *Outcome) apply(w Proposal) {
	o.Applied = true
	o.Value = w.Value
	o.Timestamp = w.Timestamp
	o.Writer = w.Writer
	o.Priority = w.Priority
	o.Accepted = append(o.Accepted, w)
}

func (o *Outcome) accumulate(prior *models.Attribute, rule models.PathRule, ps []Proposal) {
	base, seeded := 0.0, false
	if prior != nil {
		n, ok := models.Number(prior.Value)
		if !ok {
			for _, p := range ps {
				o.reject(p, events.ReasonInvalidTarget, nil)
			}
			return
		}
		base = n
	}

	var (
		sum    float64
		last   Proposal
		inits  []Proposal
		adjust []Proposal
	)
	for _, p := range ps {
		if p.Init {
			inits = append(inits, p)
			continue
		}
		if p.Magnitude < 0 || math.IsNaN(p.Magnitude) {
			o.reject(p, events.ReasonNegativeMagnitude, nil)
			continue
		}
		adjust = append(adjust, p)
	}
	if len(inits) > 0 {
		seed := inits[0]
		for _, p := range inits[1:] {
			if newer(p, seed) {
				seed = p
			}
		}
		if n, ok := models.Number(seed.Value); ok {
			base, seeded = n, true
			last = seed
			o.Accepted = append(o.Accepted, seed)
		}
		for _, p := range inits {
			if p.Writer != seed.Writer || p.Seq != seed.Seq {
				o.Superseded = append(o.Superseded, p)
			}
		}
	}
	for _, p := range adjust {
		switch p.Op {
		case models.OpDecrement:
			sum -= p.Magnitude
		default:
			sum += p.Magnitude
		}
		if len(o.Accepted) == 0 || newer(p, last) {
			last = p
		}
		o.Accepted = append(o.Accepted, p)
	}
	if len(o.Accepted) == 0 {
		return
	}

	value := base + sum
	if !rule.NoFloor && value < rule.Floor {
		value = rule.Floor
	}
	if rule.Ceiling != nil && value > *rule.Ceiling {
		value = *rule.Ceiling
	}
	if prior != nil && !seeded {
		if pv, _ := models.Number(prior.Value); pv == value {
			return
		}
	}
	o.Applied = true
	o.Value = value
	o.Timestamp = last.Timestamp
	o.Writer = last.Writer
}

func (o *Outcome) priority(prior *models.Attribute, rule models.PathRule, ps []Proposal) {
	top := ps[0].Priority
	for _, p := range ps[1:] {
		if p.Priority > top {
			top = p.Priority
		}
	}
	var contenders []Proposal
	for _, p := range ps {
		if p.Priority == top {
			contenders = append(contenders, p)
			continue
		}
		if rule.Monotonic {
			o.reject(p, events.ReasonOutbid, nil)
		} else {
			o.Superseded = append(o.Superseded, p)
		}
	}
	if rule.Monotonic && prior != nil && top <= prior.Priority {
		for _, p := range contenders {
			o.reject(p, events.ReasonOutbid, nil)
		}
		return
	}
	win := 0
	for i := 1; i < len(contenders); i++ {
		if newer(contenders[i], contenders[win]) {
			win = i
		}
	}
	o.apply(contenders[win])
	for i, p := range contenders {
		if i != win {
			o.Superseded = append(o.Superseded, p)
		}
	}
}
