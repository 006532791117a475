package scheduler

import (
	"sort"

	"github.com/mcdev12/statesync/go/internal/models"
	"github.com/mcdev12/statesync/go/internal/realtime/events"
	"github.com/mcdev12/statesync/go/internal/realtime/resolver"
)

// compatible lists the strategies each action kind may write through.
var compatible = map[models.ActionKind]map[models.Strategy]bool{
	models.ActionSpawn: {
		models.StrategyLWW: true, models.StrategyAccumulative: true,
		models.StrategyAuthoritative: true, models.StrategyPriority: true,
	},
	models.ActionMove: {
		models.StrategyLWW: true, models.StrategyAuthoritative: true, models.StrategyPriority: true,
	},
	models.ActionSet: {
		models.StrategyLWW: true, models.StrategyAuthoritative: true, models.StrategyPriority: true,
	},
	models.ActionTransition: {
		models.StrategyLWW: true, models.StrategyAuthoritative: true, models.StrategyPriority: true,
	},
	models.ActionAdjust: {models.StrategyAccumulative: true},
	models.ActionBid:    {models.StrategyPriority: true},
}

// propose runs the stateful checks for one input and stages its proposals.
// Every input reaching this point is acknowledged, accepted or not.
func (s *Session) propose(in models.InputEvent, ts *tickState) {
	s.ack(in, ts)
	traits := models.TraitsOf(in.Action)
	if traits.RequiresAck {
		ts.requires[inputKey{in.ParticipantID, in.Seq}] = true
	}

	code, field := s.stage(in, ts)
	if code != "" {
		ts.rejected++
		s.sendRejection(in.ParticipantID, events.Rejection{Code: code, Field: field, Seq: in.Seq}, ts.now)
		return
	}
	ts.flush = ts.flush || traits.FlushImmediately
	ts.droppable = ts.droppable && traits.Droppable
}

func (s *Session) stage(in models.InputEvent, ts *tickState) (events.ReasonCode, string) {
	who := in.ParticipantID
	at := in.ClaimedAt
	if at.IsZero() {
		at = in.ReceivedAt
	}
	base := resolver.Proposal{
		Writer:    who,
		Seq:       in.Seq,
		Timestamp: at,
		Priority:  s.typ.PriorityOf(who),
	}

	if spawn, ok := in.Action.(models.Spawn); ok {
		if _, exists := s.store.Entity(spawn.Entity); exists {
			return events.ReasonAlreadyExists, "action.entity"
		}
		for _, attr := range sortedKeys(spawn.Attrs) {
			rule := s.typ.RuleFor(attr)
			if !compatible[models.ActionSpawn][rule.Strategy] {
				return events.ReasonInvalidTarget, "action.attrs." + attr
			}
			if rule.Strategy == models.StrategyAuthoritative && who != rule.Authority {
				return events.ReasonNotAuthority, "action.attrs." + attr
			}
		}
		owner := who
		if who == s.typ.Authority {
			// Authority spawned entities are shared world state.
			owner = ""
		}
		s.store.EnsureEntity(spawn.Entity, owner)
		for attr, v := range spawn.Attrs {
			rule := s.typ.RuleFor(attr)
			p := base
			p.Path = models.JoinPath(spawn.Entity, attr)
			p.Value = v
			p.Init = true
			if n, ok := models.Number(v); ok && rule.Strategy == models.StrategyPriority && rule.Monotonic {
				// A seeded amount is the standing offer later bids must beat.
				p.Priority = n
			}
			_ = s.store.Propose(p)
		}
		return "", ""
	}

	entity, ok := s.store.Entity(in.Action.Target())
	if !ok {
		return events.ReasonUnknownEntity, "action.entity"
	}
	_, isBid := in.Action.(models.Bid)
	if !isBid && entity.Owner != "" && entity.Owner != who && who != s.typ.Authority {
		return events.ReasonNotOwner, "action.entity"
	}

	switch a := in.Action.(type) {
	case models.Move:
		path := models.JoinPath(a.Entity, models.AttrPosition)
		if !compatible[a.Kind()][s.typ.RuleFor(models.AttrPosition).Strategy] {
			return events.ReasonInvalidTarget, "action.entity"
		}
		// Each writer's moves start from the stored position; concurrent
		// movers of one entity then resolve by the path's strategy.
		key := moveKey{entity: a.Entity, writer: who}
		pos, seen := ts.positions[key]
		if !seen {
			if cur, ok := s.store.Get(path); ok {
				pos, _ = cur.(models.Vec2)
			}
		}
		pos = pos.Add(a.DX, a.DY)
		ts.positions[key] = pos
		p := base
		p.Path = path
		p.Value = pos
		p.Timestamp = ts.now
		_ = s.store.Propose(p)

	case models.Set:
		if !compatible[a.Kind()][s.typ.RuleFor(a.Attr).Strategy] {
			return events.ReasonInvalidTarget, "action.attr"
		}
		p := base
		p.Path = models.JoinPath(a.Entity, a.Attr)
		p.Value = a.Value
		if a.BaseVersion != nil {
			p.Version = *a.BaseVersion + 1
		}
		_ = s.store.Propose(p)

	case models.Adjust:
		if !compatible[a.Kind()][s.typ.RuleFor(a.Attr).Strategy] {
			return events.ReasonInvalidTarget, "action.attr"
		}
		p := base
		p.Path = models.JoinPath(a.Entity, a.Attr)
		p.Op = a.Op
		p.Magnitude = a.Magnitude
		_ = s.store.Propose(p)

	case models.Bid:
		if !compatible[a.Kind()][s.typ.RuleFor(models.AttrBid).Strategy] {
			return events.ReasonInvalidTarget, "action.entity"
		}
		rule := s.typ.RuleFor(models.AttrBid)
		if cur, ok := s.store.Attribute(models.JoinPath(a.Entity, models.AttrBid)); ok && rule.Monotonic && a.Amount <= cur.Priority {
			return events.ReasonOutbid, "action.amount"
		}
		bid := base
		bid.Path = models.JoinPath(a.Entity, models.AttrBid)
		bid.Value = a.Amount
		bid.Priority = a.Amount
		bidder := bid
		bidder.Path = models.JoinPath(a.Entity, models.AttrBidder)
		bidder.Value = who
		_ = s.store.Propose(bid)
		_ = s.store.Propose(bidder)

	case models.Transition:
		rule := s.typ.RuleFor(a.Attr)
		if !compatible[a.Kind()][rule.Strategy] {
			return events.ReasonInvalidTarget, "action.attr"
		}
		path := models.JoinPath(a.Entity, a.Attr)
		from, seen := ts.statuses[path]
		if !seen {
			if cur, ok := s.store.Get(path); ok {
				from, _ = cur.(string)
			}
		}
		if !rule.CanTransition(from, a.To) {
			return events.ReasonInvalidTransition, "action.to"
		}
		ts.statuses[path] = a.To
		p := base
		p.Path = path
		p.Value = a.To
		_ = s.store.Propose(p)

	default:
		return events.ReasonUnknownAction, "action.kind"
	}
	return "", ""
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
