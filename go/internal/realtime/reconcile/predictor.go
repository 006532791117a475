package reconcile

import (
	"sort"

	"github.com/mcdev12/statesync/go/internal/models"
)

// StepFunc applies one action to a flattened state in place. It is the
// client's local simulation and only needs to approximate the authority.
type StepFunc func(state map[string]any, participant string, a models.Action)

// Pending is a predicted input that the authority has not acknowledged yet.
type Pending struct {
	Seq    uint64
	Action models.Action
}

// Predictor applies a participant's own inputs immediately and rolls them
// back onto each authoritative state it is given.
type Predictor struct {
	participant string
	step        StepFunc

	pending   []Pending
	predicted map[string]any
}

// NewPredictor creates a predictor. A nil step uses ApplyLocal.
func NewPredictor(participant string, step StepFunc) *Predictor {
	if step == nil {
		step = ApplyLocal
	}
	return &Predictor{
		participant: participant,
		step:        step,
		predicted:   make(map[string]any),
	}
}

// Predict records an input and applies it to the predicted state.
func (p *Predictor) Predict(seq uint64, a models.Action) {
	p.pending = append(p.pending, Pending{Seq: seq, Action: a})
	sort.SliceStable(p.pending, func(i, j int) bool { return p.pending[i].Seq < p.pending[j].Seq })
	p.step(p.predicted, p.participant, a)
}

// Reconcile drops inputs acknowledged up to acked, resets to authoritative
// and replays the rest in seq order. It returns the replayed seqs.
func (p *Predictor) Reconcile(authoritative map[string]any, acked uint64) []uint64 {
	keep := p.pending[:0]
	for _, in := range p.pending {
		if in.Seq > acked {
			keep = append(keep, in)
		}
	}
	p.pending = keep

	p.predicted = make(map[string]any, len(authoritative))
	for path, v := range authoritative {
		p.predicted[path] = v
	}
	replayed := make([]uint64, 0, len(p.pending))
	for _, in := range p.pending {
		p.step(p.predicted, p.participant, in.Action)
		replayed = append(replayed, in.Seq)
	}
	return replayed
}

// Pending returns the unacknowledged seqs.
func (p *Predictor) Pending() []uint64 {
	out := make([]uint64, len(p.pending))
	for i, in := range p.pending {
		out[i] = in.Seq
	}
	return out
}

// Get returns the predicted value at path.
func (p *Predictor) Get(path string) (any, bool) {
	v, ok := p.predicted[path]
	return v, ok
}

// ApplyLocal is the default local simulation. It mirrors the authority for
// a single writer and ignores conflicts.
func ApplyLocal(state map[string]any, participant string, a models.Action) {
	switch a := a.(type) {
	case models.Spawn:
		for attr, v := range a.Attrs {
			if n, err := models.NormalizeValue(v); err == nil {
				state[models.JoinPath(a.Entity, attr)] = n
			}
		}
	case models.Move:
		path := models.JoinPath(a.Entity, models.AttrPosition)
		pos, _ := state[path].(models.Vec2)
		state[path] = pos.Add(a.DX, a.DY)
	case models.Set:
		if n, err := models.NormalizeValue(a.Value); err == nil {
			state[models.JoinPath(a.Entity, a.Attr)] = n
		}
	case models.Adjust:
		path := models.JoinPath(a.Entity, a.Attr)
		cur, _ := models.Number(state[path])
		if a.Op == models.OpDecrement {
			cur -= a.Magnitude
		} else {
			cur += a.Magnitude
		}
		state[path] = cur
	case models.Bid:
		cur, _ := models.Number(state[models.JoinPath(a.Entity, models.AttrBid)])
		if a.Amount > cur {
			state[models.JoinPath(a.Entity, models.AttrBid)] = a.Amount
			state[models.JoinPath(a.Entity, models.AttrBidder)] = participant
		}
	case models.Transition:
		state[models.JoinPath(a.Entity, a.Attr)] = a.To
	}
}
