// Package opponent estimates other parties' value preferences from the
// offers they make, by frequency counting.
package opponent

import (
	"fmt"

	"meanbot.ai/internal/negotiation/action"
	"meanbot.ai/internal/negotiation/domain"
	"meanbot.ai/internal/negotiation/utility"
)

// Weighting decides how much mass one observation adds.
type Weighting int

const (
	// WeightUnit adds 1 per observation.
	WeightUnit Weighting = iota + 1
	// WeightRecency adds 1/n for the n-th observation, so later offers move
	// the estimate less than earlier ones.
	WeightRecency
)

func (w Weighting) String() string {
	switch w {
	case WeightUnit:
		return "unit"
	case WeightRecency:
		return "recency"
	default:
		return "unknown"
	}
}

func ParseWeighting(s string) (Weighting, error) {
	switch s {
	case "unit", "":
		return WeightUnit, nil
	case "recency":
		return WeightRecency, nil
	default:
		return 0, fmt.Errorf("unknown opponent weighting %q", s)
	}
}

// Record is the model of one opponent for the life of one session.
type Record struct {
	id        string
	dom       *domain.Domain
	weighting Weighting

	history []action.Action
	n       int
	mass    map[int]map[domain.Value]float64
	est     map[int]map[domain.Value]float64
}

// NewRecord starts every known value at zero before any observation.
func NewRecord(id string, d *domain.Domain, w Weighting) *Record {
	if w == 0 {
		w = WeightUnit
	}
	r := &Record{
		id:        id,
		dom:       d,
		weighting: w,
		mass:      make(map[int]map[domain.Value]float64, d.Len()),
		est:       make(map[int]map[domain.Value]float64, d.Len()),
	}
	for _, issue := range d.Issues() {
		vals := d.Values(issue.Number)
		m := make(map[domain.Value]float64, len(vals))
		e := make(map[domain.Value]float64, len(vals))
		for _, v := range vals {
			m[v] = 0
			e[v] = 0
		}
		r.mass[issue.Number] = m
		r.est[issue.Number] = e
	}
	return r
}

func (r *Record) ID() string           { return r.id }
func (r *Record) Weighting() Weighting { return r.weighting }
func (r *Record) Observations() int    { return r.n }

// Add appends an action to the history; offers also update the estimate.
func (r *Record) Add(a action.Action) {
	if a.IsOffer() {
		r.Observe(a.Bid)
		return
	}
	r.history = append(r.history, a)
}

// Observe records an offered bid and renormalizes every issue it covers.
func (r *Record) Observe(bid domain.Bid) {
	r.history = append(r.history, action.Offer(bid))
	r.n++
	inc := 1.0
	if r.weighting == WeightRecency {
		inc = 1 / float64(r.n)
	}
	for _, issue := range bid.Issues() {
		m, ok := r.mass[issue]
		if !ok {
			continue
		}
		v, _ := bid.Value(issue)
		m[v] += inc
		r.est[issue] = utility.Normalize(m)
	}
}

// History returns the actions seen so far, oldest first.
func (r *Record) History() []action.Action {
	out := make([]action.Action, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Record) LastAction() (action.Action, bool) {
	if len(r.history) == 0 {
		return action.Action{}, false
	}
	return r.history[len(r.history)-1], true
}

// ValueWeight is the estimated normalized weight of a value; unknown
// issues and values score 0.
func (r *Record) ValueWeight(issue int, v domain.Value) float64 {
	return r.est[issue][v]
}

// EstimatedUtility scores a bid with uniform issue weights over the domain.
// It never fails: anything the record does not know contributes 0.
func (r *Record) EstimatedUtility(bid domain.Bid) float64 {
	if len(r.est) == 0 {
		return 0
	}
	w := 1 / float64(len(r.est))
	var u float64
	for _, issue := range r.dom.Issues() {
		v, ok := bid.Value(issue.Number)
		if !ok {
			continue
		}
		u += w * r.est[issue.Number][v]
	}
	return u
}

// Estimates returns a copy of the normalized estimate keyed by issue.
func (r *Record) Estimates() map[int]map[domain.Value]float64 {
	out := make(map[int]map[domain.Value]float64, len(r.est))
	for n, vals := range r.est {
		cp := make(map[domain.Value]float64, len(vals))
		for v, w := range vals {
			cp[v] = w
		}
		out[n] = cp
	}
	return out
}

// Registry holds one record per opponent for a single session. It is not
// safe for concurrent use; each session owns its registry.
type Registry struct {
	dom       *domain.Domain
	weighting Weighting
	records   map[string]*Record
	order     []string
}

func NewRegistry(d *domain.Domain, w Weighting) *Registry {
	return &Registry{dom: d, weighting: w, records: map[string]*Record{}}
}

func (g *Registry) Get(id string) (*Record, bool) {
	r, ok := g.records[id]
	return r, ok
}

// Ensure returns the record for id, creating it on first contact.
func (g *Registry) Ensure(id string) *Record {
	if r, ok := g.records[id]; ok {
		return r
	}
	r := NewRecord(id, g.dom, g.weighting)
	g.records[id] = r
	g.order = append(g.order, id)
	return r
}

func (g *Registry) Len() int { return len(g.records) }

// Records returns the records in first-contact order.
func (g *Registry) Records() []*Record {
	out := make([]*Record, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.records[id])
	}
	return out
}
