// Package utility holds a party's own additive preference model: a weight per
// issue and a normalized score per value.
package utility

import (
	"errors"
	"fmt"
	"math"

	"meanbot.ai/internal/negotiation/domain"
)

var (
	ErrUnsupportedDomainKind = errors.New("unsupported evaluator kind")
	ErrMissingEvaluation     = errors.New("missing evaluation")
	ErrInvalidProfile        = errors.New("invalid utility profile")
)

type EvaluatorKind string

const (
	EvalTable                 EvaluatorKind = "table"
	EvalLinear                EvaluatorKind = "linear"
	EvalTriangular            EvaluatorKind = "triangular"
	EvalTriangularVariableTop EvaluatorKind = "triangular_variable_top"
	EvalConstant              EvaluatorKind = "constant"
	EvalFaratin               EvaluatorKind = "faratin"
)

// Evaluator scores the values of one issue. Only EvalTable is evaluable;
// the functional kinds exist so profiles using them are rejected by name.
type Evaluator struct {
	Kind  EvaluatorKind
	Table map[domain.Value]float64
}

type IssueSpec struct {
	Issue     int
	Weight    float64
	Evaluator Evaluator
}

type Spec struct {
	Issues           []IssueSpec
	ReservationValue float64
	DiscountFactor   float64
}

// Entry is the per-issue pair of weight and normalized value scores.
type Entry struct {
	Weight float64
	Values map[domain.Value]float64
}

func (e Entry) clone() Entry {
	vals := make(map[domain.Value]float64, len(e.Values))
	for k, v := range e.Values {
		vals[k] = v
	}
	return Entry{Weight: e.Weight, Values: vals}
}

type Model struct {
	dom         *domain.Domain
	order       []int
	entries     map[int]Entry
	reservation float64
	discount    float64
	maxBid      domain.Bid
	maxUtil     float64
}

func Build(d *domain.Domain, spec Spec) (*Model, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil domain", ErrInvalidProfile)
	}
	if spec.ReservationValue < 0 || spec.ReservationValue > 1 {
		return nil, fmt.Errorf("%w: reservation value %g outside [0,1]", ErrInvalidProfile, spec.ReservationValue)
	}
	discount := spec.DiscountFactor
	if discount == 0 {
		discount = 1
	}
	if discount < 0 || discount > 1 {
		return nil, fmt.Errorf("%w: discount factor %g outside (0,1]", ErrInvalidProfile, spec.DiscountFactor)
	}

	byIssue := make(map[int]IssueSpec, len(spec.Issues))
	for _, is := range spec.Issues {
		if _, ok := d.Issue(is.Issue); !ok {
			return nil, fmt.Errorf("%w: evaluator for unknown issue %d", ErrInvalidProfile, is.Issue)
		}
		if _, dup := byIssue[is.Issue]; dup {
			return nil, fmt.Errorf("%w: issue %d evaluated twice", ErrInvalidProfile, is.Issue)
		}
		if is.Weight < 0 || math.IsNaN(is.Weight) {
			return nil, fmt.Errorf("%w: issue %d weight %g", ErrInvalidProfile, is.Issue, is.Weight)
		}
		byIssue[is.Issue] = is
	}

	weights := make(map[int]float64, d.Len())
	entries := make(map[int]Entry, d.Len())
	order := make([]int, 0, d.Len())
	for _, issue := range d.Issues() {
		order = append(order, issue.Number)
		is, ok := byIssue[issue.Number]
		if !ok {
			return nil, fmt.Errorf("%w: issue %d has no evaluator", ErrInvalidProfile, issue.Number)
		}
		raw, err := tableScores(d, issue, is.Evaluator)
		if err != nil {
			return nil, err
		}
		weights[issue.Number] = is.Weight
		entries[issue.Number] = Entry{Values: Normalize(raw)}
	}
	for n, w := range Normalize(weights) {
		e := entries[n]
		e.Weight = w
		entries[n] = e
	}

	m := &Model{
		dom:         d,
		order:       order,
		entries:     entries,
		reservation: spec.ReservationValue,
		discount:    discount,
	}
	if err := m.computeMax(); err != nil {
		return nil, err
	}
	return m, nil
}

func tableScores(d *domain.Domain, issue domain.Issue, ev Evaluator) (map[domain.Value]float64, error) {
	switch ev.Kind {
	case EvalTable:
	case EvalLinear, EvalTriangular, EvalTriangularVariableTop, EvalConstant, EvalFaratin:
		return nil, fmt.Errorf("%w: issue %d uses %s evaluator", ErrUnsupportedDomainKind, issue.Number, ev.Kind)
	default:
		return nil, fmt.Errorf("%w: issue %d uses evaluator %q", ErrUnsupportedDomainKind, issue.Number, ev.Kind)
	}

	raw := make(map[domain.Value]float64, len(d.Values(issue.Number)))
	for _, v := range d.Values(issue.Number) {
		raw[v] = 0
	}
	for v, score := range ev.Table {
		cv, ok := d.Canonical(issue.Number, v)
		if !ok {
			return nil, fmt.Errorf("%w: issue %d scores value %s outside its domain", ErrInvalidProfile, issue.Number, v)
		}
		if score < 0 || math.IsNaN(score) || math.IsInf(score, 0) {
			return nil, fmt.Errorf("%w: issue %d value %s score %g", ErrInvalidProfile, issue.Number, v, score)
		}
		raw[cv] = score
	}
	return raw, nil
}

// Normalize divides every weight by the total. A zero total yields a uniform
// distribution instead.
func Normalize[K comparable](raw map[K]float64) map[K]float64 {
	out := make(map[K]float64, len(raw))
	if len(raw) == 0 {
		return out
	}
	var sum float64
	for _, v := range raw {
		sum += v
	}
	if sum == 0 {
		u := 1 / float64(len(raw))
		for k := range raw {
			out[k] = u
		}
		return out
	}
	for k, v := range raw {
		out[k] = v / sum
	}
	return out
}

func (m *Model) computeMax() error {
	values := make(map[int]domain.Value, m.dom.Len())
	for _, issue := range m.dom.Issues() {
		e := m.entries[issue.Number]
		var (
			best  domain.Value
			score = math.Inf(-1)
		)
		for _, v := range m.dom.Values(issue.Number) {
			if w := e.Values[v]; w > score {
				best, score = v, w
			}
		}
		values[issue.Number] = best
	}
	bid, err := domain.NewBid(m.dom, values)
	if err != nil {
		return err
	}
	u, err := m.Utility(bid)
	if err != nil {
		return err
	}
	m.maxBid, m.maxUtil = bid, u
	return nil
}

func (m *Model) Domain() *domain.Domain { return m.dom }

func (m *Model) ReservationValue() float64 { return m.reservation }

func (m *Model) DiscountFactor() float64 { return m.discount }

// Utility is the weighted sum of normalized value scores for the bid.
func (m *Model) Utility(bid domain.Bid) (float64, error) {
	for _, n := range bid.Issues() {
		if _, ok := m.entries[n]; !ok {
			return 0, fmt.Errorf("%w: issue %d", ErrMissingEvaluation, n)
		}
	}
	var u float64
	for _, n := range m.order {
		e := m.entries[n]
		v, ok := bid.Value(n)
		if !ok {
			return 0, fmt.Errorf("%w: bid has no value for issue %d", ErrMissingEvaluation, n)
		}
		w, ok := e.Values[v]
		if !ok {
			return 0, fmt.Errorf("%w: issue %d value %s", ErrMissingEvaluation, n, v)
		}
		u += e.Weight * w
	}
	return u, nil
}

// Weight returns the normalized weight of an issue.
func (m *Model) Weight(issue int) float64 { return m.entries[issue].Weight }

// ValueWeight returns the normalized score of one value of an issue.
func (m *Model) ValueWeight(issue int, v domain.Value) (float64, bool) {
	e, ok := m.entries[issue]
	if !ok {
		return 0, false
	}
	w, ok := e.Values[v]
	return w, ok
}

// MaxUtilityBid is the per-issue argmax bid; exact for an additive model.
func (m *Model) MaxUtilityBid() (domain.Bid, float64) { return m.maxBid, m.maxUtil }

// Entries returns a copy of the model keyed by issue number.
func (m *Model) Entries() map[int]Entry {
	out := make(map[int]Entry, len(m.entries))
	for n, e := range m.entries {
		out[n] = e.clone()
	}
	return out
}
