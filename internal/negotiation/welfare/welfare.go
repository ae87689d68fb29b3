// Package welfare searches for the bid that is best for everyone at the
// table, as far as the opponent estimates can tell.
package welfare

import (
	"fmt"
	"math"

	"meanbot.ai/internal/negotiation/domain"
	"meanbot.ai/internal/negotiation/utility"
)

type Mode string

const (
	ModeProduct Mode = "product"
	ModeSum     Mode = "sum"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeProduct, "":
		return ModeProduct, nil
	case ModeSum:
		return ModeSum, nil
	default:
		return "", fmt.Errorf("unknown welfare mode %q", s)
	}
}

// Estimator is an opponent's estimated preference structure.
type Estimator interface {
	ValueWeight(issue int, v domain.Value) float64
	EstimatedUtility(bid domain.Bid) float64
}

type Search struct {
	own  *utility.Model
	mode Mode
}

func New(own *utility.Model, mode Mode) (*Search, error) {
	if own == nil {
		return nil, fmt.Errorf("welfare search needs a utility model")
	}
	switch mode {
	case ModeProduct, ModeSum:
	default:
		return nil, fmt.Errorf("unknown welfare mode %q", mode)
	}
	return &Search{own: own, mode: mode}, nil
}

func (s *Search) Mode() Mode { return s.mode }

func (s *Search) combine(acc, x float64) float64 {
	if s.mode == ModeSum {
		return acc + x
	}
	return acc * x
}

// BestAssignment picks, issue by issue, the value with the highest combined
// score of own value weight and every opponent's estimated value weight.
// Issues are treated as independent; joint assignments are not searched.
// Ties keep the earlier value in domain order.
func (s *Search) BestAssignment(opps []Estimator) map[int]domain.Value {
	dom := s.own.Domain()
	out := make(map[int]domain.Value, dom.Len())
	for _, issue := range dom.Issues() {
		var (
			argmax domain.Value
			best   float64
		)
		for _, v := range dom.Values(issue.Number) {
			score, _ := s.own.ValueWeight(issue.Number, v)
			for _, o := range opps {
				score = s.combine(score, o.ValueWeight(issue.Number, v))
			}
			if argmax.IsZero() || score > best {
				argmax, best = v, score
			}
		}
		out[issue.Number] = argmax
	}
	return out
}

// WelfareBid packages BestAssignment into a bid.
func (s *Search) WelfareBid(opps []Estimator) (domain.Bid, error) {
	return domain.NewBid(s.own.Domain(), s.BestAssignment(opps))
}

// Aggregate is the social welfare of a bid: the n-th root of the product of
// utilities, or their mean, over n parties. parties below the number of
// known participants is raised to it.
func (s *Search) Aggregate(bid domain.Bid, opps []Estimator, parties int) (float64, error) {
	u, err := s.own.Utility(bid)
	if err != nil {
		return 0, err
	}
	for _, o := range opps {
		u = s.combine(u, o.EstimatedUtility(bid))
	}
	n := parties
	if n < len(opps)+1 {
		n = len(opps) + 1
	}
	if s.mode == ModeSum {
		return u / float64(n), nil
	}
	return math.Pow(u, 1/float64(n)), nil
}
