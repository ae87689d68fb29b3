// Package concession decides, per turn, how much the party is willing to
// give up and whether to take the offer on the table.
package concession

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var (
	ErrOutOfRangeUtility = errors.New("utility out of range")
	ErrOutOfRangeTime    = errors.New("time out of range")
)

// utilitySlack tolerates normalization error above 1.
const utilitySlack = 1.05

// AcceptProbability returns the probability of accepting an offer worth u
// at elapsed fraction t. Time is cubed so the curve steepens near the
// deadline; at t³ = 0.5 the probability is u itself.
func AcceptProbability(u, t float64) (float64, error) {
	tc := t * t * t
	if u < 0 || u > utilitySlack || math.IsNaN(u) {
		return 0, fmt.Errorf("%w: %g outside [0,1]", ErrOutOfRangeUtility, u)
	}
	if tc < 0 || tc > 1 || math.IsNaN(tc) {
		return 0, fmt.Errorf("%w: %g outside [0,1]", ErrOutOfRangeTime, tc)
	}
	if u > 1 {
		u = 1
	}
	d := 2*tc - 1
	if math.Abs(d) < 1e-9 {
		return u, nil
	}
	p := (u - 2*u*tc + 2*(tc-1+math.Sqrt(sq(tc-1)+u*d))) / d
	return math.Max(0, math.Min(1, p)), nil
}

func sq(x float64) float64 { return x * x }

// ProposalKind says which counter-offer the engine should build.
type ProposalKind int

const (
	ProposeRandom ProposalKind = iota + 1
	ProposeWelfare
)

func (k ProposalKind) String() string {
	switch k {
	case ProposeRandom:
		return "random"
	case ProposeWelfare:
		return "welfare"
	default:
		return "none"
	}
}

// Offered describes the opponent's pending offer.
type Offered struct {
	Utility float64 // own utility of the offer
	Welfare float64 // social welfare of the offer
}

// Input is everything a policy may look at for one turn.
type Input struct {
	Time           float64
	NextTime       float64
	DeadlineHit    bool
	Discount       float64
	Reservation    float64
	WelfareOptimum float64 // social welfare of the welfare-maximizing bid
	Offer          *Offered
}

// Decision carries the choice and the numbers it was based on.
type Decision struct {
	Accept      bool         `json:"accept"`
	Propose     ProposalKind `json:"propose,omitempty"`
	Threshold   float64      `json:"threshold"`
	Probability float64      `json:"probability,omitempty"`
	EUDeal      float64      `json:"eu_deal,omitempty"`
	EUNext      float64      `json:"eu_next,omitempty"`
}

type Policy interface {
	Name() string
	Decide(in Input) (Decision, error)
}

type Kind string

const (
	KindStochastic Kind = "stochastic"
	KindWelfare    Kind = "welfare"
)

func New(kind Kind, rng *rand.Rand) (Policy, error) {
	switch kind {
	case KindStochastic:
		return NewStochastic(rng), nil
	case KindWelfare, "":
		return Welfare{}, nil
	default:
		return nil, fmt.Errorf("unknown concession policy %q", kind)
	}
}

// Stochastic accepts with probability AcceptProbability(offer utility, t)
// and otherwise proposes a random bid above the reservation value.
type Stochastic struct {
	rng *rand.Rand
}

func NewStochastic(rng *rand.Rand) *Stochastic {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Stochastic{rng: rng}
}

func (*Stochastic) Name() string { return string(KindStochastic) }

func (s *Stochastic) Decide(in Input) (Decision, error) {
	d := Decision{Propose: ProposeRandom, Threshold: in.Reservation}
	if in.Offer == nil {
		return d, nil
	}
	p, err := AcceptProbability(in.Offer.Utility, in.Time)
	if err != nil {
		return d, err
	}
	d.Probability = p
	d.Accept = s.rng.Float64() < p
	return d, nil
}

// Welfare is the deterministic policy built on the expected value of a deal
// now (EUDeal) against the value of waiting for the next counter-offer
// (EUNext).
type Welfare struct{}

func (Welfare) Name() string { return string(KindWelfare) }

func (Welfare) Decide(in Input) (Decision, error) {
	if in.Time < 0 || in.Time > 1 || math.IsNaN(in.Time) {
		return Decision{}, fmt.Errorf("%w: %g outside [0,1]", ErrOutOfRangeTime, in.Time)
	}
	d := Decision{
		EUDeal: DealValue(in.WelfareOptimum, in.Time),
		EUNext: NextDealValue(in.WelfareOptimum, in.NextTime, in.Discount, in.DeadlineHit),
	}
	d.Threshold = d.EUNext
	if in.Offer != nil && in.Offer.Welfare > d.EUNext {
		d.Accept = true
		return d, nil
	}
	if d.EUDeal > d.EUNext {
		d.Propose = ProposeWelfare
	} else {
		d.Propose = ProposeRandom
	}
	return d, nil
}

// DealProbability is the estimated chance of closing a deal at time t. It
// assumes the opponent models sharpen as the session goes on.
func DealProbability(t float64) float64 { return t * t * t }

func DealValue(optimum, t float64) float64 { return optimum * DealProbability(t) }

// NextDealValue is the discounted value of waiting one more turn. It is 0
// once no further counter-offer can arrive.
func NextDealValue(optimum, nextTime, discount float64, deadlineHit bool) float64 {
	if deadlineHit {
		return 0
	}
	if discount <= 0 || discount > 1 {
		discount = 1
	}
	decay := math.Pow(1-nextTime, 3)
	return discount * (optimum + decay)
}
