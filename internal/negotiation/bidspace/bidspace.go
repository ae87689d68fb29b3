// Package bidspace draws candidate bids whose own utility clears a
// threshold, either from a precomputed table or by rejection sampling.
package bidspace

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"meanbot.ai/internal/negotiation/domain"
	"meanbot.ai/internal/negotiation/utility"
)

var ErrNoFeasibleBid = errors.New("no feasible bid")

const (
	DefaultEnumerationLimit    = 1 << 16
	MaxEnumerationLimit        = 1 << 22
	DefaultDiscretizationSteps = 21
	DefaultBudget              = 50 * time.Millisecond

	// checkEvery is how many draws pass between clock reads.
	checkEvery = 64
)

type Mode int

const (
	ModeEnumerated Mode = iota + 1
	ModeRejection
)

func (m Mode) String() string {
	switch m {
	case ModeEnumerated:
		return "enumerated"
	case ModeRejection:
		return "rejection"
	default:
		return "unknown"
	}
}

type Config struct {
	EnumerationLimit    int
	DiscretizationSteps int
	Budget              time.Duration
}

func (c Config) withDefaults() Config {
	if c.EnumerationLimit <= 0 {
		c.EnumerationLimit = DefaultEnumerationLimit
	}
	if c.EnumerationLimit > MaxEnumerationLimit {
		c.EnumerationLimit = MaxEnumerationLimit
	}
	if c.DiscretizationSteps < 2 {
		c.DiscretizationSteps = DefaultDiscretizationSteps
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	return c
}

type scored struct {
	bid  domain.Bid
	util float64
}

// axis is the set of values one issue is sampled from, with each value's
// weighted contribution to own utility.
type axis struct {
	issue   int
	values  []domain.Value
	contrib []float64
}

type Space struct {
	own  *utility.Model
	cfg  Config
	rng  *rand.Rand
	mode Mode
	now  func() time.Time

	// enumerated mode, sorted by utility descending
	table []scored

	// rejection mode
	axes []axis
}

func New(own *utility.Model, cfg Config, rng *rand.Rand) (*Space, error) {
	if own == nil {
		return nil, fmt.Errorf("bid space needs a utility model")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	s := &Space{own: own, cfg: cfg.withDefaults(), rng: rng, now: time.Now}
	dom := own.Domain()
	if dom.AllDiscrete() && dom.CrossProductSize(s.cfg.EnumerationLimit) <= s.cfg.EnumerationLimit {
		s.mode = ModeEnumerated
		if err := s.enumerate(); err != nil {
			return nil, err
		}
		return s, nil
	}
	s.mode = ModeRejection
	s.buildAxes()
	return s, nil
}

func (s *Space) Mode() Mode { return s.mode }

// Size is the number of distinct bids the space draws from, saturating at
// the enumeration limit plus one.
func (s *Space) Size() int {
	if s.mode == ModeEnumerated {
		return len(s.table)
	}
	n := 1
	for _, a := range s.axes {
		if len(a.values) == 0 {
			return 0
		}
		if n > s.cfg.EnumerationLimit/len(a.values) {
			return s.cfg.EnumerationLimit + 1
		}
		n *= len(a.values)
	}
	return n
}

func (s *Space) enumerate() error {
	dom := s.own.Domain()
	issues := dom.Issues()
	idx := make([]int, len(issues))
	s.table = make([]scored, 0, dom.CrossProductSize(s.cfg.EnumerationLimit))
	for {
		values := make(map[int]domain.Value, len(issues))
		for i, is := range issues {
			values[is.Number] = dom.Values(is.Number)[idx[i]]
		}
		bid, err := domain.NewBid(dom, values)
		if err != nil {
			return err
		}
		u, err := s.own.Utility(bid)
		if err != nil {
			return err
		}
		s.table = append(s.table, scored{bid: bid, util: u})

		// odometer step, last issue fastest
		k := len(issues) - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < len(dom.Values(issues[k].Number)) {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			break
		}
	}
	sort.SliceStable(s.table, func(i, j int) bool { return s.table[i].util > s.table[j].util })
	return nil
}

func (s *Space) buildAxes() {
	dom := s.own.Domain()
	for _, is := range dom.Issues() {
		grid := dom.Values(is.Number)
		values := grid
		if r, ok := is.Range.(domain.IntegerRange); ok && len(grid) > s.cfg.DiscretizationSteps {
			values = spread(r, s.cfg.DiscretizationSteps)
		}
		a := axis{issue: is.Number, values: values, contrib: make([]float64, len(values))}
		w := s.own.Weight(is.Number)
		for i, v := range values {
			vw, _ := s.own.ValueWeight(is.Number, v)
			a.contrib[i] = w * vw
		}
		s.axes = append(s.axes, a)
	}
}

// spread picks steps evenly spaced integers from r, both bounds included.
func spread(r domain.IntegerRange, steps int) []domain.Value {
	out := make([]domain.Value, 0, steps)
	last := r.Low - 1
	span := float64(r.High - r.Low)
	for i := 0; i < steps; i++ {
		n := r.Low + int(math.Round(span*float64(i)/float64(steps-1)))
		if n == last {
			continue
		}
		out = append(out, domain.Int(n))
		last = n
	}
	return out
}

// Sample returns a bid with own utility strictly above threshold. When the
// space is enumerated and nothing clears the threshold it returns the
// maximum-utility bid. When rejection sampling runs out of time it returns
// the best bid it saw together with ErrNoFeasibleBid.
func (s *Space) Sample(ctx context.Context, threshold float64) (domain.Bid, error) {
	if s.mode == ModeEnumerated {
		n := sort.Search(len(s.table), func(i int) bool { return s.table[i].util <= threshold })
		if n == 0 {
			bid, _ := s.own.MaxUtilityBid()
			return bid, nil
		}
		return s.table[s.rng.Intn(n)].bid, nil
	}
	return s.reject(ctx, threshold)
}

func (s *Space) reject(ctx context.Context, threshold float64) (domain.Bid, error) {
	maxBid, maxU := s.own.MaxUtilityBid()
	if maxU <= threshold {
		return maxBid, fmt.Errorf("%w: threshold %.4f at or above max utility %.4f", ErrNoFeasibleBid, threshold, maxU)
	}

	deadline := s.now().Add(s.cfg.Budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	pick := make([]int, len(s.axes))
	best := make([]int, len(s.axes))
	bestU := math.Inf(-1)
	for draws := 0; ; draws++ {
		if draws%checkEvery == 0 && draws > 0 {
			if ctx.Err() != nil || !s.now().Before(deadline) {
				break
			}
		}
		var u float64
		for i, a := range s.axes {
			pick[i] = s.rng.Intn(len(a.values))
			u += a.contrib[pick[i]]
		}
		if u > threshold {
			return s.bidFor(pick)
		}
		if u > bestU {
			bestU = u
			copy(best, pick)
		}
	}
	bid, err := s.bidFor(best)
	if err != nil {
		return maxBid, err
	}
	return bid, fmt.Errorf("%w: threshold %.4f, best %.4f", ErrNoFeasibleBid, threshold, bestU)
}

func (s *Space) bidFor(pick []int) (domain.Bid, error) {
	values := make(map[int]domain.Value, len(s.axes))
	for i, a := range s.axes {
		values[a.issue] = a.values[pick[i]]
	}
	return domain.NewBid(s.own.Domain(), values)
}
