package opponent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meanbot.ai/internal/negotiation/action"
	"meanbot.ai/internal/negotiation/domain"
)

func xyDomain(t *testing.T) *domain.Domain {
	t.Helper()
	d, err := domain.New([]domain.Issue{
		{Number: 1, Name: "X", Range: domain.Discrete{Values: []string{"A", "B"}}},
		{Number: 2, Name: "Y", Range: domain.Discrete{Values: []string{"C", "D"}}},
	})
	require.NoError(t, err)
	return d
}

func bid(t *testing.T, d *domain.Domain, x, y string) domain.Bid {
	t.Helper()
	b, err := domain.NewBid(d, map[int]domain.Value{1: domain.Str(x), 2: domain.Str(y)})
	require.NoError(t, err)
	return b
}

func TestRecord_ZeroPriorBeforeObservation(t *testing.T) {
	d := xyDomain(t)
	r := NewRecord("opp", d, WeightUnit)
	for _, issue := range []int{1, 2} {
		for _, v := range d.Values(issue) {
			assert.Zero(t, r.ValueWeight(issue, v))
		}
	}
	assert.Zero(t, r.EstimatedUtility(bid(t, d, "A", "C")))
	_, ok := r.LastAction()
	assert.False(t, ok)
}

func TestRecord_ScenarioConvergence(t *testing.T) {
	d := xyDomain(t)
	r := NewRecord("opp", d, WeightUnit)
	for i := 0; i < 3; i++ {
		r.Add(action.Offer(bid(t, d, "A", "C")))
	}
	r.Add(action.Offer(bid(t, d, "A", "D")))

	assert.InDelta(t, 1.0, r.ValueWeight(1, domain.Str("A")), 1e-12)
	assert.InDelta(t, 0.0, r.ValueWeight(1, domain.Str("B")), 1e-12)
	assert.InDelta(t, 0.75, r.ValueWeight(2, domain.Str("C")), 1e-12)
	assert.InDelta(t, 0.25, r.ValueWeight(2, domain.Str("D")), 1e-12)
	assert.Equal(t, 4, r.Observations())
	assert.InDelta(t, 0.5*1.0+0.5*0.75, r.EstimatedUtility(bid(t, d, "A", "C")), 1e-12)
}

func TestRecord_RecencyWeighting(t *testing.T) {
	d := xyDomain(t)
	r := NewRecord("opp", d, WeightRecency)
	for i := 0; i < 3; i++ {
		r.Observe(bid(t, d, "A", "C"))
	}
	r.Observe(bid(t, d, "A", "D"))

	// C gets 1 + 1/2 + 1/3, D gets 1/4.
	c := 1 + 0.5 + 1.0/3
	assert.InDelta(t, c/(c+0.25), r.ValueWeight(2, domain.Str("C")), 1e-12)
	assert.Equal(t, WeightRecency, r.Weighting())
}

func TestRecord_RepeatedValueIsMonotone(t *testing.T) {
	d := xyDomain(t)
	for _, w := range []Weighting{WeightUnit, WeightRecency} {
		r := NewRecord("opp", d, w)
		r.Observe(bid(t, d, "B", "D"))
		prev := r.ValueWeight(1, domain.Str("A"))
		for i := 0; i < 200; i++ {
			r.Observe(bid(t, d, "A", "D"))
			cur := r.ValueWeight(1, domain.Str("A"))
			require.GreaterOrEqual(t, cur, prev, "weighting %s step %d", w, i)
			prev = cur
		}
		if w == WeightUnit {
			assert.InDelta(t, 1.0, prev, 0.01)
		} else {
			assert.Greater(t, prev, 0.8)
		}
	}
}

func TestRecord_HistoryIsAppendOnly(t *testing.T) {
	d := xyDomain(t)
	r := NewRecord("opp", d, WeightUnit)
	r.Add(action.Offer(bid(t, d, "A", "C")))
	r.Add(action.Accept())

	h := r.History()
	require.Len(t, h, 2)
	h[0] = action.End()

	last, ok := r.LastAction()
	require.True(t, ok)
	assert.True(t, last.IsAccept())
	assert.True(t, r.History()[0].IsOffer())
	assert.Equal(t, 1, r.Observations(), "accepts do not count as observations")
}

func TestRecord_EstimatedUtilityIgnoresUnknownIssues(t *testing.T) {
	d := xyDomain(t)
	r := NewRecord("opp", d, WeightUnit)
	r.Observe(bid(t, d, "A", "C"))

	wider, err := domain.New(append(d.Issues(), domain.Issue{Number: 3, Range: domain.Discrete{Values: []string{"E"}}}))
	require.NoError(t, err)
	b, err := domain.NewBid(wider, map[int]domain.Value{1: domain.Str("A"), 2: domain.Str("C"), 3: domain.Str("E")})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, r.EstimatedUtility(b), 1e-12)
	r.Observe(b)
	assert.Zero(t, r.ValueWeight(3, domain.Str("E")))
}

func TestRegistry_EnsureKeepsFirstContactOrder(t *testing.T) {
	d := xyDomain(t)
	g := NewRegistry(d, WeightUnit)
	b := g.Ensure("b")
	g.Ensure("a")
	require.Same(t, b, g.Ensure("b"))
	require.Equal(t, 2, g.Len())

	ids := []string{}
	for _, r := range g.Records() {
		ids = append(ids, r.ID())
	}
	assert.Equal(t, []string{"b", "a"}, ids)
	_, ok := g.Get("c")
	assert.False(t, ok)
}

func TestParseWeighting(t *testing.T) {
	w, err := ParseWeighting("recency")
	require.NoError(t, err)
	assert.Equal(t, WeightRecency, w)
	w, err = ParseWeighting("")
	require.NoError(t, err)
	assert.Equal(t, WeightUnit, w)
	_, err = ParseWeighting("decay")
	assert.Error(t, err)
}
