package concession

import (
	"math"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cbrt maps a cubed time back to the elapsed fraction AcceptProbability takes.
func cbrt(tc float64) float64 { return math.Cbrt(tc) }

func TestAcceptProbability_Endpoints(t *testing.T) {
	for _, u := range []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1} {
		p0, err := AcceptProbability(u, 0)
		require.NoError(t, err)
		assert.InDelta(t, 2-u-2*math.Sqrt(1-u), p0, 1e-12, "t=0 u=%v", u)
		assert.LessOrEqual(t, p0, u+1e-12)

		p1, err := AcceptProbability(u, 1)
		require.NoError(t, err)
		assert.InDelta(t, 2*math.Sqrt(u)-u, p1, 1e-12, "t=1 u=%v", u)
		assert.GreaterOrEqual(t, p1, u-1e-12)

		pm, err := AcceptProbability(u, cbrt(0.5))
		require.NoError(t, err)
		assert.InDelta(t, u, pm, 1e-6, "midpoint u=%v", u)
	}

	p, err := AcceptProbability(1.03, 0.2)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p, 1e-12, "slack above 1 is clamped")
}

func TestAcceptProbability_Errors(t *testing.T) {
	_, err := AcceptProbability(1.2, 0.5)
	assert.ErrorIs(t, err, ErrOutOfRangeUtility)
	_, err = AcceptProbability(-0.01, 0.5)
	assert.ErrorIs(t, err, ErrOutOfRangeUtility)
	_, err = AcceptProbability(0.5, 1.01)
	assert.ErrorIs(t, err, ErrOutOfRangeTime)
	_, err = AcceptProbability(0.5, -0.5)
	assert.ErrorIs(t, err, ErrOutOfRangeTime)
}

func TestAcceptProbability_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	properties.Property("non-decreasing in time", prop.ForAll(
		func(u, a, b float64) bool {
			if a > b {
				a, b = b, a
			}
			pa, err1 := AcceptProbability(u, a)
			pb, err2 := AcceptProbability(u, b)
			return err1 == nil && err2 == nil && pb >= pa-1e-9
		},
		gen.Float64Range(0.001, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.Property("stays within [0,1]", prop.ForAll(
		func(u, tm float64) bool {
			p, err := AcceptProbability(u, tm)
			return err == nil && p >= 0 && p <= 1
		},
		gen.Float64Range(0, 1.05),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func TestStochastic_Decide(t *testing.T) {
	s := NewStochastic(rand.New(rand.NewSource(7)))
	assert.Equal(t, "stochastic", s.Name())

	d, err := s.Decide(Input{Time: 0.3, Reservation: 0.4})
	require.NoError(t, err)
	assert.False(t, d.Accept)
	assert.Equal(t, ProposeRandom, d.Propose)
	assert.Equal(t, 0.4, d.Threshold)

	for i := 0; i < 50; i++ {
		d, err = s.Decide(Input{Time: 0.3, Offer: &Offered{Utility: 1}})
		require.NoError(t, err)
		require.True(t, d.Accept, "a perfect offer is always accepted")

		d, err = s.Decide(Input{Time: 0.9, Offer: &Offered{Utility: 0}})
		require.NoError(t, err)
		require.False(t, d.Accept, "a worthless offer is never accepted")
	}

	_, err = s.Decide(Input{Time: 0.3, Offer: &Offered{Utility: 1.2}})
	assert.ErrorIs(t, err, ErrOutOfRangeUtility)
}

func TestStochastic_AcceptRateTracksProbability(t *testing.T) {
	s := NewStochastic(rand.New(rand.NewSource(42)))
	want, err := AcceptProbability(0.6, 0.8)
	require.NoError(t, err)

	accepted := 0
	const n = 20000
	for i := 0; i < n; i++ {
		d, err := s.Decide(Input{Time: 0.8, Offer: &Offered{Utility: 0.6}})
		require.NoError(t, err)
		if d.Accept {
			accepted++
		}
	}
	assert.InDelta(t, want, float64(accepted)/n, 0.02)
}

func TestWelfare_Decide(t *testing.T) {
	w := Welfare{}

	// Early on waiting is worth more than any deal.
	d, err := w.Decide(Input{Time: 0.1, NextTime: 0.11, Discount: 1, WelfareOptimum: 0.6, Offer: &Offered{Welfare: 0.9}})
	require.NoError(t, err)
	assert.False(t, d.Accept)
	assert.InDelta(t, 0.6*0.001, d.EUDeal, 1e-12)
	assert.InDelta(t, 0.6+math.Pow(0.89, 3), d.EUNext, 1e-12)
	assert.Equal(t, ProposeRandom, d.Propose)
	assert.Equal(t, d.EUNext, d.Threshold)

	// Late in the session a discounted wait loses to the deal value.
	d, err = w.Decide(Input{Time: 0.98, NextTime: 0.985, Discount: 0.5, WelfareOptimum: 0.8})
	require.NoError(t, err)
	assert.Greater(t, d.EUDeal, d.EUNext)
	assert.Equal(t, ProposeWelfare, d.Propose)

	// Past the deadline any positive offer beats EUNext = 0.
	d, err = w.Decide(Input{Time: 1, NextTime: 1, DeadlineHit: true, Discount: 1, WelfareOptimum: 0.8, Offer: &Offered{Welfare: 0.01}})
	require.NoError(t, err)
	assert.True(t, d.Accept)
	assert.Zero(t, d.EUNext)

	_, err = w.Decide(Input{Time: 2})
	assert.ErrorIs(t, err, ErrOutOfRangeTime)
}

func TestNew(t *testing.T) {
	p, err := New(KindStochastic, nil)
	require.NoError(t, err)
	assert.Equal(t, "stochastic", p.Name())
	p, err = New("", nil)
	require.NoError(t, err)
	assert.Equal(t, "welfare", p.Name())
	_, err = New("boulware", nil)
	assert.Error(t, err)
}
