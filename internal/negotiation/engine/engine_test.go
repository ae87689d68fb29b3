package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meanbot.ai/internal/negotiation/action"
	"meanbot.ai/internal/negotiation/concession"
	"meanbot.ai/internal/negotiation/domain"
	"meanbot.ai/internal/negotiation/opponent"
	"meanbot.ai/internal/negotiation/timeline"
	"meanbot.ai/internal/negotiation/utility"
	"meanbot.ai/internal/negotiation/welfare"
)

type captureRecorder struct{ turns []TurnRecord }

func (c *captureRecorder) RecordTurn(r TurnRecord) { c.turns = append(c.turns, r) }

func scenarioConfig(t *testing.T) Config {
	t.Helper()
	d, err := domain.New([]domain.Issue{
		{Number: 1, Name: "X", Range: domain.Discrete{Values: []string{"A", "B"}}},
		{Number: 2, Name: "Y", Range: domain.Discrete{Values: []string{"C", "D"}}},
	})
	require.NoError(t, err)
	tab := func(kv map[string]float64) utility.Evaluator {
		m := make(map[domain.Value]float64, len(kv))
		for k, v := range kv {
			m[domain.Str(k)] = v
		}
		return utility.Evaluator{Kind: utility.EvalTable, Table: m}
	}
	return Config{
		PartyID: "me",
		Domain:  d,
		Utility: utility.Spec{Issues: []utility.IssueSpec{
			{Issue: 1, Weight: 0.6, Evaluator: tab(map[string]float64{"A": 1, "B": 0})},
			{Issue: 2, Weight: 0.4, Evaluator: tab(map[string]float64{"C": 1, "D": 0})},
		}},
		Seed: 42,
	}
}

func bid(t *testing.T, d *domain.Domain, x, y string) domain.Bid {
	t.Helper()
	b, err := domain.NewBid(d, map[int]domain.Value{1: domain.Str(x), 2: domain.Str(y)})
	require.NoError(t, err)
	return b
}

func reported(tm, next float64) *timeline.Reported {
	tl := timeline.NewReported(timeline.KindTime)
	tl.Set(timeline.Reading{Time: tm, NextTime: next})
	return tl
}

func TestReceive_FrequencyScenario(t *testing.T) {
	cfg := scenarioConfig(t)
	p, err := New(cfg, reported(0.1, 0.2))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		p.Receive("opp", action.Offer(bid(t, cfg.Domain, "A", "C")))
	}
	p.Receive("opp", action.Offer(bid(t, cfg.Domain, "A", "D")))

	rec, ok := p.Opponents().Get("opp")
	require.True(t, ok)
	assert.Equal(t, 4, rec.Observations())
	assert.InDelta(t, 1.0, rec.ValueWeight(1, domain.Str("A")), 1e-12)
	assert.InDelta(t, 0.75, rec.ValueWeight(2, domain.Str("C")), 1e-12)

	snap := p.Snapshot()
	require.Len(t, snap.Opponents, 1)
	assert.Len(t, snap.Opponents[0].History, 4)
	assert.InDelta(t, 0.25, snap.Opponents[0].Estimates[2]["D"], 1e-12)
	assert.Equal(t, "opp", snap.LastMover)
}

func TestReceive_IgnoresAnonymousAndInformSetsParties(t *testing.T) {
	cfg := scenarioConfig(t)
	p, err := New(cfg, reported(0, 0.1))
	require.NoError(t, err)

	p.Receive("", action.Offer(bid(t, cfg.Domain, "A", "C")))
	p.Receive("me", action.Offer(bid(t, cfg.Domain, "A", "C")))
	assert.Equal(t, 0, p.Opponents().Len())
	assert.Equal(t, 2, p.Parties())

	p.Receive("", action.Inform(4))
	assert.Equal(t, 4, p.Parties())

	p.Receive("a", action.Accept())
	p.Receive("b", action.Accept())
	p.Receive("c", action.Accept())
	p.Receive("d", action.Accept())
	assert.Equal(t, 5, p.Parties(), "known opponents raise the count")
	_, _, ok := p.Pending()
	assert.False(t, ok)
}

func TestChoose_DeadlineAcceptsPendingOffer(t *testing.T) {
	cfg := scenarioConfig(t)
	p, err := New(cfg, reported(0.995, 1))
	require.NoError(t, err)
	rec := &captureRecorder{}
	WithRecorder(rec)(p)

	p.Receive("opp", action.Offer(bid(t, cfg.Domain, "B", "D")))
	got := p.Choose(context.Background())
	assert.Equal(t, action.KindAccept, got.Kind)

	require.Len(t, rec.turns, 1)
	assert.Equal(t, FallbackDeadline, rec.turns[0].Fallback)
	assert.Equal(t, "accept", rec.turns[0].Action)
	assert.Equal(t, "opp", rec.turns[0].OfferFrom)
	require.Len(t, rec.turns[0].Bid, 2)

	_, _, pending := p.Pending()
	assert.False(t, pending, "accepting takes the offer off the table")
	accepted, ok := p.Accepted()
	require.True(t, ok)
	assert.True(t, accepted.Equal(bid(t, cfg.Domain, "B", "D")))

	// The same offer must not be accepted twice.
	again := p.Choose(context.Background())
	assert.Equal(t, action.KindOffer, again.Kind)
	assert.Empty(t, rec.turns[1].OfferFrom)
}

func TestChoose_DeadlineWithoutOfferProposesWelfareBid(t *testing.T) {
	cfg := scenarioConfig(t)
	tl := timeline.NewRounds(3)
	for i := 0; i < 3; i++ {
		tl.Advance()
	}
	p, err := New(cfg, tl)
	require.NoError(t, err)

	got := p.Choose(context.Background())
	require.Equal(t, action.KindOffer, got.Kind)
	assert.True(t, got.Bid.Equal(bid(t, cfg.Domain, "A", "C")), "got %s", got.Bid)
}

func TestChoose_BudgetExhaustedFallsBack(t *testing.T) {
	cfg := scenarioConfig(t)
	p, err := New(cfg, reported(0.3, 0.4), WithLogger(nil))
	require.NoError(t, err)
	rec := &captureRecorder{}
	WithRecorder(rec)(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := p.Choose(ctx)
	require.Equal(t, action.KindOffer, got.Kind)
	maxBid, _ := p.Model().MaxUtilityBid()
	assert.True(t, got.Bid.Equal(maxBid))
	assert.Equal(t, FallbackBudget, rec.turns[0].Fallback)

	p.Receive("opp", action.Offer(bid(t, cfg.Domain, "B", "C")))
	got = p.Choose(ctx)
	assert.Equal(t, action.KindAccept, got.Kind)
	assert.Equal(t, FallbackBudget, rec.turns[1].Fallback)
}

func TestChoose_WelfarePolicyAcceptsGoodOffer(t *testing.T) {
	cfg := scenarioConfig(t)
	cfg.Utility.DiscountFactor = 0.5
	p, err := New(cfg, reported(0.9, 0.95))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		p.Receive("opp", action.Offer(bid(t, cfg.Domain, "A", "C")))
	}
	got := p.Choose(context.Background())
	assert.Equal(t, action.KindAccept, got.Kind)
}

func TestChoose_WelfarePolicyProposesWelfareBidLate(t *testing.T) {
	cfg := scenarioConfig(t)
	cfg.Utility.DiscountFactor = 0.5
	p, err := New(cfg, reported(0.9, 0.95))
	require.NoError(t, err)
	rec := &captureRecorder{}
	WithRecorder(rec)(p)

	// Mostly opposed opponent: its offer's welfare stays below EUNext.
	p.Receive("opp", action.Offer(bid(t, cfg.Domain, "B", "D")))
	p.Receive("opp", action.Offer(bid(t, cfg.Domain, "A", "D")))
	p.Receive("opp", action.Offer(bid(t, cfg.Domain, "B", "D")))

	got := p.Choose(context.Background())
	require.Equal(t, action.KindOffer, got.Kind)
	d := rec.turns[0].Decision
	assert.Greater(t, d.EUDeal, d.EUNext)
	assert.Equal(t, concession.ProposeWelfare, d.Propose)

	want, err := welfare.New(p.Model(), welfare.ModeProduct)
	require.NoError(t, err)
	r, _ := p.Opponents().Get("opp")
	wb, err := want.WelfareBid([]welfare.Estimator{r})
	require.NoError(t, err)
	assert.True(t, got.Bid.Equal(wb))
	_, _, pending := p.Pending()
	assert.False(t, pending, "own offer clears the table")
}

func TestChoose_StochasticPolicy(t *testing.T) {
	cfg := scenarioConfig(t)
	cfg.Policy = concession.KindStochastic
	cfg.Utility.ReservationValue = 0.5
	p, err := New(cfg, reported(0.5, 0.6), WithNow(func() time.Time { return time.Unix(0, 0) }))
	require.NoError(t, err)

	// Zero-utility offers are never accepted; counter-offers clear the reservation.
	for i := 0; i < 20; i++ {
		p.Receive("opp", action.Offer(bid(t, cfg.Domain, "B", "D")))
		got := p.Choose(context.Background())
		require.Equal(t, action.KindOffer, got.Kind)
		assert.Greater(t, p.Utility(got.Bid), 0.5)
	}

	// A full-utility offer is accepted with probability 1.
	p.Receive("opp", action.Offer(bid(t, cfg.Domain, "A", "C")))
	assert.Equal(t, action.KindAccept, p.Choose(context.Background()).Kind)
}

func TestNew_ConfigurationErrorsAbort(t *testing.T) {
	cfg := scenarioConfig(t)
	cfg.Utility.Issues[0].Evaluator = utility.Evaluator{Kind: utility.EvalLinear}
	_, err := New(cfg, reported(0, 0))
	assert.ErrorIs(t, err, utility.ErrUnsupportedDomainKind)

	cfg = scenarioConfig(t)
	cfg.Policy = "greedy"
	_, err = New(cfg, reported(0, 0))
	assert.Error(t, err)

	cfg = scenarioConfig(t)
	cfg.Weighting = opponent.WeightRecency
	p, err := New(cfg, reported(0, 0))
	require.NoError(t, err)
	assert.Equal(t, "recency", p.Snapshot().Weighting)
}
