// Package engine runs one party's side of a negotiation session: it takes
// the host's events, keeps the opponent models current and answers every
// turn with exactly one Accept or Offer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"meanbot.ai/internal/negotiation/action"
	"meanbot.ai/internal/negotiation/bidspace"
	"meanbot.ai/internal/negotiation/concession"
	"meanbot.ai/internal/negotiation/domain"
	"meanbot.ai/internal/negotiation/opponent"
	"meanbot.ai/internal/negotiation/timeline"
	"meanbot.ai/internal/negotiation/utility"
	"meanbot.ai/internal/negotiation/welfare"
)

const (
	DefaultTurnBudget    = 250 * time.Millisecond
	DefaultDeadlineGuard = 0.99
)

// Config is the session-scoped configuration of one party.
type Config struct {
	PartyID       string
	Domain        *domain.Domain
	Utility       utility.Spec
	Policy        concession.Kind
	WelfareMode   welfare.Mode
	Weighting     opponent.Weighting
	Sampling      bidspace.Config
	TurnBudget    time.Duration
	DeadlineGuard float64
	Seed          int64
}

// Fallback names why a turn did not follow the policy's own choice.
type Fallback string

const (
	FallbackNone       Fallback = ""
	FallbackDeadline   Fallback = "deadline"
	FallbackBudget     Fallback = "budget"
	FallbackNoFeasible Fallback = "no_feasible_bid"
	FallbackInternal   Fallback = "internal"
)

// TurnRecord describes one decision for logs and indexes.
type TurnRecord struct {
	SessionID    string              `json:"session_id,omitempty"`
	PartyID      string              `json:"party_id"`
	Turn         int                 `json:"turn"`
	Time         float64             `json:"time"`
	NextTime     float64             `json:"next_time"`
	RoundsLeft   int                 `json:"rounds_left"`
	Parties      int                 `json:"parties"`
	Policy       string              `json:"policy"`
	OfferFrom    string              `json:"offer_from,omitempty"`
	OfferUtility float64             `json:"offer_utility,omitempty"`
	Action       string              `json:"action"`
	Bid          map[int]string      `json:"bid,omitempty"`
	Utility      float64             `json:"utility"`
	Welfare      float64             `json:"welfare"`
	Decision     concession.Decision `json:"decision"`
	Fallback     Fallback            `json:"fallback,omitempty"`
	ElapsedMS    float64             `json:"elapsed_ms"`
}

type TurnRecorder interface {
	RecordTurn(TurnRecord)
}

type Option func(*Party)

func WithLogger(l *slog.Logger) Option {
	return func(p *Party) {
		if l != nil {
			p.log = l
		}
	}
}

func WithRecorder(r TurnRecorder) Option {
	return func(p *Party) {
		if r != nil {
			p.recorders = append(p.recorders, r)
		}
	}
}

func WithSessionID(id string) Option { return func(p *Party) { p.sessionID = id } }

func WithNow(now func() time.Time) Option { return func(p *Party) { p.now = now } }

type pending struct {
	from string
	bid  domain.Bid
}

// Party is not safe for concurrent use; the host drives it from a single
// goroutine per session.
type Party struct {
	cfg       Config
	sessionID string
	tl        timeline.Timeline
	log       *slog.Logger
	now       func() time.Time
	recorders []TurnRecorder

	own      *utility.Model
	opps     *opponent.Registry
	space    *bidspace.Space
	search   *welfare.Search
	policy   concession.Policy
	informed int

	offer     *pending
	lastMover string
	turn      int
	lastBid   domain.Bid
	accepted  domain.Bid
}

func New(cfg Config, tl timeline.Timeline, opts ...Option) (*Party, error) {
	if tl == nil {
		return nil, errors.New("engine: nil timeline")
	}
	if cfg.PartyID == "" {
		return nil, errors.New("engine: empty party id")
	}
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = DefaultTurnBudget
	}
	if cfg.DeadlineGuard <= 0 || cfg.DeadlineGuard > 1 {
		cfg.DeadlineGuard = DefaultDeadlineGuard
	}
	if cfg.Weighting == 0 {
		cfg.Weighting = opponent.WeightUnit
	}
	if cfg.WelfareMode == "" {
		cfg.WelfareMode = welfare.ModeProduct
	}
	if cfg.Policy == "" {
		cfg.Policy = concession.KindWelfare
	}

	own, err := utility.Build(cfg.Domain, cfg.Utility)
	if err != nil {
		return nil, fmt.Errorf("engine: utility model: %w", err)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	space, err := bidspace.New(own, cfg.Sampling, rng)
	if err != nil {
		return nil, fmt.Errorf("engine: bid space: %w", err)
	}
	search, err := welfare.New(own, cfg.WelfareMode)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	policy, err := concession.New(cfg.Policy, rng)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	p := &Party{
		cfg:    cfg,
		tl:     tl,
		log:    slog.Default(),
		now:    time.Now,
		own:    own,
		opps:   opponent.NewRegistry(cfg.Domain, cfg.Weighting),
		space:  space,
		search: search,
		policy: policy,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "engine", "party", cfg.PartyID)
	if p.sessionID != "" {
		p.log = p.log.With("session", p.sessionID)
	}
	return p, nil
}

func (p *Party) ID() string                    { return p.cfg.PartyID }
func (p *Party) Domain() *domain.Domain        { return p.own.Domain() }
func (p *Party) Model() *utility.Model         { return p.own }
func (p *Party) Space() *bidspace.Space        { return p.space }
func (p *Party) Opponents() *opponent.Registry { return p.opps }
func (p *Party) Turn() int                     { return p.turn }

// Parties is the party count used for welfare aggregation.
func (p *Party) Parties() int {
	n := p.opps.Len() + 1
	if p.informed > n {
		n = p.informed
	}
	if n < 2 {
		n = 2
	}
	return n
}

// Receive applies one host event. Events from an empty or own sender are
// ignored, except Inform which carries no meaningful sender.
func (p *Party) Receive(sender string, a action.Action) {
	if a.Kind == action.KindInform {
		if a.Parties > 0 {
			p.informed = a.Parties
		}
		return
	}
	if sender == "" || sender == p.cfg.PartyID {
		p.log.Debug("ignored event", "sender", sender, "action", a.Kind.String())
		return
	}
	if a.IsOffer() && a.Bid.IsZero() {
		p.log.Warn("offer without bid", "sender", sender)
		return
	}
	p.opps.Ensure(sender).Add(a)
	p.lastMover = sender
	if a.IsOffer() {
		p.offer = &pending{from: sender, bid: a.Bid}
	}
}

func (p *Party) estimators() []welfare.Estimator {
	recs := p.opps.Records()
	out := make([]welfare.Estimator, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	return out
}

// Choose decides the party's move for the current turn.
func (p *Party) Choose(ctx context.Context) action.Action {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TurnBudget)
	defer cancel()

	p.turn++
	rec := TurnRecord{
		SessionID:  p.sessionID,
		PartyID:    p.cfg.PartyID,
		Turn:       p.turn,
		Time:       p.tl.Time(),
		NextTime:   p.tl.NextTime(),
		RoundsLeft: p.tl.RoundsLeft(),
		Parties:    p.Parties(),
		Policy:     p.policy.Name(),
	}

	act, err := p.decide(ctx, &rec)
	if err != nil {
		fb := FallbackInternal
		if ctx.Err() != nil {
			fb = FallbackBudget
		}
		p.log.Warn("turn fallback", "turn", p.turn, "reason", string(fb), "err", err)
		act = p.safeAction()
		rec.Fallback = fb
	}

	p.finish(&rec, act)
	rec.ElapsedMS = float64(p.now().Sub(start)) / float64(time.Millisecond)
	for _, r := range p.recorders {
		r.RecordTurn(rec)
	}
	return act
}

func (p *Party) decide(ctx context.Context, rec *TurnRecord) (action.Action, error) {
	opps := p.estimators()
	best, err := p.search.WelfareBid(opps)
	if err != nil {
		return action.Action{}, fmt.Errorf("welfare bid: %w", err)
	}
	optimum, err := p.search.Aggregate(best, opps, rec.Parties)
	if err != nil {
		return action.Action{}, fmt.Errorf("welfare of best bid: %w", err)
	}

	in := concession.Input{
		Time:           rec.Time,
		NextTime:       rec.NextTime,
		DeadlineHit:    timeline.Reached(p.tl, p.cfg.DeadlineGuard),
		Discount:       p.own.DiscountFactor(),
		Reservation:    p.own.ReservationValue(),
		WelfareOptimum: optimum,
	}
	if p.offer != nil {
		u, err := p.own.Utility(p.offer.bid)
		if err != nil {
			p.offer = nil
			return action.Action{}, fmt.Errorf("pending offer: %w", err)
		}
		w, err := p.search.Aggregate(p.offer.bid, opps, rec.Parties)
		if err != nil {
			return action.Action{}, fmt.Errorf("pending offer welfare: %w", err)
		}
		in.Offer = &concession.Offered{Utility: u, Welfare: w}
		rec.OfferFrom, rec.OfferUtility = p.offer.from, u
	}

	if in.DeadlineHit {
		rec.Fallback = FallbackDeadline
		if p.offer != nil {
			return action.Accept(), nil
		}
		return action.Offer(best), nil
	}
	if err := ctx.Err(); err != nil {
		return action.Action{}, err
	}

	dec, err := p.policy.Decide(in)
	rec.Decision = dec
	if err != nil {
		return action.Action{}, fmt.Errorf("%s policy: %w", p.policy.Name(), err)
	}
	if dec.Accept && p.offer != nil {
		return action.Accept(), nil
	}
	if dec.Propose == concession.ProposeWelfare {
		return action.Offer(best), nil
	}

	bid, err := p.space.Sample(ctx, dec.Threshold)
	if err != nil {
		if ctx.Err() != nil {
			return action.Action{}, fmt.Errorf("sampling: %w", err)
		}
		if !errors.Is(err, bidspace.ErrNoFeasibleBid) {
			return action.Action{}, fmt.Errorf("sampling: %w", err)
		}
		p.log.Warn("no feasible bid, offering max utility bid", "threshold", dec.Threshold, "err", err)
		rec.Fallback = FallbackNoFeasible
		bid, _ = p.own.MaxUtilityBid()
	}
	return action.Offer(bid), nil
}

// safeAction is Accept when an offer is pending and the party's own
// maximum-utility bid otherwise.
func (p *Party) safeAction() action.Action {
	if p.offer != nil {
		return action.Accept()
	}
	bid, _ := p.own.MaxUtilityBid()
	return action.Offer(bid)
}

func (p *Party) finish(rec *TurnRecord, act action.Action) {
	rec.Action = act.Kind.String()
	var bid domain.Bid
	switch {
	case act.IsOffer():
		bid = act.Bid
		p.lastBid = bid
		p.offer = nil
	case act.IsAccept() && p.offer != nil:
		bid = p.offer.bid
		p.accepted = bid
		p.offer = nil
	}
	if bid.IsZero() {
		return
	}
	vals := bid.Values()
	rec.Bid = make(map[int]string, len(vals))
	for n, v := range vals {
		rec.Bid[n] = v.String()
	}
	rec.Utility, _ = p.own.Utility(bid)
	rec.Welfare, _ = p.search.Aggregate(bid, p.estimators(), rec.Parties)
}

// Utility is the party's own utility for a bid, 0 when it cannot be scored.
func (p *Party) Utility(bid domain.Bid) float64 {
	u, err := p.own.Utility(bid)
	if err != nil {
		return 0
	}
	return u
}

// LastBid is the most recent bid this party offered.
func (p *Party) LastBid() (domain.Bid, bool) { return p.lastBid, !p.lastBid.IsZero() }

// Accepted is the bid this party most recently accepted.
func (p *Party) Accepted() (domain.Bid, bool) { return p.accepted, !p.accepted.IsZero() }

// Pending reports the offer currently on the table, if any.
func (p *Party) Pending() (string, domain.Bid, bool) {
	if p.offer == nil {
		return "", domain.Bid{}, false
	}
	return p.offer.from, p.offer.bid, true
}
