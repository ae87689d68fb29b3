// Package timeline exposes the host-owned negotiation clock. The engine only
// reads it.
package timeline

import (
	"fmt"
	"math"
	"sync"
	"time"
)

type Kind int

const (
	KindTime Kind = iota + 1
	KindRounds
)

func (k Kind) String() string {
	switch k {
	case KindTime:
		return "time"
	case KindRounds:
		return "rounds"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "time":
		return KindTime, nil
	case "rounds":
		return KindRounds, nil
	default:
		return 0, fmt.Errorf("unknown deadline kind %q", s)
	}
}

type Timeline interface {
	Kind() Kind
	// Time is the elapsed fraction of the negotiation in [0,1].
	Time() float64
	// NextTime is the elapsed fraction at the party's next turn.
	NextTime() float64
	// RoundsLeft is meaningful for round-based timelines only.
	RoundsLeft() int
}

// Deadline describes how a session ends.
type Deadline struct {
	Kind     Kind
	Duration time.Duration
	Rounds   int
}

func (d Deadline) Validate() error {
	switch d.Kind {
	case KindTime:
		if d.Duration <= 0 {
			return fmt.Errorf("time deadline needs a positive duration, got %s", d.Duration)
		}
	case KindRounds:
		if d.Rounds <= 0 {
			return fmt.Errorf("round deadline needs a positive round count, got %d", d.Rounds)
		}
	default:
		return fmt.Errorf("unsupported deadline kind %v", d.Kind)
	}
	return nil
}

// Reached reports whether no further counter-offer can be expected. guard is
// the elapsed fraction treated as the end for time-based deadlines.
func Reached(tl Timeline, guard float64) bool {
	switch tl.Kind() {
	case KindRounds:
		return tl.RoundsLeft() <= 0
	default:
		return tl.Time() >= guard
	}
}

func clamp01(x float64) float64 { return math.Max(0, math.Min(1, x)) }

// Clock is a wall-clock timeline.
type Clock struct {
	start time.Time
	total time.Duration
	step  time.Duration
	now   func() time.Time
}

// NewClock starts a wall-clock timeline. step is the lookahead used for
// NextTime; it defaults to one second.
func NewClock(total, step time.Duration, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	if step <= 0 {
		step = time.Second
	}
	return &Clock{start: now(), total: total, step: step, now: now}
}

func (c *Clock) Kind() Kind      { return KindTime }
func (c *Clock) RoundsLeft() int { return -1 }

func (c *Clock) Time() float64 {
	return clamp01(float64(c.now().Sub(c.start)) / float64(c.total))
}

func (c *Clock) NextTime() float64 {
	return clamp01(float64(c.now().Sub(c.start)+c.step) / float64(c.total))
}

// Rounds counts own turns against a fixed round budget.
type Rounds struct {
	mu    sync.Mutex
	total int
	round int
}

func NewRounds(total int) *Rounds { return &Rounds{total: total} }

func (r *Rounds) Kind() Kind { return KindRounds }

func (r *Rounds) Advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.round < r.total {
		r.round++
	}
}

func (r *Rounds) Time() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clamp01(float64(r.round) / float64(r.total))
}

func (r *Rounds) NextTime() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clamp01(float64(r.round+1) / float64(r.total))
}

func (r *Rounds) RoundsLeft() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total - r.round
}

// Reading is a timeline observation supplied by a remote host.
type Reading struct {
	Time       float64
	NextTime   float64
	RoundsLeft int
}

// Reported replays whatever the host last reported.
type Reported struct {
	mu   sync.Mutex
	kind Kind
	cur  Reading
}

func NewReported(kind Kind) *Reported {
	return &Reported{kind: kind, cur: Reading{RoundsLeft: -1}}
}

func (r *Reported) Set(rd Reading) {
	rd.Time = clamp01(rd.Time)
	rd.NextTime = clamp01(rd.NextTime)
	if rd.NextTime < rd.Time {
		rd.NextTime = rd.Time
	}
	r.mu.Lock()
	r.cur = rd
	r.mu.Unlock()
}

func (r *Reported) Kind() Kind { return r.kind }

func (r *Reported) Time() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur.Time
}

func (r *Reported) NextTime() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur.NextTime
}

func (r *Reported) RoundsLeft() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur.RoundsLeft
}
