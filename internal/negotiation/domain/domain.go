package domain

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalidDomain = errors.New("invalid domain")

// MaxIntegerValues bounds how many values an IntegerRange issue may span.
const MaxIntegerValues = 1 << 16

type Kind int

const (
	KindDiscrete Kind = iota + 1
	KindInteger
	KindReal
)

func (k Kind) String() string {
	switch k {
	case KindDiscrete:
		return "discrete"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	default:
		return "unknown"
	}
}

// Range is the tagged variant describing what an issue may take.
// Exactly one of Discrete, IntegerRange or RealRange implements it.
type Range interface {
	Kind() Kind
	grid() []Value
	canonical(v Value) (Value, bool)
	size() int
}

type Discrete struct {
	Values []string
}

func (Discrete) Kind() Kind { return KindDiscrete }

func (d Discrete) grid() []Value {
	out := make([]Value, 0, len(d.Values))
	for _, s := range d.Values {
		out = append(out, Str(s))
	}
	return out
}

func (d Discrete) canonical(v Value) (Value, bool) {
	if v.Kind != KindDiscrete {
		return Value{}, false
	}
	for _, s := range d.Values {
		if s == v.Str {
			return v, true
		}
	}
	return Value{}, false
}

func (d Discrete) size() int { return len(d.Values) }

type IntegerRange struct {
	Low, High int
}

func (IntegerRange) Kind() Kind { return KindInteger }

func (r IntegerRange) grid() []Value {
	out := make([]Value, 0, r.size())
	for i := r.Low; i <= r.High; i++ {
		out = append(out, Int(i))
	}
	return out
}

func (r IntegerRange) canonical(v Value) (Value, bool) {
	if v.Kind != KindInteger || v.Int < r.Low || v.Int > r.High {
		return Value{}, false
	}
	return v, true
}

func (r IntegerRange) size() int { return r.High - r.Low + 1 }

// RealRange is discretized into Steps evenly spaced points, both bounds included.
type RealRange struct {
	Low, High float64
	Steps     int
}

func (RealRange) Kind() Kind { return KindReal }

func (r RealRange) point(i int) float64 {
	if r.Steps <= 1 {
		return r.Low
	}
	return r.Low + (r.High-r.Low)*float64(i)/float64(r.Steps-1)
}

func (r RealRange) grid() []Value {
	out := make([]Value, 0, r.Steps)
	for i := 0; i < r.Steps; i++ {
		out = append(out, Real(r.point(i)))
	}
	return out
}

// canonical snaps v onto the nearest grid point when it lies within a
// small tolerance of it, so values that crossed a wire still match.
func (r RealRange) canonical(v Value) (Value, bool) {
	if v.Kind != KindReal {
		return Value{}, false
	}
	tol := 1e-9 * math.Max(1, r.High-r.Low)
	for i := 0; i < r.Steps; i++ {
		if p := r.point(i); math.Abs(p-v.Real) <= tol {
			return Real(p), true
		}
	}
	return Value{}, false
}

func (r RealRange) size() int { return r.Steps }

// Value is one element of an issue's domain. It is comparable and used as a map key.
type Value struct {
	Kind Kind
	Str  string
	Int  int
	Real float64
}

func Str(s string) Value     { return Value{Kind: KindDiscrete, Str: s} }
func Int(i int) Value        { return Value{Kind: KindInteger, Int: i} }
func Real(f float64) Value   { return Value{Kind: KindReal, Real: f} }
func (v Value) IsZero() bool { return v.Kind == 0 }

func (v Value) String() string {
	switch v.Kind {
	case KindDiscrete:
		return v.Str
	case KindInteger:
		return strconv.Itoa(v.Int)
	case KindReal:
		return strconv.FormatFloat(v.Real, 'g', -1, 64)
	default:
		return "<none>"
	}
}

type Issue struct {
	Number int
	Name   string
	Range  Range
}

// Domain is the ordered set of issues under negotiation. It is immutable after New.
type Domain struct {
	issues []Issue
	byNum  map[int]int
	grids  map[int][]Value
}

func New(issues []Issue) (*Domain, error) {
	if len(issues) == 0 {
		return nil, fmt.Errorf("%w: no issues", ErrInvalidDomain)
	}
	d := &Domain{
		issues: make([]Issue, len(issues)),
		byNum:  make(map[int]int, len(issues)),
		grids:  make(map[int][]Value, len(issues)),
	}
	copy(d.issues, issues)
	sort.SliceStable(d.issues, func(i, j int) bool { return d.issues[i].Number < d.issues[j].Number })

	for i, is := range d.issues {
		if _, dup := d.byNum[is.Number]; dup {
			return nil, fmt.Errorf("%w: duplicate issue %d", ErrInvalidDomain, is.Number)
		}
		if err := validateRange(is); err != nil {
			return nil, err
		}
		d.byNum[is.Number] = i
		d.grids[is.Number] = is.Range.grid()
	}
	return d, nil
}

func validateRange(is Issue) error {
	switch r := is.Range.(type) {
	case Discrete:
		if len(r.Values) == 0 {
			return fmt.Errorf("%w: issue %d has no values", ErrInvalidDomain, is.Number)
		}
		seen := make(map[string]struct{}, len(r.Values))
		for _, s := range r.Values {
			if _, ok := seen[s]; ok {
				return fmt.Errorf("%w: issue %d repeats value %q", ErrInvalidDomain, is.Number, s)
			}
			seen[s] = struct{}{}
		}
	case IntegerRange:
		if r.High < r.Low {
			return fmt.Errorf("%w: issue %d range [%d,%d]", ErrInvalidDomain, is.Number, r.Low, r.High)
		}
		if r.size() > MaxIntegerValues {
			return fmt.Errorf("%w: issue %d spans %d integers (max %d)", ErrInvalidDomain, is.Number, r.size(), MaxIntegerValues)
		}
	case RealRange:
		if r.High < r.Low || r.Steps < 2 || r.Steps > MaxIntegerValues || math.IsNaN(r.Low) || math.IsNaN(r.High) {
			return fmt.Errorf("%w: issue %d real range [%g,%g] steps=%d", ErrInvalidDomain, is.Number, r.Low, r.High, r.Steps)
		}
	case nil:
		return fmt.Errorf("%w: issue %d has no range", ErrInvalidDomain, is.Number)
	default:
		return fmt.Errorf("%w: issue %d has range kind %v", ErrInvalidDomain, is.Number, r.Kind())
	}
	return nil
}

// Issues returns the issues ordered by number.
func (d *Domain) Issues() []Issue {
	out := make([]Issue, len(d.issues))
	copy(out, d.issues)
	return out
}

func (d *Domain) Len() int { return len(d.issues) }

func (d *Domain) Issue(number int) (Issue, bool) {
	i, ok := d.byNum[number]
	if !ok {
		return Issue{}, false
	}
	return d.issues[i], true
}

// Values returns the discretized grid of an issue in domain order.
// The returned slice must not be modified.
func (d *Domain) Values(number int) []Value {
	return d.grids[number]
}

func (d *Domain) Contains(number int, v Value) bool {
	_, ok := d.Canonical(number, v)
	return ok
}

// Canonical returns the domain's own representation of v for an issue.
func (d *Domain) Canonical(number int, v Value) (Value, bool) {
	i, ok := d.byNum[number]
	if !ok {
		return Value{}, false
	}
	return d.issues[i].Range.canonical(v)
}

// AllDiscrete reports whether every issue is a Discrete range.
func (d *Domain) AllDiscrete() bool {
	for _, is := range d.issues {
		if is.Range.Kind() != KindDiscrete {
			return false
		}
	}
	return true
}

// CrossProductSize is the number of distinct bids, saturating at limit+1
// so callers can compare against a bound without overflow.
func (d *Domain) CrossProductSize(limit int) int {
	if limit < 0 {
		limit = 0
	}
	if limit == math.MaxInt {
		limit--
	}
	n := 1
	for _, is := range d.issues {
		size := is.Range.size()
		if size == 0 {
			return 0
		}
		if n > limit/size {
			return limit + 1
		}
		n *= size
	}
	return n
}

// Bid is a total assignment of one value to every issue of a domain.
type Bid struct {
	values map[int]Value
}

func NewBid(d *Domain, values map[int]Value) (Bid, error) {
	if d == nil {
		return Bid{}, fmt.Errorf("%w: nil domain", ErrInvalidDomain)
	}
	if len(values) != len(d.issues) {
		return Bid{}, fmt.Errorf("%w: bid assigns %d of %d issues", ErrInvalidDomain, len(values), len(d.issues))
	}
	cp := make(map[int]Value, len(values))
	for _, is := range d.issues {
		v, ok := values[is.Number]
		if !ok {
			return Bid{}, fmt.Errorf("%w: bid misses issue %d", ErrInvalidDomain, is.Number)
		}
		cv, ok := is.Range.canonical(v)
		if !ok {
			return Bid{}, fmt.Errorf("%w: value %s not in issue %d", ErrInvalidDomain, v, is.Number)
		}
		cp[is.Number] = cv
	}
	return Bid{values: cp}, nil
}

func (b Bid) IsZero() bool { return len(b.values) == 0 }

func (b Bid) Value(issue int) (Value, bool) {
	v, ok := b.values[issue]
	return v, ok
}

// Issues returns the assigned issue numbers in ascending order.
func (b Bid) Issues() []int {
	out := make([]int, 0, len(b.values))
	for n := range b.values {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Values returns a copy of the assignment.
func (b Bid) Values() map[int]Value {
	out := make(map[int]Value, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

func (b Bid) Equal(o Bid) bool {
	if len(b.values) != len(o.values) {
		return false
	}
	for k, v := range b.values {
		if ov, ok := o.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (b Bid) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, n := range b.Issues() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d=%s", n, b.values[n])
	}
	sb.WriteByte('}')
	return sb.String()
}
