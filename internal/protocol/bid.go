package protocol

import (
	"fmt"
	"math"
	"strconv"

	"meanbot.ai/internal/negotiation/action"
	"meanbot.ai/internal/negotiation/domain"
)

// maxExactInt is the largest magnitude a JSON number carries exactly.
const maxExactInt = 1 << 53

// Bid is the wire form of a bid: issue number (as a string key) to value.
// Discrete values travel as strings, range values as numbers.
type Bid map[string]any

func EncodeBid(b domain.Bid) Bid {
	if b.IsZero() {
		return nil
	}
	out := make(Bid, len(b.Issues()))
	for n, v := range b.Values() {
		key := strconv.Itoa(n)
		switch v.Kind {
		case domain.KindInteger:
			out[key] = v.Int
		case domain.KindReal:
			out[key] = v.Real
		default:
			out[key] = v.Str
		}
	}
	return out
}

// DecodeBid converts a wire bid into a domain bid. Numbers decoded from JSON
// arrive as float64; integer issues require an integral value.
func DecodeBid(d *domain.Domain, b Bid) (domain.Bid, error) {
	values := make(map[int]domain.Value, len(b))
	for key, raw := range b {
		n, err := strconv.Atoi(key)
		if err != nil {
			return domain.Bid{}, fmt.Errorf("bid key %q is not an issue number", key)
		}
		is, ok := d.Issue(n)
		if !ok {
			return domain.Bid{}, fmt.Errorf("bid names unknown issue %d", n)
		}
		v, err := decodeValue(is, raw)
		if err != nil {
			return domain.Bid{}, err
		}
		values[n] = v
	}
	return domain.NewBid(d, values)
}

func decodeValue(is domain.Issue, raw any) (domain.Value, error) {
	switch is.Range.Kind() {
	case domain.KindDiscrete:
		s, ok := raw.(string)
		if !ok {
			return domain.Value{}, fmt.Errorf("issue %d expects a string, got %T", is.Number, raw)
		}
		return domain.Str(s), nil
	case domain.KindInteger:
		f, ok := number(raw)
		if !ok || f != math.Trunc(f) {
			return domain.Value{}, fmt.Errorf("issue %d expects an integer, got %v", is.Number, raw)
		}
		if math.Abs(f) > maxExactInt {
			return domain.Value{}, fmt.Errorf("issue %d value %v is outside ±2^53", is.Number, raw)
		}
		return domain.Int(int(f)), nil
	case domain.KindReal:
		f, ok := number(raw)
		if !ok {
			return domain.Value{}, fmt.Errorf("issue %d expects a number, got %v", is.Number, raw)
		}
		return domain.Real(f), nil
	default:
		return domain.Value{}, fmt.Errorf("issue %d has unsupported kind", is.Number)
	}
}

func number(raw any) (float64, bool) {
	switch x := raw.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// DecodeAction converts a wire action; offers must carry a bid.
func DecodeAction(d *domain.Domain, m ActionMsg) (action.Action, error) {
	kind, err := action.ParseKind(m.Kind)
	if err != nil {
		return action.Action{}, err
	}
	switch kind {
	case action.KindOffer:
		if len(m.Bid) == 0 {
			return action.Action{}, fmt.Errorf("offer without bid")
		}
		b, err := DecodeBid(d, m.Bid)
		if err != nil {
			return action.Action{}, err
		}
		return action.Offer(b), nil
	case action.KindInform:
		if m.Parties <= 0 {
			return action.Action{}, fmt.Errorf("inform needs a positive party count")
		}
		return action.Inform(m.Parties), nil
	default:
		return action.Action{Kind: kind}, nil
	}
}

func EncodeAction(a action.Action) ActionMsg {
	return ActionMsg{Kind: a.Kind.String(), Bid: EncodeBid(a.Bid), Parties: a.Parties}
}

// DescribeDomain lists the issues of a domain for WELCOME.
func DescribeDomain(d *domain.Domain) []IssueDesc {
	out := make([]IssueDesc, 0, d.Len())
	for _, is := range d.Issues() {
		desc := IssueDesc{Number: is.Number, Name: is.Name, Kind: is.Range.Kind().String()}
		switch r := is.Range.(type) {
		case domain.Discrete:
			desc.Values = append([]string(nil), r.Values...)
		case domain.IntegerRange:
			lo, hi := float64(r.Low), float64(r.High)
			desc.Low, desc.High = &lo, &hi
		case domain.RealRange:
			lo, hi := r.Low, r.High
			desc.Low, desc.High, desc.Steps = &lo, &hi, r.Steps
		}
		out = append(out, desc)
	}
	return out
}
