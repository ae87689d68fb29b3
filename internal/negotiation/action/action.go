package action

import (
	"fmt"

	"meanbot.ai/internal/negotiation/domain"
)

type Kind int

const (
	KindOffer Kind = iota + 1
	KindAccept
	KindInform
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAccept:
		return "accept"
	case KindInform:
		return "inform"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "offer":
		return KindOffer, nil
	case "accept":
		return KindAccept, nil
	case "inform":
		return KindInform, nil
	case "end":
		return KindEnd, nil
	default:
		return 0, fmt.Errorf("unknown action kind %q", s)
	}
}

// Action is one move exchanged with the negotiation host. Bid is set for
// offers, Parties for informs.
type Action struct {
	Kind    Kind
	Bid     domain.Bid
	Parties int
}

func Offer(b domain.Bid) Action { return Action{Kind: KindOffer, Bid: b} }
func Accept() Action            { return Action{Kind: KindAccept} }
func Inform(parties int) Action { return Action{Kind: KindInform, Parties: parties} }
func End() Action               { return Action{Kind: KindEnd} }
func (a Action) IsOffer() bool  { return a.Kind == KindOffer }
func (a Action) IsAccept() bool { return a.Kind == KindAccept }

func (a Action) String() string {
	switch a.Kind {
	case KindOffer:
		return "offer" + a.Bid.String()
	case KindInform:
		return fmt.Sprintf("inform(parties=%d)", a.Parties)
	default:
		return a.Kind.String()
	}
}
