// Package observerproto is the read-only admin feed of live decisions. It
// is versioned separately from the party protocol.
package observerproto

import "meanbot.ai/internal/negotiation/engine"

const Version = "0.1"

const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeTurnRecord = "TURN_RECORD"
)

// SubscribeMsg is the first client message and may be re-sent to change
// the filter. Empty fields match everything.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id,omitempty"`
	PartyID         string `json:"party_id,omitempty"`
}

func (m SubscribeMsg) Matches(r engine.TurnRecord) bool {
	return (m.SessionID == "" || m.SessionID == r.SessionID) &&
		(m.PartyID == "" || m.PartyID == r.PartyID)
}

// TurnRecordMsg is pushed for every decision any session makes.
type TurnRecordMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Record          engine.TurnRecord `json:"record"`
}

// BootstrapResponse answers GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	Sessions        int64  `json:"sessions"`
	Observers       int    `json:"observers"`
	DroppedTotal    uint64 `json:"dropped_total"`
}
