package protocol

import "encoding/json"

// HELLO (host -> engine)
type HelloMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	PartyID         string          `json:"party_id"`
	Profile         json.RawMessage `json:"profile"`
	Deadline        Deadline        `json:"deadline"`
	Seed            int64           `json:"seed,omitempty"`
}

type Deadline struct {
	Kind        string `json:"kind"`
	TotalMs     int64  `json:"total_ms,omitempty"`
	TotalRounds int    `json:"total_rounds,omitempty"`
}

// WELCOME (engine -> host)
type WelcomeMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	SessionID       string       `json:"session_id"`
	PartyID         string       `json:"party_id"`
	BidSpace        BidSpaceInfo `json:"bid_space"`
	BidCount        int          `json:"bid_count"`
}

type BidSpaceInfo struct {
	Mode   string      `json:"mode"`
	Issues []IssueDesc `json:"issues"`
}

type IssueDesc struct {
	Number int      `json:"number"`
	Name   string   `json:"name,omitempty"`
	Kind   string   `json:"kind"`
	Values []string `json:"values,omitempty"`
	Low    *float64 `json:"low,omitempty"`
	High   *float64 `json:"high,omitempty"`
	Steps  int      `json:"steps,omitempty"`
}

// EVENT (host -> engine): another party's action.
type EventMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Sender          string    `json:"sender"`
	Action          ActionMsg `json:"action"`
}

type ActionMsg struct {
	Kind    string `json:"kind"`
	Bid     Bid    `json:"bid,omitempty"`
	Parties int    `json:"parties,omitempty"`
}

// TURN (host -> engine): the engine must answer with one DECISION.
type TurnMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Turn            int         `json:"turn"`
	Timeline        TimelineMsg `json:"timeline"`
}

type TimelineMsg struct {
	Time       float64 `json:"time"`
	NextTime   float64 `json:"next_time"`
	RoundsLeft *int    `json:"rounds_left,omitempty"`
}

// DECISION (engine -> host)
type DecisionMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Turn            int       `json:"turn"`
	Action          ActionMsg `json:"action"`
	Utility         float64   `json:"utility"`
}

// END (host -> engine)
type EndMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Reason          string `json:"reason,omitempty"`
}

// ERROR (engine -> host)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
