package main

import (
	"fmt"
	"sort"
	"strings"

	"meanbot.ai/internal/negotiation/engine"
	"meanbot.ai/internal/persistence/snapshot"
)

// utilitySlack tolerates normalization error above 1.
const utilitySlack = 1.05

type session struct {
	ID        string
	PartyID   string
	Turns     []engine.TurnRecord
	Offers    int
	Accepts   int
	Fallbacks map[string]int
	Snapshot  *snapshot.SessionV1
}

// summarize groups turn records by session, keeping log order within each
// session. Sessions are returned sorted by id.
func summarize(records []engine.TurnRecord, only string) []*session {
	byID := map[string]*session{}
	for _, r := range records {
		if only != "" && r.SessionID != only {
			continue
		}
		s, ok := byID[r.SessionID]
		if !ok {
			s = &session{ID: r.SessionID, PartyID: r.PartyID, Fallbacks: map[string]int{}}
			byID[r.SessionID] = s
		}
		s.Turns = append(s.Turns, r)
		switch r.Action {
		case "offer":
			s.Offers++
		case "accept":
			s.Accepts++
		}
		if r.Fallback != engine.FallbackNone {
			s.Fallbacks[string(r.Fallback)]++
		}
	}
	out := make([]*session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *session) fallbackSummary() string {
	if len(s.Fallbacks) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(s.Fallbacks))
	for _, k := range sortedKeys(s.Fallbacks) {
		parts = append(parts, fmt.Sprintf("%s:%d", k, s.Fallbacks[k]))
	}
	return strings.Join(parts, ",")
}

func (s *session) meanElapsed() float64 {
	if len(s.Turns) == 0 {
		return 0
	}
	var sum float64
	for _, r := range s.Turns {
		sum += r.ElapsedMS
	}
	return sum / float64(len(s.Turns))
}

// verify checks the records of one session for consistency with each other
// and with the final snapshot.
func (s *session) verify() []string {
	var problems []string
	prev := 0
	for i, r := range s.Turns {
		if i > 0 && r.Turn <= prev {
			problems = append(problems, fmt.Sprintf("turn %d follows turn %d", r.Turn, prev))
		}
		prev = r.Turn
		if r.Time < 0 || r.Time > 1 {
			problems = append(problems, fmt.Sprintf("turn %d: time %g outside [0,1]", r.Turn, r.Time))
		}
		if r.Utility < 0 || r.Utility > utilitySlack {
			problems = append(problems, fmt.Sprintf("turn %d: utility %g out of range", r.Turn, r.Utility))
		}
		if r.Action == "offer" && len(r.Bid) == 0 {
			problems = append(problems, fmt.Sprintf("turn %d: offer without bid", r.Turn))
		}
	}
	if s.Snapshot != nil {
		if s.Snapshot.Header.Turn != len(s.Turns) {
			problems = append(problems, fmt.Sprintf("snapshot turn %d, log has %d turns", s.Snapshot.Header.Turn, len(s.Turns)))
		}
		if s.Snapshot.Header.PartyID != s.PartyID {
			problems = append(problems, fmt.Sprintf("snapshot party %q, log party %q", s.Snapshot.Header.PartyID, s.PartyID))
		}
	}
	return problems
}
