package snapshot

import (
	"testing"
	"time"

	"meanbot.ai/internal/negotiation/engine"
)

func TestWriteReadSnapshot(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snap := FromEngine(engine.Snapshot{
		PartyID:   "buyer",
		SessionID: "s-1",
		Turn:      12,
		Parties:   2,
		Policy:    "welfare",
		SpaceMode: "enumerated",
		SpaceSize: 30,
		LastBid:   map[int]string{1: "blue", 2: "3"},
		Opponents: []engine.OpponentView{{
			ID:           "seller",
			Observations: 2,
			History:      []string{"offer{1=red 2=1}", "offer{1=red 2=2}"},
			Estimates:    map[int]map[string]float64{1: {"red": 1, "blue": 0}},
		}},
	}, 42, at)
	snap.Outcome = &OutcomeV1{Reason: "agreement", Agreement: true, Utility: 0.7}

	path := PathFor(t.TempDir(), "s-1")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.SessionID != "s-1" || h.Turn != 12 || h.Version != Version || !h.TakenAt.Equal(at) {
		t.Fatalf("header %+v", h)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got.Seed != 42 || got.SpaceSize != 30 || got.LastBid[1] != "blue" {
		t.Fatalf("snapshot %+v", got)
	}
	if len(got.Opponents) != 1 || got.Opponents[0].Estimates[1]["red"] != 1 {
		t.Fatalf("opponents %+v", got.Opponents)
	}
	if got.Outcome == nil || !got.Outcome.Agreement {
		t.Fatalf("outcome %+v", got.Outcome)
	}
}
