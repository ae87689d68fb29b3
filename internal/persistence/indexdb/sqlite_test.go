package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"meanbot.ai/internal/negotiation/engine"
	"meanbot.ai/internal/tuning"
)

func TestSQLiteIndex_SessionTurnsOutcome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := idx.UpsertTuning(tuning.Defaults()); err != nil {
		t.Fatalf("UpsertTuning: %v", err)
	}
	idx.RecordSession(SessionRow{
		SessionID:    "s1",
		PartyID:      "buyer",
		Policy:       "welfare",
		WelfareMode:  "product",
		DeadlineKind: "rounds",
		Seed:         42,
		BidCount:     30,
		StartedAt:    time.Now(),
	})
	for i := 1; i <= 3; i++ {
		idx.RecordTurn(engine.TurnRecord{SessionID: "s1", Turn: i, Action: "offer", Utility: 0.6})
	}
	idx.RecordTurn(engine.TurnRecord{SessionID: "s1", Turn: 4, Action: "accept", Utility: 0.55, Fallback: engine.FallbackDeadline})
	idx.RecordOutcome(OutcomeRow{SessionID: "s1", Reason: "agreement", Agreement: true, Utility: 0.55, Turns: 4, EndedAt: time.Now()})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var seed, bids int64
	if err := db.QueryRow(`SELECT seed,bid_count FROM sessions WHERE session_id='s1'`).Scan(&seed, &bids); err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if seed != 42 || bids != 30 {
		t.Fatalf("session row seed=%d bids=%d", seed, bids)
	}

	var turns int
	if err := db.QueryRow(`SELECT COUNT(*) FROM turns WHERE session_id='s1'`).Scan(&turns); err != nil {
		t.Fatalf("turns: %v", err)
	}
	if turns != 4 {
		t.Fatalf("turns=%d want 4", turns)
	}
	var fallback string
	if err := db.QueryRow(`SELECT fallback FROM turns WHERE session_id='s1' AND turn=4`).Scan(&fallback); err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if fallback != "deadline" {
		t.Fatalf("fallback=%q", fallback)
	}

	var agreement, n int
	if err := db.QueryRow(`SELECT agreement,turns FROM outcomes WHERE session_id='s1'`).Scan(&agreement, &n); err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if agreement != 1 || n != 4 {
		t.Fatalf("outcome agreement=%d turns=%d", agreement, n)
	}

	var digest string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key='tuning_digest'`).Scan(&digest); err != nil || len(digest) != 64 {
		t.Fatalf("tuning digest %q err=%v", digest, err)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTurn}

	s.RecordSession(SessionRow{SessionID: "s"})
	s.RecordTurn(engine.TurnRecord{Turn: 2})
	s.RecordOutcome(OutcomeRow{SessionID: "s"})

	st := s.Stats()
	if st.DropSessionTotal != 1 || st.DropTurnTotal != 1 || st.DropOutcomeTotal != 1 {
		t.Fatalf("drops: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilIsNoop(t *testing.T) {
	var s *SQLiteIndex
	s.RecordTurn(engine.TurnRecord{})
	s.RecordSession(SessionRow{})
	if err := s.UpsertTuning(tuning.Defaults()); err != nil {
		t.Fatalf("UpsertTuning on nil: %v", err)
	}
	if st := s.Stats(); st.QueueCapacity != 0 {
		t.Fatalf("nil stats %+v", st)
	}
}

func TestSQLiteIndex_IdleWritesVisibleToReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	idx.RecordSession(SessionRow{SessionID: "s1", PartyID: "buyer", Policy: "welfare", WelfareMode: "product", DeadlineKind: "rounds", StartedAt: time.Now()})
	idx.RecordTurn(engine.TurnRecord{SessionID: "s1", Turn: 1, Action: "offer", Utility: 0.7})
	idx.RecordOutcome(OutcomeRow{SessionID: "s1", Reason: "deadline", Turns: 1, EndedAt: time.Now()})
	// A turn after the outcome must still reach readers with no further traffic.
	idx.RecordTurn(engine.TurnRecord{SessionID: "s2", Turn: 1, Action: "offer", Utility: 0.6})

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	count := func(q string) int {
		var n int
		if err := db.QueryRow(q).Scan(&n); err != nil {
			return -1
		}
		return n
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		outcomes := count(`SELECT COUNT(*) FROM outcomes WHERE session_id='s1'`)
		turns := count(`SELECT COUNT(*) FROM turns`)
		if outcomes == 1 && turns == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("idle index not visible: outcomes=%d turns=%d", outcomes, turns)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
