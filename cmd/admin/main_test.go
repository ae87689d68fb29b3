package main

import (
	"bytes"
	"context"
	"database/sql"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"meanbot.ai/internal/negotiation/engine"
	"meanbot.ai/internal/observerproto"
	"meanbot.ai/internal/persistence/indexdb"
	"meanbot.ai/internal/persistence/snapshot"
	"meanbot.ai/internal/transport/observer"
	"meanbot.ai/internal/tuning"
)

func TestRunQuery_ReadsIndexTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.sqlite")
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := idx.UpsertTuning(tuning.Defaults()); err != nil {
		t.Fatalf("UpsertTuning: %v", err)
	}
	idx.RecordSession(indexdb.SessionRow{
		SessionID:    "s1",
		PartyID:      "buyer",
		Policy:       "welfare",
		WelfareMode:  "product",
		DeadlineKind: "rounds",
		Seed:         3,
		BidCount:     30,
		StartedAt:    time.Now(),
	})
	idx.RecordTurn(engine.TurnRecord{SessionID: "s1", Turn: 1, Action: "offer", Utility: 0.8})
	idx.RecordTurn(engine.TurnRecord{SessionID: "s1", Turn: 2, Action: "accept", Utility: 0.55, Fallback: engine.FallbackDeadline})
	idx.RecordOutcome(indexdb.OutcomeRow{SessionID: "s1", Reason: "agreement", Agreement: true, Utility: 0.55, Turns: 2, EndedAt: time.Now()})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var buf bytes.Buffer
	if err := runQuery(&buf, db, "sessions", "", 0); err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(buf.String(), `"session_id":"s1"`) || !strings.Contains(buf.String(), `"bid_count":30`) {
		t.Fatalf("sessions output: %s", buf.String())
	}

	buf.Reset()
	if err := runQuery(&buf, db, "turns", "s1", 10); err != nil {
		t.Fatalf("turns: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"fallback":"deadline"`) {
		t.Fatalf("turns output: %s", buf.String())
	}

	buf.Reset()
	if err := runQuery(&buf, db, "outcomes", "s1", 10); err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if !strings.Contains(buf.String(), `"agreement":true`) {
		t.Fatalf("outcomes output: %s", buf.String())
	}

	buf.Reset()
	if err := runQuery(&buf, db, "tuning", "", 1); err != nil {
		t.Fatalf("tuning: %v", err)
	}
	if !strings.Contains(buf.String(), `"digest"`) {
		t.Fatalf("tuning output: %s", buf.String())
	}

	if err := runQuery(&buf, db, "turns", "", 10); err == nil {
		t.Fatalf("expected error for turns without session")
	}
	if err := runQuery(&buf, db, "bids", "", 10); err == nil {
		t.Fatalf("expected error for unknown query")
	}
}

func TestListSnapshots(t *testing.T) {
	dataDir := t.TempDir()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"late", "early"} {
		snap := snapshot.SessionV1{Header: snapshot.Header{
			Version:   snapshot.Version,
			SessionID: id,
			PartyID:   "buyer",
			Turn:      4,
			TakenAt:   t0.Add(time.Duration(1-i) * time.Hour),
		}}
		if err := snapshot.WriteSnapshot(snapshot.PathFor(dataDir, id), snap); err != nil {
			t.Fatalf("WriteSnapshot: %v", err)
		}
	}

	rows, err := listSnapshots(filepath.Join(dataDir, "snapshots"))
	if err != nil {
		t.Fatalf("listSnapshots: %v", err)
	}
	if len(rows) != 2 || !strings.HasPrefix(rows[0], "early ") || !strings.HasPrefix(rows[1], "late ") {
		t.Fatalf("rows=%v", rows)
	}
	if !strings.Contains(rows[0], "taken_at=2026-01-02T03:04:05Z") {
		t.Fatalf("row=%q", rows[0])
	}
}

func TestObserve_PrintsRecords(t *testing.T) {
	srv := observer.NewServer(nil, nil)
	ts := httptest.NewServer(srv.WSHandler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- observe(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), observerproto.SubscribeMsg{
			Type:            observerproto.TypeSubscribe,
			ProtocolVersion: observerproto.Version,
		}, &buf)
	}()

	for srv.Observers() != 1 {
		if ctx.Err() != nil {
			t.Fatalf("observer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	srv.RecordTurn(engine.TurnRecord{SessionID: "s9", PartyID: "buyer", Turn: 2, Action: "offer", Fallback: engine.FallbackBudget})

	for !strings.Contains(buf.String(), "fallback=budget") {
		if ctx.Err() != nil {
			t.Fatalf("no output: %q", buf.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.HasPrefix(buf.String(), "s9 buyer turn=2") {
		t.Fatalf("output=%q", buf.String())
	}
	cancel()
	<-done
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
