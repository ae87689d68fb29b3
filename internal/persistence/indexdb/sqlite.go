package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"meanbot.ai/internal/negotiation/engine"
	"meanbot.ai/internal/tuning"
)

// SQLiteIndex is a queryable secondary index over sessions and turns. All
// writes go through one goroutine; when it falls behind, requests are
// dropped and counted. The JSONL turn logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu guards closed against sends racing Close.
	mu     sync.RWMutex
	closed bool

	dropSession atomic.Uint64
	dropTurn    atomic.Uint64
	dropOutcome atomic.Uint64
}

type reqKind int

const (
	reqSession reqKind = iota + 1
	reqTurn
	reqOutcome
)

type req struct {
	kind reqKind

	session SessionRow
	turn    engine.TurnRecord
	outcome OutcomeRow
}

type SessionRow struct {
	SessionID    string
	PartyID      string
	ProfileName  string
	Policy       string
	WelfareMode  string
	DeadlineKind string
	Seed         int64
	BidCount     int
	StartedAt    time.Time
}

type OutcomeRow struct {
	SessionID    string
	Reason       string
	Agreement    bool
	Utility      float64
	Turns        int
	SnapshotPath string
	EndedAt      time.Time
}

type Stats struct {
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	DropSessionTotal uint64 `json:"drop_session_total"`
	DropTurnTotal    uint64 `json:"drop_turn_total"`
	DropOutcomeTotal uint64 `json:"drop_outcome_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tuning (
			digest TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			party_id TEXT NOT NULL,
			profile_name TEXT,
			policy TEXT NOT NULL,
			welfare_mode TEXT NOT NULL,
			deadline_kind TEXT NOT NULL,
			seed INTEGER NOT NULL,
			bid_count INTEGER NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			session_id TEXT NOT NULL,
			turn INTEGER NOT NULL,
			time REAL NOT NULL,
			action TEXT NOT NULL,
			utility REAL NOT NULL,
			welfare REAL NOT NULL,
			fallback TEXT,
			elapsed_ms REAL NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (session_id, turn)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_action ON turns(action, session_id);`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			session_id TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			agreement INTEGER NOT NULL,
			utility REAL NOT NULL,
			turns INTEGER NOT NULL,
			snapshot_path TEXT,
			ended_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropSessionTotal: s.dropSession.Load(),
		DropTurnTotal:    s.dropTurn.Load(),
		DropOutcomeTotal: s.dropOutcome.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) RecordSession(row SessionRow) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqSession, session: row}, &s.dropSession)
}

// RecordTurn implements engine.TurnRecorder.
func (s *SQLiteIndex) RecordTurn(r engine.TurnRecord) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqTurn, turn: r}, &s.dropTurn)
}

func (s *SQLiteIndex) RecordOutcome(row OutcomeRow) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqOutcome, outcome: row}, &s.dropOutcome)
}

// UpsertTuning stores the tuning actually applied, keyed by its digest.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('tuning_digest',?)`, digest); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO tuning(digest,json,updated_at) VALUES(?,?,?)`, digest, string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSession, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(session_id,party_id,profile_name,policy,welfare_mode,deadline_kind,seed,bid_count,started_at) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertTurn, _ := s.db.Prepare(`INSERT OR REPLACE INTO turns(session_id,turn,time,action,utility,welfare,fallback,elapsed_ms,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertOutcome, _ := s.db.Prepare(`INSERT OR REPLACE INTO outcomes(session_id,reason,agreement,utility,turns,snapshot_path,ended_at) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertSession, insertTurn, insertOutcome} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	// Sessions arrive in bursts, so an idle index still commits on the
	// ticker and an outcome closes its batch at once.
	tick := time.NewTicker(commitMaxWait)
	defer tick.Stop()

	for {
		var r req
		select {
		case <-tick.C:
			if tx != nil && opCount > 0 {
				commit()
			}
			continue
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSession:
			se := r.session
			exec(insertSession,
				se.SessionID,
				se.PartyID,
				se.ProfileName,
				se.Policy,
				se.WelfareMode,
				se.DeadlineKind,
				se.Seed,
				se.BidCount,
				se.StartedAt.UTC().Format(time.RFC3339Nano),
			)

		case reqTurn:
			t := r.turn
			raw, _ := json.Marshal(t)
			exec(insertTurn,
				t.SessionID,
				t.Turn,
				t.Time,
				t.Action,
				t.Utility,
				t.Welfare,
				string(t.Fallback),
				t.ElapsedMS,
				string(raw),
			)

		case reqOutcome:
			o := r.outcome
			agreement := 0
			if o.Agreement {
				agreement = 1
			}
			exec(insertOutcome,
				o.SessionID,
				o.Reason,
				agreement,
				o.Utility,
				o.Turns,
				o.SnapshotPath,
				o.EndedAt.UTC().Format(time.RFC3339Nano),
			)
			commit()
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
}
