package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	sessionID := fs.String("session", "", "session id (turns, outcomes)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "sessions.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runQuery(os.Stdout, db, q, strings.TrimSpace(*sessionID), *limit); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type sessionRow struct {
	SessionID    string `json:"session_id"`
	PartyID      string `json:"party_id"`
	ProfileName  string `json:"profile_name,omitempty"`
	Policy       string `json:"policy"`
	WelfareMode  string `json:"welfare_mode"`
	DeadlineKind string `json:"deadline_kind"`
	Seed         int64  `json:"seed"`
	BidCount     int    `json:"bid_count"`
	StartedAt    string `json:"started_at"`
}

type turnRow struct {
	SessionID string  `json:"session_id"`
	Turn      int     `json:"turn"`
	Time      float64 `json:"time"`
	Action    string  `json:"action"`
	Utility   float64 `json:"utility"`
	Welfare   float64 `json:"welfare"`
	Fallback  string  `json:"fallback,omitempty"`
	ElapsedMS float64 `json:"elapsed_ms"`
}

type outcomeRow struct {
	SessionID    string  `json:"session_id"`
	Reason       string  `json:"reason"`
	Agreement    bool    `json:"agreement"`
	Utility      float64 `json:"utility"`
	Turns        int     `json:"turns"`
	SnapshotPath string  `json:"snapshot_path,omitempty"`
	EndedAt      string  `json:"ended_at"`
}

type tuningRow struct {
	Digest    string          `json:"digest"`
	JSON      json.RawMessage `json:"json"`
	UpdatedAt string          `json:"updated_at"`
}

// runQuery prints the rows of one index table as JSON lines.
func runQuery(w io.Writer, db *sql.DB, q, sessionID string, limit int) error {
	if limit <= 0 {
		limit = 20
	}
	enc := json.NewEncoder(w)

	switch q {
	case "sessions":
		rows, err := db.Query(`SELECT session_id,party_id,COALESCE(profile_name,''),policy,welfare_mode,deadline_kind,seed,bid_count,started_at FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r sessionRow
			if err := rows.Scan(&r.SessionID, &r.PartyID, &r.ProfileName, &r.Policy, &r.WelfareMode, &r.DeadlineKind, &r.Seed, &r.BidCount, &r.StartedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "turns":
		if sessionID == "" {
			return fmt.Errorf("turns: missing -session")
		}
		rows, err := db.Query(`SELECT session_id,turn,time,action,utility,welfare,COALESCE(fallback,''),elapsed_ms FROM turns WHERE session_id=? ORDER BY turn ASC LIMIT ?`, sessionID, limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r turnRow
			if err := rows.Scan(&r.SessionID, &r.Turn, &r.Time, &r.Action, &r.Utility, &r.Welfare, &r.Fallback, &r.ElapsedMS); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "outcomes":
		query := `SELECT session_id,reason,agreement,utility,turns,COALESCE(snapshot_path,''),ended_at FROM outcomes`
		qargs := []any{}
		if sessionID != "" {
			query += ` WHERE session_id=?`
			qargs = append(qargs, sessionID)
		}
		query += ` ORDER BY ended_at DESC LIMIT ?`
		qargs = append(qargs, limit)
		rows, err := db.Query(query, qargs...)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r         outcomeRow
				agreement int
			)
			if err := rows.Scan(&r.SessionID, &r.Reason, &agreement, &r.Utility, &r.Turns, &r.SnapshotPath, &r.EndedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			r.Agreement = agreement != 0
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "tuning":
		rows, err := db.Query(`SELECT digest,json,updated_at FROM tuning ORDER BY updated_at DESC LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r   tuningRow
				raw string
			)
			if err := rows.Scan(&r.Digest, &raw, &r.UpdatedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			r.JSON = json.RawMessage(raw)
			_ = enc.Encode(r)
		}
		return rows.Err()

	default:
		return fmt.Errorf("unknown query %q (sessions|turns|outcomes|tuning)", q)
	}
}
