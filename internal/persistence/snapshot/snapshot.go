package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"meanbot.ai/internal/negotiation/engine"
)

const Version = 1

type Header struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	PartyID   string    `json:"party_id"`
	Turn      int       `json:"turn"`
	TakenAt   time.Time `json:"taken_at"`
}

// SessionV1 is the audit record of a session at one point in time. It is
// written for inspection and replay summaries; sessions are never resumed
// from it.
type SessionV1 struct {
	Header Header `json:"header"`

	Seed        int64  `json:"seed"`
	Policy      string `json:"policy"`
	WelfareMode string `json:"welfare_mode"`
	Weighting   string `json:"weighting"`
	SpaceMode   string `json:"space_mode"`
	SpaceSize   int    `json:"space_size"`
	Parties     int    `json:"parties"`
	LastMover   string `json:"last_mover,omitempty"`

	LastBid   map[int]string `json:"last_bid,omitempty"`
	Opponents []OpponentV1   `json:"opponents"`

	Outcome *OutcomeV1 `json:"outcome,omitempty"`
}

type OpponentV1 struct {
	ID           string                     `json:"id"`
	Observations int                        `json:"observations"`
	History      []string                   `json:"history"`
	Estimates    map[int]map[string]float64 `json:"estimates"`
}

type OutcomeV1 struct {
	Reason    string  `json:"reason"`
	Agreement bool    `json:"agreement"`
	Utility   float64 `json:"utility"`
}

// FromEngine converts an engine snapshot.
func FromEngine(s engine.Snapshot, seed int64, at time.Time) SessionV1 {
	out := SessionV1{
		Header: Header{
			Version:   Version,
			SessionID: s.SessionID,
			PartyID:   s.PartyID,
			Turn:      s.Turn,
			TakenAt:   at.UTC(),
		},
		Seed:        seed,
		Policy:      s.Policy,
		WelfareMode: s.WelfareMode,
		Weighting:   s.Weighting,
		SpaceMode:   s.SpaceMode,
		SpaceSize:   s.SpaceSize,
		Parties:     s.Parties,
		LastMover:   s.LastMover,
		LastBid:     s.LastBid,
	}
	for _, o := range s.Opponents {
		out.Opponents = append(out.Opponents, OpponentV1{
			ID:           o.ID,
			Observations: o.Observations,
			History:      o.History,
			Estimates:    o.Estimates,
		})
	}
	return out
}

// PathFor is where a session's final snapshot lives under dataDir.
func PathFor(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "snapshots", sessionID+".snap.zst")
}

// WriteSnapshot writes snap to a temporary file and renames it into place,
// so readers never see a partial snapshot.
func WriteSnapshot(path string, snap SessionV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SessionV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SessionV1, error) {
	var snap SessionV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The JSON header line duplicates what gob carries; ReadHeader uses it.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}
