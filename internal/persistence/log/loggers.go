package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"meanbot.ai/internal/negotiation/engine"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Files lists the log files written under dir for prefix, oldest first.
func Files(dir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadJSONL decodes every line of a zstd JSONL file, calling fn per line.
// A file that was appended to after a restart holds several zstd frames;
// the decoder reads them back to back.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 1 {
			if ferr := fn(line[:len(line)-1]); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// TurnLogger writes one JSONL entry per engine decision (compressed).
type TurnLogger struct {
	w   *JSONLZstdWriter
	log *slog.Logger
}

func NewTurnLogger(dataDir string, logger *slog.Logger) *TurnLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnLogger{
		w:   NewJSONLZstdWriter(filepath.Join(dataDir, "turns"), "turns"),
		log: logger.With("component", "turnlog"),
	}
}

// RecordTurn implements engine.TurnRecorder. Write failures are logged and
// never reach the engine.
func (l *TurnLogger) RecordTurn(r engine.TurnRecord) {
	if err := l.w.Write(r); err != nil {
		l.log.Warn("turn log write failed", "session", r.SessionID, "turn", r.Turn, "err", err)
	}
}

func (l *TurnLogger) Close() error { return l.w.Close() }

// ReadTurns loads every turn record in the turn logs under dataDir.
func ReadTurns(dataDir string) ([]engine.TurnRecord, error) {
	files, err := Files(filepath.Join(dataDir, "turns"), "turns")
	if err != nil {
		return nil, err
	}
	var out []engine.TurnRecord
	for _, path := range files {
		err := ReadJSONL(path, func(line []byte) error {
			var r engine.TurnRecord
			if err := json.Unmarshal(line, &r); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			out = append(out, r)
			return nil
		})
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// EventEntry is one inbound host event, logged for audit.
type EventEntry struct {
	SessionID string          `json:"session_id"`
	At        time.Time       `json:"at"`
	Type      string          `json:"type"`
	Raw       json.RawMessage `json:"raw"`
}

// EventLogger writes inbound protocol messages (compressed).
type EventLogger struct{ w *JSONLZstdWriter }

func NewEventLogger(dataDir string) *EventLogger {
	return &EventLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "events")}
}

func (l *EventLogger) WriteEvent(e EventEntry) error { return l.w.Write(e) }
func (l *EventLogger) Close() error                  { return l.w.Close() }
