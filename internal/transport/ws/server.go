package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"meanbot.ai/internal/negotiation/engine"
	"meanbot.ai/internal/persistence/indexdb"
	plog "meanbot.ai/internal/persistence/log"
	"meanbot.ai/internal/protocol"
	"meanbot.ai/internal/tuning"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
)

type Server struct {
	tune tuning.Tuning
	log  *slog.Logger

	recorders   []engine.TurnRecorder
	index       *indexdb.SQLiteIndex
	events      *plog.EventLogger
	snapshotDir string
	archive     Archiver
	newID       func() string
	now         func() time.Time

	active atomic.Int64

	upgrader websocket.Upgrader
}

type Option func(*Server)

// WithTurnRecorder adds a recorder that sees every decision of every session.
func WithTurnRecorder(r engine.TurnRecorder) Option {
	return func(s *Server) {
		if r != nil {
			s.recorders = append(s.recorders, r)
		}
	}
}

// WithIndex records sessions, turns and outcomes in the SQLite index.
func WithIndex(idx *indexdb.SQLiteIndex) Option {
	return func(s *Server) {
		if idx != nil {
			s.index = idx
			s.recorders = append(s.recorders, idx)
		}
	}
}

func WithEventLog(l *plog.EventLogger) Option { return func(s *Server) { s.events = l } }

// WithSnapshotDir writes a session snapshot under dir/snapshots when a
// session ends.
func WithSnapshotDir(dir string) Option { return func(s *Server) { s.snapshotDir = dir } }

// Archiver receives the path of every snapshot written.
type Archiver interface {
	Enqueue(localPath string)
}

// WithArchive hands finished snapshots to a. It needs WithSnapshotDir.
func WithArchive(a Archiver) Option { return func(s *Server) { s.archive = a } }

func NewServer(tune tuning.Tuning, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tune:  tune,
		log:   logger.With("component", "ws"),
		newID: func() string { return uuid.New().String() },
		now:   time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Active is the number of sessions currently connected.
func (s *Server) Active() int64 { return s.active.Load() }

func (s *Server) limiter() *rate.Limiter {
	rl := s.tune.RateLimits
	if rl.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rl.MessagesPerSecond), burst)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.active.Add(1)
		defer s.active.Add(-1)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sess := s.handshake(ctx, conn)
		if sess == nil {
			return
		}
		defer sess.close("disconnect")

		lim := s.limiter()
		for {
			_ = conn.SetReadDeadline(s.now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if !lim.Allow() {
				_ = writeJSON(conn, protocol.NewError(protocol.ErrRateLimit, "too many messages"))
				continue
			}
			done, err := sess.handle(ctx, conn, msg)
			if err != nil {
				sess.log.Warn("session write failed", "err", err)
				return
			}
			if done {
				return
			}
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) *session {
	for {
		_ = conn.SetReadDeadline(s.now().Add(handshakeTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, "malformed message"))
			continue
		}
		if base.Type != protocol.TypeHello {
			_ = writeJSON(conn, protocol.NewError(protocol.ErrNoSession, "expected HELLO"))
			continue
		}
		if err := protocol.Validate(protocol.TypeHello, msg); err != nil {
			_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad HELLO"), time.Now().Add(time.Second))
			return nil
		}
		var hello protocol.HelloMsg
		if err := json.Unmarshal(msg, &hello); err != nil {
			_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
			return nil
		}

		sess, code, err := s.openSession(hello)
		if err != nil {
			s.log.Info("session rejected", "party", hello.PartyID, "code", code, "err", err)
			_ = writeJSON(conn, protocol.NewError(code, err.Error()))
			return nil
		}
		s.logEvent(sess.id, protocol.TypeHello, msg)
		if err := writeJSON(conn, sess.welcome()); err != nil {
			return nil
		}
		return sess
	}
}

func (s *Server) logEvent(sessionID, typ string, raw []byte) {
	if s.events == nil {
		return
	}
	e := plog.EventEntry{SessionID: sessionID, At: s.now().UTC(), Type: typ, Raw: json.RawMessage(raw)}
	if err := s.events.WriteEvent(e); err != nil {
		s.log.Warn("event log write failed", "err", err)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
