package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"meanbot.ai/internal/negotiation/engine"
	"meanbot.ai/internal/observerproto"
)

const outQueue = 256

type subscriber struct {
	mu     sync.Mutex
	filter observerproto.SubscribeMsg
	out    chan []byte
}

func (s *subscriber) setFilter(f observerproto.SubscribeMsg) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

func (s *subscriber) matches(r engine.TurnRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.Matches(r)
}

// Server fans decisions out to admin observers. It implements
// engine.TurnRecorder; slow observers lose messages rather than stall
// sessions.
type Server struct {
	log      *slog.Logger
	sessions func() int64

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	dropped  atomic.Uint64

	mu   sync.Mutex
	subs map[string]*subscriber
}

// NewServer builds an observer feed. sessions reports the live session
// count for bootstrap and may be nil.
func NewServer(logger *slog.Logger, sessions func() int64) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:      logger.With("component", "observer"),
		sessions: sessions,
		subs:     map[string]*subscriber{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Observers is the number of connected observers.
func (s *Server) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// RecordTurn implements engine.TurnRecorder.
func (s *Server) RecordTurn(r engine.TurnRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	b, err := json.Marshal(observerproto.TurnRecordMsg{
		Type:            observerproto.TypeTurnRecord,
		ProtocolVersion: observerproto.Version,
		Record:          r,
	})
	if err != nil {
		s.log.Warn("marshal turn record", "err", err)
		return
	}
	for _, sub := range s.subs {
		if !sub.matches(r) {
			continue
		}
		select {
		case sub.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Observers:       s.Observers(),
			DroppedTotal:    s.dropped.Load(),
		}
		if s.sessions != nil {
			resp.Sessions = s.sessions()
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// The first frame must be a SUBSCRIBE.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		id, entry := s.register(sub)
		defer s.unregister(id)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		pumped := make(chan error, 1)
		go func() { pumped <- pump(ctx, conn, entry.out) }()

		// A re-sent SUBSCRIBE swaps the filter in place.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if next, ok := parseSubscribe(msg); ok {
				entry.setFilter(next)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		select {
		case <-pumped:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) register(sub observerproto.SubscribeMsg) (string, *subscriber) {
	id := fmt.Sprintf("O%d", s.nextID.Add(1))
	entry := &subscriber{filter: sub, out: make(chan []byte, outQueue)}
	s.mu.Lock()
	s.subs[id] = entry
	s.mu.Unlock()
	s.log.Info("observer joined", "observer", id, "session", sub.SessionID, "party", sub.PartyID)
	return id, entry
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
	s.log.Info("observer left", "observer", id)
}

// pump writes queued records until ctx ends or a write fails.
func pump(ctx context.Context, conn *websocket.Conn, out <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return err
			}
		}
	}
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	return sub, true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
