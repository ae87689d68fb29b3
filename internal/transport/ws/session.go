package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gorilla/websocket"

	"meanbot.ai/internal/negotiation/action"
	"meanbot.ai/internal/negotiation/domain"
	"meanbot.ai/internal/negotiation/engine"
	"meanbot.ai/internal/negotiation/timeline"
	"meanbot.ai/internal/persistence/indexdb"
	"meanbot.ai/internal/persistence/snapshot"
	"meanbot.ai/internal/profile"
	"meanbot.ai/internal/protocol"
)

// session is one negotiation driven over one connection. Only the
// connection's goroutine touches it.
type session struct {
	srv      *Server
	id       string
	partyID  string
	profile  string
	seed     int64
	deadline timeline.Deadline
	tl       *timeline.Reported
	party    *engine.Party
	log      *slog.Logger

	lastTurn  int
	offered   bool // our last move was an offer
	agreed    bool
	agreedBid domain.Bid
	closed    bool
}

func (s *Server) openSession(hello protocol.HelloMsg) (*session, string, error) {
	prof, err := profile.ParseJSON(hello.Profile)
	if err != nil {
		return nil, protocol.ErrBadProfile, err
	}
	dom, spec, err := prof.Build()
	if err != nil {
		return nil, protocol.ErrBadProfile, err
	}

	kind, err := timeline.ParseKind(hello.Deadline.Kind)
	if err != nil {
		return nil, protocol.ErrProtoBadRequest, err
	}
	dl := timeline.Deadline{
		Kind:     kind,
		Duration: time.Duration(hello.Deadline.TotalMs) * time.Millisecond,
		Rounds:   hello.Deadline.TotalRounds,
	}
	if err := dl.Validate(); err != nil {
		return nil, protocol.ErrProtoBadRequest, err
	}

	cfg, err := s.tune.Engine(engine.Config{
		PartyID: hello.PartyID,
		Domain:  dom,
		Utility: spec,
		Seed:    hello.Seed,
	})
	if err != nil {
		return nil, protocol.ErrInternal, err
	}

	id := s.newID()
	tl := timeline.NewReported(kind)
	if kind == timeline.KindRounds {
		tl.Set(timeline.Reading{RoundsLeft: dl.Rounds})
	}
	opts := []engine.Option{
		engine.WithLogger(s.log),
		engine.WithSessionID(id),
	}
	for _, r := range s.recorders {
		opts = append(opts, engine.WithRecorder(r))
	}
	party, err := engine.New(cfg, tl, opts...)
	if err != nil {
		code := protocol.ErrInternal
		if profile.IsInvalid(err) {
			code = protocol.ErrBadProfile
		}
		return nil, code, err
	}

	sess := &session{
		srv:      s,
		id:       id,
		partyID:  hello.PartyID,
		profile:  prof.Name,
		seed:     hello.Seed,
		deadline: dl,
		tl:       tl,
		party:    party,
		log:      s.log.With("session", id, "party", hello.PartyID),
	}
	s.index.RecordSession(indexdb.SessionRow{
		SessionID:    id,
		PartyID:      hello.PartyID,
		ProfileName:  prof.Name,
		Policy:       string(cfg.Policy),
		WelfareMode:  string(cfg.WelfareMode),
		DeadlineKind: kind.String(),
		Seed:         hello.Seed,
		BidCount:     party.Space().Size(),
		StartedAt:    s.now(),
	})
	sess.log.Info("session opened", "deadline", kind.String(), "space", party.Space().Mode().String(), "bids", party.Space().Size())
	return sess, "", nil
}

func (ss *session) welcome() protocol.WelcomeMsg {
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       ss.id,
		PartyID:         ss.partyID,
		BidSpace: protocol.BidSpaceInfo{
			Mode:   ss.party.Space().Mode().String(),
			Issues: protocol.DescribeDomain(ss.party.Domain()),
		},
		BidCount: ss.party.Space().Size(),
	}
}

// handle processes one inbound message. done reports that the session is over.
func (ss *session) handle(ctx context.Context, conn *websocket.Conn, msg []byte) (done bool, err error) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return false, writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, "malformed message"))
	}
	if base.Type == protocol.TypeHello {
		return false, writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, "session already open"))
	}
	if err := protocol.Validate(base.Type, msg); err != nil {
		return false, writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
	}
	ss.srv.logEvent(ss.id, base.Type, msg)

	switch base.Type {
	case protocol.TypeEvent:
		var ev protocol.EventMsg
		if err := json.Unmarshal(msg, &ev); err != nil {
			return false, writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		}
		a, err := protocol.DecodeAction(ss.party.Domain(), ev.Action)
		if err != nil {
			return false, writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		}
		ss.receive(ev.Sender, a)
		if a.Kind == action.KindEnd {
			ss.close("ended by " + ev.Sender)
			return true, nil
		}
		return false, nil

	case protocol.TypeTurn:
		var turn protocol.TurnMsg
		if err := json.Unmarshal(msg, &turn); err != nil {
			return false, writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		}
		ss.tl.Set(ss.reading(turn.Timeline))
		dec := ss.decide(ctx, turn.Turn)
		return false, writeJSON(conn, dec)

	case protocol.TypeEnd:
		var end protocol.EndMsg
		_ = json.Unmarshal(msg, &end)
		reason := end.Reason
		if reason == "" {
			reason = "end"
		}
		ss.close(reason)
		return true, nil

	default:
		return false, writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, fmt.Sprintf("unexpected %s", base.Type)))
	}
}

// reading fills in what the host left out: rounds left derived from the
// elapsed fraction, and next_time no earlier than time.
func (ss *session) reading(m protocol.TimelineMsg) timeline.Reading {
	rd := timeline.Reading{Time: m.Time, NextTime: m.NextTime, RoundsLeft: -1}
	if ss.deadline.Kind == timeline.KindRounds {
		if m.RoundsLeft != nil {
			rd.RoundsLeft = *m.RoundsLeft
		} else {
			rd.RoundsLeft = int(math.Round(float64(ss.deadline.Rounds) * (1 - m.Time)))
		}
		if m.NextTime == 0 && m.Time < 1 {
			rd.NextTime = m.Time + 1/float64(ss.deadline.Rounds)
		}
	}
	return rd
}

func (ss *session) receive(sender string, a action.Action) {
	ss.party.Receive(sender, a)
	if !a.IsAccept() || sender == ss.partyID {
		return
	}
	// An accept right after our own offer closes the deal on that bid.
	if !ss.offered {
		return
	}
	if bid, ok := ss.party.LastBid(); ok {
		if _, _, pending := ss.party.Pending(); !pending {
			ss.agreed, ss.agreedBid = true, bid
		}
	}
}

func (ss *session) decide(ctx context.Context, turn int) protocol.DecisionMsg {
	ss.lastTurn = turn
	a := ss.party.Choose(ctx)
	msg := protocol.DecisionMsg{
		Type:            protocol.TypeDecision,
		ProtocolVersion: protocol.Version,
		Turn:            turn,
		Action:          protocol.EncodeAction(a),
	}
	switch {
	case a.IsOffer():
		msg.Utility = ss.party.Utility(a.Bid)
		ss.agreed, ss.offered = false, true
	case a.IsAccept():
		ss.offered = false
		if bid, ok := ss.party.Accepted(); ok {
			msg.Utility = ss.party.Utility(bid)
			ss.agreed, ss.agreedBid = true, bid
		}
	}
	return msg
}

// close records the outcome and the final snapshot once.
func (ss *session) close(reason string) {
	if ss.closed {
		return
	}
	ss.closed = true

	out := indexdb.OutcomeRow{
		SessionID: ss.id,
		Reason:    reason,
		Agreement: ss.agreed,
		Turns:     ss.party.Turn(),
		EndedAt:   ss.srv.now(),
	}
	if ss.agreed {
		out.Utility = ss.party.Utility(ss.agreedBid)
	}
	if ss.srv.snapshotDir != "" {
		snap := snapshot.FromEngine(ss.party.Snapshot(), ss.seed, ss.srv.now())
		snap.Outcome = &snapshot.OutcomeV1{Reason: reason, Agreement: out.Agreement, Utility: out.Utility}
		path := snapshot.PathFor(ss.srv.snapshotDir, ss.id)
		if err := snapshot.WriteSnapshot(path, snap); err != nil {
			ss.log.Warn("snapshot write failed", "err", err)
		} else {
			out.SnapshotPath = path
			if ss.srv.archive != nil {
				ss.srv.archive.Enqueue(path)
			}
		}
	}
	ss.srv.index.RecordOutcome(out)
	ss.log.Info("session closed", "reason", reason, "agreement", out.Agreement, "utility", out.Utility, "turns", out.Turns)
}
