package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"meanbot.ai/internal/negotiation/action"
	"meanbot.ai/internal/negotiation/domain"
	"meanbot.ai/internal/negotiation/engine"
	"meanbot.ai/internal/negotiation/timeline"
	"meanbot.ai/internal/negotiation/utility"
	"meanbot.ai/internal/profile"
	"meanbot.ai/internal/protocol"
	"meanbot.ai/internal/tuning"
)

// hostConfig describes a bilateral session: the remote party runs on the
// server, the local party runs in this process.
type hostConfig struct {
	RemoteID      string
	RemoteProfile profile.Profile
	LocalID       string
	LocalProfile  profile.Profile
	Rounds        int
	Duration      time.Duration // wall-clock deadline; 0 means rounds
	Seed          int64
	Tuning        tuning.Tuning
	ReadTimeout   time.Duration
}

type result struct {
	SessionID      string
	Agreement      bool
	AcceptedBy     string
	Bid            domain.Bid
	Rounds         int
	RemoteUtility  float64
	LocalUtility   float64
	RemoteDecision []protocol.DecisionMsg
}

// host drives a remote party over one websocket connection and plays the
// local party against it with alternating offers.
type host struct {
	cfg     hostConfig
	conn    *websocket.Conn
	log     *slog.Logger
	local   *engine.Party
	tl      timeline.Timeline
	advance func()
	remote  *utility.Model
	dom     *domain.Domain
}

func newHost(cfg hostConfig, conn *websocket.Conn, logger *slog.Logger) (*host, error) {
	if cfg.Rounds <= 0 {
		return nil, fmt.Errorf("rounds must be positive, got %d", cfg.Rounds)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	dom, spec, err := cfg.LocalProfile.Build()
	if err != nil {
		return nil, fmt.Errorf("local profile: %w", err)
	}
	rdom, rspec, err := cfg.RemoteProfile.Build()
	if err != nil {
		return nil, fmt.Errorf("remote profile: %w", err)
	}
	remote, err := utility.Build(rdom, rspec)
	if err != nil {
		return nil, fmt.Errorf("remote profile: %w", err)
	}
	ecfg, err := cfg.Tuning.Engine(engine.Config{
		PartyID: cfg.LocalID,
		Domain:  dom,
		Utility: spec,
		Seed:    cfg.Seed + 1,
	})
	if err != nil {
		return nil, err
	}
	h := &host{cfg: cfg, conn: conn, log: logger, remote: remote, dom: dom, advance: func() {}}
	if cfg.Duration > 0 {
		h.tl = timeline.NewClock(cfg.Duration, cfg.Duration/time.Duration(cfg.Rounds), nil)
	} else {
		rounds := timeline.NewRounds(cfg.Rounds)
		h.tl, h.advance = rounds, rounds.Advance
	}
	h.local, err = engine.New(ecfg, h.tl, engine.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("local party: %w", err)
	}
	return h, nil
}

func (h *host) deadline() protocol.Deadline {
	if h.cfg.Duration > 0 {
		return protocol.Deadline{Kind: "time", TotalMs: h.cfg.Duration.Milliseconds()}
	}
	return protocol.Deadline{Kind: "rounds", TotalRounds: h.cfg.Rounds}
}

// reading is the timeline the remote party sees at turn r.
func (h *host) reading(r int) protocol.TimelineMsg {
	if h.cfg.Duration > 0 {
		return protocol.TimelineMsg{Time: h.tl.Time(), NextTime: h.tl.NextTime()}
	}
	n := h.cfg.Rounds
	left := n - r - 1
	return protocol.TimelineMsg{
		Time:       float64(r) / float64(n),
		NextTime:   float64(r+1) / float64(n),
		RoundsLeft: &left,
	}
}

// waitSlot paces wall-clock sessions so turn r starts at r/Rounds of the
// deadline.
func (h *host) waitSlot(ctx context.Context, r int) error {
	if h.cfg.Duration <= 0 {
		return nil
	}
	due := float64(r) / float64(h.cfg.Rounds)
	for h.tl.Time() < due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
	return nil
}

func (h *host) run(ctx context.Context) (result, error) {
	var res result

	prof, err := json.Marshal(h.cfg.RemoteProfile)
	if err != nil {
		return res, err
	}
	if err := h.send(protocol.TypeHello, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PartyID:         h.cfg.RemoteID,
		Profile:         prof,
		Deadline:        h.deadline(),
		Seed:            h.cfg.Seed,
	}); err != nil {
		return res, err
	}
	var welcome protocol.WelcomeMsg
	if err := h.expect(protocol.TypeWelcome, &welcome); err != nil {
		return res, err
	}
	res.SessionID = welcome.SessionID
	h.log.Info("WELCOME", "session", welcome.SessionID, "space", welcome.BidSpace.Mode, "bids", welcome.BidCount)

	inform := action.Inform(2)
	h.local.Receive("", inform)
	if err := h.event("", inform); err != nil {
		return res, err
	}

	n := h.cfg.Rounds
	for r := 0; r < n; r++ {
		res.Rounds = r + 1
		if err := h.waitSlot(ctx, r); err != nil {
			return res, err
		}

		if err := h.send(protocol.TypeTurn, protocol.TurnMsg{
			Type:            protocol.TypeTurn,
			ProtocolVersion: protocol.Version,
			Turn:            r,
			Timeline:        h.reading(r),
		}); err != nil {
			return res, err
		}
		var dec protocol.DecisionMsg
		if err := h.expect(protocol.TypeDecision, &dec); err != nil {
			return res, err
		}
		res.RemoteDecision = append(res.RemoteDecision, dec)
		theirs, err := protocol.DecodeAction(h.dom, dec.Action)
		if err != nil {
			return res, fmt.Errorf("turn %d: %w", r, err)
		}
		if theirs.IsAccept() {
			bid, ok := h.local.LastBid()
			if !ok {
				return res, fmt.Errorf("turn %d: accept with nothing offered", r)
			}
			return h.finish(res, h.cfg.RemoteID, bid)
		}
		h.local.Receive(h.cfg.RemoteID, theirs)

		h.advance()
		mine := h.local.Choose(ctx)
		if mine.IsAccept() {
			bid, _ := h.local.Accepted()
			if err := h.event(h.cfg.LocalID, mine); err != nil {
				return res, err
			}
			return h.finish(res, h.cfg.LocalID, bid)
		}
		if err := h.event(h.cfg.LocalID, mine); err != nil {
			return res, err
		}
	}
	return res, h.end("deadline")
}

func (h *host) finish(res result, by string, bid domain.Bid) (result, error) {
	res.Agreement = true
	res.AcceptedBy = by
	res.Bid = bid
	res.LocalUtility = h.local.Utility(bid)
	if u, err := h.remote.Utility(bid); err == nil {
		res.RemoteUtility = u
	}
	return res, h.end("agreement")
}

func (h *host) end(reason string) error {
	return h.send(protocol.TypeEnd, protocol.EndMsg{
		Type:            protocol.TypeEnd,
		ProtocolVersion: protocol.Version,
		Reason:          reason,
	})
}

func (h *host) event(sender string, a action.Action) error {
	return h.send(protocol.TypeEvent, protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Sender:          sender,
		Action:          protocol.EncodeAction(a),
	})
}

// send validates an outbound message before writing it.
func (h *host) send(msgType string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := protocol.Validate(msgType, b); err != nil {
		return fmt.Errorf("outbound %s: %w", msgType, err)
	}
	return h.conn.WriteMessage(websocket.TextMessage, b)
}

// expect reads until a message of msgType arrives. An ERROR aborts.
func (h *host) expect(msgType string, v any) error {
	for {
		_ = h.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		_, msg, err := h.conn.ReadMessage()
		if err != nil {
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			return err
		}
		if err := protocol.Validate(base.Type, msg); err != nil {
			return fmt.Errorf("inbound %s: %w", base.Type, err)
		}
		switch base.Type {
		case msgType:
			return json.Unmarshal(msg, v)
		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			return fmt.Errorf("server error %s: %s", e.Code, e.Message)
		default:
			h.log.Debug("skipping message", "type", base.Type)
		}
	}
}
