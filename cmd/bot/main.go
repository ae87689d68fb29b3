package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"

	"meanbot.ai/internal/profile"
	"meanbot.ai/internal/protocol"
	"meanbot.ai/internal/tuning"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		remotePath = flag.String("remote", "./configs/profiles/buyer.yaml", "profile of the party hosted on the server")
		localPath  = flag.String("local", "./configs/profiles/seller.yaml", "profile of the party played by this process")
		remoteID   = flag.String("remote_id", "buyer", "remote party id")
		localID    = flag.String("local_id", "seller", "local party id")
		rounds     = flag.Int("rounds", 20, "round budget (turn count for -duration)")
		duration   = flag.Duration("duration", 0, "wall-clock deadline (default: round deadline)")
		seed       = flag.Int64("seed", 1, "session seed")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "tuning for the local party")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "bot")
	fail := func(msg string, err error) {
		logger.Error(msg, "err", err)
		os.Exit(1)
	}

	remote, err := profile.Load(*remotePath)
	if err != nil {
		fail("load remote profile", err)
	}
	local, err := profile.Load(*localPath)
	if err != nil {
		fail("load local profile", err)
	}
	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fail("load tuning", err)
		}
		tune = tuning.Defaults()
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		fail("dial", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := newHost(hostConfig{
		RemoteID:      *remoteID,
		RemoteProfile: remote,
		LocalID:       *localID,
		LocalProfile:  local,
		Rounds:        *rounds,
		Duration:      *duration,
		Seed:          *seed,
		Tuning:        tune,
	}, conn, logger)
	if err != nil {
		fail("setup", err)
	}
	res, err := h.run(ctx)
	if err != nil {
		fail("negotiate", err)
	}
	if !res.Agreement {
		logger.Info("no agreement", "session", res.SessionID, "rounds", res.Rounds)
		return
	}
	logger.Info("agreement",
		"session", res.SessionID,
		"rounds", res.Rounds,
		"accepted_by", res.AcceptedBy,
		"bid", protocol.EncodeBid(res.Bid),
		"remote_utility", res.RemoteUtility,
		"local_utility", res.LocalUtility,
	)
}
