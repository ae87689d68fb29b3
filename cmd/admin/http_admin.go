package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"meanbot.ai/internal/observerproto"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/state"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

// observeCmd tails the live decision feed until interrupted.
func observeCmd(args []string) {
	fs := flag.NewFlagSet("observe", flag.ExitOnError)
	baseURL := fs.String("url", "ws://127.0.0.1:8080", "server websocket base url")
	sessionID := fs.String("session", "", "only this session")
	partyID := fs.String("party", "", "only this party")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/observer/ws"
	err := observe(ctx, u, observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		SessionID:       strings.TrimSpace(*sessionID),
		PartyID:         strings.TrimSpace(*partyID),
	}, os.Stdout)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "observe:", err)
		os.Exit(1)
	}
}

func observe(ctx context.Context, url string, sub observerproto.SubscribeMsg, w io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	for {
		var msg observerproto.TurnRecordMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		r := msg.Record
		fmt.Fprintf(w, "%s %s turn=%d t=%.3f action=%s u=%.4f welfare=%.4f", r.SessionID, r.PartyID, r.Turn, r.Time, r.Action, r.Utility, r.Welfare)
		if r.Fallback != "" {
			fmt.Fprintf(w, " fallback=%s", r.Fallback)
		}
		fmt.Fprintln(w)
	}
}
