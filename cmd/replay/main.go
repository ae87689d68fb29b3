package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	persistlog "meanbot.ai/internal/persistence/log"
	"meanbot.ai/internal/persistence/snapshot"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory")
		sessionID = flag.String("session", "", "only this session (optional)")
		snapPath  = flag.String("snapshot", "", "print one .snap.zst and exit (optional)")
		verbose   = flag.Bool("v", false, "print every turn")
	)
	flag.Parse()

	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		printSnapshot(os.Stdout, snap)
		return
	}

	records, err := persistlog.ReadTurns(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read turns:", err)
		os.Exit(1)
	}
	sessions := summarize(records, *sessionID)
	if len(sessions) == 0 {
		fmt.Fprintln(os.Stderr, "no turn records found in", *dataDir)
		os.Exit(1)
	}

	var bad int
	for _, s := range sessions {
		snap, err := snapshot.ReadSnapshot(snapshot.PathFor(*dataDir, s.ID))
		switch {
		case err == nil:
			s.Snapshot = &snap
		case !errors.Is(err, fs.ErrNotExist):
			fmt.Fprintf(os.Stderr, "session %s: read snapshot: %v\n", s.ID, err)
		}
		printSession(os.Stdout, s, *verbose)
		for _, p := range s.verify() {
			bad++
			fmt.Printf("  problem: %s\n", p)
		}
	}
	if bad > 0 {
		fmt.Fprintf(os.Stderr, "replay: %d problems\n", bad)
		os.Exit(1)
	}
	fmt.Printf("replay ok: sessions=%d turns=%d\n", len(sessions), len(records))
}

func printSnapshot(w io.Writer, snap snapshot.SessionV1) {
	fmt.Fprintf(w, "snapshot v%d session=%s party=%s turn=%d seed=%d policy=%s welfare=%s space=%s/%d parties=%d opponents=%d\n",
		snap.Header.Version, snap.Header.SessionID, snap.Header.PartyID, snap.Header.Turn, snap.Seed,
		snap.Policy, snap.WelfareMode, snap.SpaceMode, snap.SpaceSize, snap.Parties, len(snap.Opponents))
	for _, o := range snap.Opponents {
		fmt.Fprintf(w, "  opponent %s observations=%d\n", o.ID, o.Observations)
	}
	if snap.Outcome != nil {
		fmt.Fprintf(w, "  outcome reason=%s agreement=%v utility=%.4f\n", snap.Outcome.Reason, snap.Outcome.Agreement, snap.Outcome.Utility)
	}
}

func printSession(w io.Writer, s *session, verbose bool) {
	fmt.Fprintf(w, "session %s party=%s turns=%d offers=%d accepts=%d fallbacks=%v mean_ms=%.2f\n",
		s.ID, s.PartyID, len(s.Turns), s.Offers, s.Accepts, s.fallbackSummary(), s.meanElapsed())
	if verbose {
		for _, r := range s.Turns {
			fmt.Fprintf(w, "  turn=%d t=%.3f action=%s u=%.4f sw=%.4f threshold=%.4f fallback=%s\n",
				r.Turn, r.Time, r.Action, r.Utility, r.Welfare, r.Decision.Threshold, r.Fallback)
		}
	}
	if s.Snapshot != nil && s.Snapshot.Outcome != nil {
		o := s.Snapshot.Outcome
		fmt.Fprintf(w, "  outcome reason=%s agreement=%v utility=%.4f\n", o.Reason, o.Agreement, o.Utility)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
