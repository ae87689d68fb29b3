package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"meanbot.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "observe":
			observeCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	rows, err := listSnapshots(filepath.Join(*dataDir, "snapshots"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, r := range rows {
		fmt.Println(r)
	}
}

// listSnapshots returns one line per snapshot in dir, oldest first.
// Unreadable files are listed with their error.
func listSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type row struct {
		h    snapshot.Header
		line string
	}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			rows = append(rows, row{line: fmt.Sprintf("%s error=%v", e.Name(), err)})
			continue
		}
		rows = append(rows, row{h: h, line: fmt.Sprintf("%s party=%s turn=%d taken_at=%s",
			h.SessionID, h.PartyID, h.Turn, h.TakenAt.Format("2006-01-02T15:04:05Z"))})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].h.TakenAt.Before(rows[j].h.TakenAt) })
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.line)
	}
	return out, nil
}
