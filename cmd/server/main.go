package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"meanbot.ai/internal/observerproto"
	"meanbot.ai/internal/persistence/indexdb"
	persistlog "meanbot.ai/internal/persistence/log"
	"meanbot.ai/internal/persistence/r2s3"
	"meanbot.ai/internal/transport/observer"
	"meanbot.ai/internal/transport/ws"
	"meanbot.ai/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite session index")
		logLevel   = flag.String("log_level", "info", "debug|info|warn|error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fatal(logger, "load tuning", err)
		}
		logger.Info("tuning not found; using defaults", "path", tp)
		tune = tuning.Defaults()
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fatal(logger, "create data dir", err)
	}

	idx, err := openRuntimeIndex(*dataDir, *disableDB)
	if err != nil {
		fatal(logger, "open index backend", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Warn("index backend: upsert tuning", "err", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	mirror, err := buildMirror(ctx, *dataDir, logger)
	if err != nil {
		fatal(logger, "init mirror", err)
	}
	defer mirror.Close()

	turnLog := persistlog.NewTurnLogger(*dataDir, logger)
	eventLog := persistlog.NewEventLogger(*dataDir)
	defer turnLog.Close()
	defer eventLog.Close()

	var wsSrv *ws.Server
	obs := observer.NewServer(logger, func() int64 { return wsSrv.Active() })

	opts := []ws.Option{
		ws.WithTurnRecorder(turnLog),
		ws.WithTurnRecorder(obs),
		ws.WithIndex(idx),
		ws.WithEventLog(eventLog),
		ws.WithSnapshotDir(*dataDir),
	}
	if mirror != nil {
		opts = append(opts, ws.WithArchive(mirror))
	}
	wsSrv = ws.NewServer(tune, logger, opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(wsSrv, idx, mirror))

	enableAdminHTTP := envBool("MB_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("MB_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				Tuning   tuning.Tuning  `json:"tuning"`
				Sessions int64          `json:"sessions"`
				Index    *indexdb.Stats `json:"index,omitempty"`
				Mirror   *r2s3.Stats    `json:"mirror,omitempty"`
			}{
				Tuning:   tune,
				Sessions: wsSrv.Active(),
			}
			if idx != nil {
				st := idx.Stats()
				resp.Index = &st
			}
			if mirror != nil {
				st := mirror.Stats()
				resp.Mirror = &st
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/observer/bootstrap", obs.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obs.WSHandler())
		logger.Info("observer feed enabled", "protocol_version", observerproto.Version)
	} else {
		logger.Info("admin endpoints disabled (MB_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening", "addr", *addr, "policy", tune.Policy, "welfare_mode", tune.WelfareMode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(logger, "ListenAndServe", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lv})).With("component", "server")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}

func metricsHandler(wsSrv *ws.Server, idx *indexdb.SQLiteIndex, mirror *r2s3.Mirror) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		defer writeMirrorMetrics(rw, mirror)
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP meanbot_sessions_active Currently connected negotiation sessions.\n")
		fmt.Fprintf(rw, "# TYPE meanbot_sessions_active gauge\n")
		fmt.Fprintf(rw, "meanbot_sessions_active %d\n", wsSrv.Active())
		if idx == nil {
			return
		}
		s := idx.Stats()
		fmt.Fprintf(rw, "# HELP meanbot_index_queue_depth Index writer backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE meanbot_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "meanbot_index_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(rw, "# HELP meanbot_index_queue_capacity Index writer queue capacity.\n")
		fmt.Fprintf(rw, "# TYPE meanbot_index_queue_capacity gauge\n")
		fmt.Fprintf(rw, "meanbot_index_queue_capacity %d\n", s.QueueCapacity)
		fmt.Fprintf(rw, "# HELP meanbot_index_dropped_total Index rows dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE meanbot_index_dropped_total counter\n")
		fmt.Fprintf(rw, "meanbot_index_dropped_total{table=%q} %d\n", "sessions", s.DropSessionTotal)
		fmt.Fprintf(rw, "meanbot_index_dropped_total{table=%q} %d\n", "turns", s.DropTurnTotal)
		fmt.Fprintf(rw, "meanbot_index_dropped_total{table=%q} %d\n", "outcomes", s.DropOutcomeTotal)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
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

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
