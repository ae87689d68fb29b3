package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"meanbot.ai/internal/persistence/r2s3"
)

// buildMirror returns nil when MB_MIRROR is off.
func buildMirror(ctx context.Context, dataDir string, logger *slog.Logger) (*r2s3.Mirror, error) {
	if !envBool("MB_MIRROR", false) {
		return nil, nil
	}
	cfg := r2s3.Config{
		Endpoint:        strings.TrimSpace(os.Getenv("MB_MIRROR_ENDPOINT")),
		Bucket:          strings.TrimSpace(os.Getenv("MB_MIRROR_BUCKET")),
		Region:          strings.TrimSpace(os.Getenv("MB_MIRROR_REGION")),
		AccessKeyID:     strings.TrimSpace(os.Getenv("MB_MIRROR_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("MB_MIRROR_SECRET_ACCESS_KEY")),
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("MB_MIRROR=true but MB_MIRROR_ENDPOINT/MB_MIRROR_BUCKET/MB_MIRROR_ACCESS_KEY_ID/MB_MIRROR_SECRET_ACCESS_KEY are not fully set")
	}
	client, err := r2s3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(client, r2s3.MirrorConfig{
		DataDir: dataDir,
		Prefix:  strings.TrimSpace(os.Getenv("MB_MIRROR_PREFIX")),
		Workers: envInt("MB_MIRROR_WORKERS", 2),
	}, logger), nil
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeMirrorMetrics(w io.Writer, m *r2s3.Mirror) {
	if m == nil {
		return
	}
	s := m.Stats()
	fmt.Fprintf(w, "# HELP meanbot_mirror_queue_depth Current snapshot mirror queue depth.\n")
	fmt.Fprintf(w, "# TYPE meanbot_mirror_queue_depth gauge\n")
	fmt.Fprintf(w, "meanbot_mirror_queue_depth %d\n", s.QueueDepth)
	fmt.Fprintf(w, "# HELP meanbot_mirror_dropped_total Snapshots dropped because the mirror queue stayed full.\n")
	fmt.Fprintf(w, "# TYPE meanbot_mirror_dropped_total counter\n")
	fmt.Fprintf(w, "meanbot_mirror_dropped_total %d\n", s.DroppedTotal)
	fmt.Fprintf(w, "# HELP meanbot_mirror_upload_total Mirror uploads by result.\n")
	fmt.Fprintf(w, "# TYPE meanbot_mirror_upload_total counter\n")
	fmt.Fprintf(w, "meanbot_mirror_upload_total{result=%q} %d\n", "success", s.UploadSuccessTotal)
	fmt.Fprintf(w, "meanbot_mirror_upload_total{result=%q} %d\n", "fail", s.UploadFailTotal)
	fmt.Fprintf(w, "# HELP meanbot_mirror_last_success_unix Unix time of the last successful upload.\n")
	fmt.Fprintf(w, "# TYPE meanbot_mirror_last_success_unix gauge\n")
	fmt.Fprintf(w, "meanbot_mirror_last_success_unix %d\n", s.LastSuccessUnix)
}
