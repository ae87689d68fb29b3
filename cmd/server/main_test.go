package main

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"meanbot.ai/internal/persistence/indexdb"
	"meanbot.ai/internal/persistence/r2s3"
	"meanbot.ai/internal/transport/ws"
	"meanbot.ai/internal/tuning"
)

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"10.0.0.2:80":    false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}

func TestOpenRuntimeIndex_Backends(t *testing.T) {
	dir := t.TempDir()

	idx, err := openRuntimeIndex(dir, true)
	if err != nil || idx != nil {
		t.Fatalf("disabled: idx=%v err=%v", idx, err)
	}

	t.Setenv("MB_INDEX_BACKEND", "none")
	idx, err = openRuntimeIndex(dir, false)
	if err != nil || idx != nil {
		t.Fatalf("none: idx=%v err=%v", idx, err)
	}

	t.Setenv("MB_INDEX_BACKEND", "postgres")
	if _, err := openRuntimeIndex(dir, false); err == nil {
		t.Fatalf("expected unsupported backend error")
	}

	t.Setenv("MB_INDEX_BACKEND", "sqlite")
	t.Setenv("MB_INDEX_SQLITE_PATH", filepath.Join(dir, "x", "idx.sqlite"))
	idx, err = openRuntimeIndex(dir, false)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	_ = idx.Close()
}

func TestMetricsHandler(t *testing.T) {
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "idx.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	srv := ws.NewServer(tuning.Defaults(), nil)
	rec := httptest.NewRecorder()
	metricsHandler(srv, idx, nil)(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"meanbot_sessions_active 0",
		"meanbot_index_queue_capacity 16384",
		`meanbot_index_dropped_total{table="turns"} 0`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	rec = httptest.NewRecorder()
	metricsHandler(srv, nil, nil)(rec, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(rec.Body.String(), "meanbot_index") {
		t.Fatalf("index metrics without an index")
	}
}

type nopUploader struct{}

func (nopUploader) PutFile(context.Context, string, string) error { return nil }

func TestMetricsHandler_Mirror(t *testing.T) {
	m := r2s3.NewMirror(nopUploader{}, r2s3.MirrorConfig{DataDir: t.TempDir()}, nil)
	defer m.Close()

	rec := httptest.NewRecorder()
	metricsHandler(ws.NewServer(tuning.Defaults(), nil), nil, m)(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `meanbot_mirror_upload_total{result="fail"} 0`) || !strings.Contains(body, "meanbot_sessions_active 0") {
		t.Fatalf("metrics:\n%s", body)
	}
}

func TestBuildMirror_Disabled(t *testing.T) {
	t.Setenv("MB_MIRROR", "false")
	m, err := buildMirror(context.Background(), t.TempDir(), nil)
	if err != nil || m != nil {
		t.Fatalf("mirror=%v err=%v", m, err)
	}

	t.Setenv("MB_MIRROR", "true")
	t.Setenv("MB_MIRROR_ENDPOINT", "")
	if _, err := buildMirror(context.Background(), t.TempDir(), nil); err == nil {
		t.Fatalf("expected error for incomplete mirror config")
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("MB_TEST_FLAG", "true")
	if !envBool("MB_TEST_FLAG", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("MB_TEST_FLAG", "nope")
	if envBool("MB_TEST_FLAG", false) {
		t.Fatalf("unparsable value should keep the default")
	}
}
