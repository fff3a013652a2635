package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"connectrpc.com/grpchealth"

	"github.com/dantte-lp/godoip/internal/config"
)

// checkHealth issues a Connect-protocol JSON health check for service.
func checkHealth(t *testing.T, url, service string) string {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost,
		url+"/grpc.health.v1.Health/Check",
		strings.NewReader(`{"service":"`+service+`"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHealthServerEntityStatus(t *testing.T) {
	t.Parallel()

	checker := grpchealth.NewStaticChecker(grpchealth.HealthV1ServiceName, entityServiceName)
	srv := newHealthServer(config.HealthConfig{Addr: "127.0.0.1:0"}, checker)

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	if got := checkHealth(t, ts.URL, entityServiceName); !strings.Contains(got, "SERVING") {
		t.Errorf("entity status = %s, want SERVING", got)
	}

	checker.SetStatus(entityServiceName, grpchealth.StatusNotServing)
	if got := checkHealth(t, ts.URL, entityServiceName); !strings.Contains(got, "NOT_SERVING") {
		t.Errorf("entity status after shutdown = %s, want NOT_SERVING", got)
	}
}

func TestNewLoggerWithLevelFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "doipd.log")
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)

	logger, closeLog := newLoggerWithLevel(config.LogConfig{
		Format:     "text",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	}, level)

	logger.Info("suppressed")
	logger.Warn("kept", slog.String("logical_address", "0x1001"))
	level.Set(slog.LevelInfo)
	logger.Info("after reload")
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "suppressed") {
		t.Error("info record written at warn level")
	}
	for _, want := range []string{"msg=kept", "logical_address=0x1001", `msg="after reload"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log file missing %q:\n%s", want, out)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DoIP.TCPPort != 13400 {
		t.Errorf("TCPPort = %d, want 13400", cfg.DoIP.TCPPort)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("loadConfig(missing) succeeded")
	}
}
