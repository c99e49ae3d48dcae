package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/tutor-relay/pkg/gateway/config"
	relayserver "github.com/vango-go/tutor-relay/pkg/gateway/server"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, relayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newServer: func(cfg config.Config, logger *slog.Logger) *relayserver.Server {
			t.Fatalf("newServer should not be called when config load fails")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q, want config error", got)
	}
}

func TestRunRelay_StopsOnContextDone(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runRelay(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), relayDeps{
			newServer:    relayserver.New,
			signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
			signalStop:   func(c chan<- os.Signal) {},
		})
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runRelay error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runRelay did not stop")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
	if srv.WriteTimeout != 0 {
		t.Fatalf("WriteTimeout=%v, want 0 for streaming", srv.WriteTimeout)
	}
}

func testConfig() config.Config {
	return config.Config{
		GeminiAPIKey:                  "k",
		GeminiBaseURL:                 config.DefaultGeminiBaseURL,
		TTSModel:                      config.DefaultTTSModel,
		TTSVoice:                      config.DefaultTTSVoice,
		MaxBodyBytes:                  1 << 20,
		CORSAllowedOrigins:            map[string]struct{}{},
		UpstreamConnectTimeout:        time.Second,
		UpstreamResponseHeaderTimeout: time.Second,
		ReadHeaderTimeout:             time.Second,
		ReadTimeout:                   time.Second,
		HandlerTimeout:                time.Second,
		ShutdownGracePeriod:           time.Second,
	}
}

func TestRelayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	srv := relayserver.New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for path, want := range map[string]int{
		"/healthz":    http.StatusOK,
		"/readyz":     http.StatusOK,
		"/api/gemini": http.StatusMethodNotAllowed,
		"/v1/nothing": http.StatusNotFound,
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("GET %s status=%d, want %d", path, resp.StatusCode, want)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("GET %s missing X-Request-ID", path)
		}
	}
}
