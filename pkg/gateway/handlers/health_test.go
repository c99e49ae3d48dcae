package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/tutor-relay/pkg/gateway/config"
)

func readyConfig() config.Config {
	return config.Config{
		GeminiAPIKey:                  "k",
		GeminiBaseURL:                 config.DefaultGeminiBaseURL,
		TTSModel:                      config.DefaultTTSModel,
		TTSVoice:                      config.DefaultTTSVoice,
		MaxBodyBytes:                  1,
		ReadHeaderTimeout:             time.Second,
		ReadTimeout:                   time.Second,
		HandlerTimeout:                time.Second,
		UpstreamConnectTimeout:        time.Second,
		UpstreamResponseHeaderTimeout: time.Second,
	}
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_MissingKey_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.GeminiAPIKey = ""
	h := ReadyHandler{Config: cfg}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false, got ok=true")
	}
	issues, _ := resp["issues"].([]any)
	if len(issues) != 1 || issues[0] != "GEMINI_API_KEY is not set" {
		t.Fatalf("issues=%v", resp["issues"])
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	h := ReadyHandler{Config: readyConfig()}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, body=%s", rr.Body.String())
	}
	if disc, _ := resp["model_discovery"].(bool); !disc {
		t.Fatalf("expected model_discovery=true when no text model is pinned")
	}
}

func TestNotFoundHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	NotFoundHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
}
