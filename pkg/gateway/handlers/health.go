package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/tutor-relay/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		ModelDiscovery bool     `json:"model_discovery"`
		TextModel      string   `json:"text_model,omitempty"`
		TTSModel       string   `json:"tts_model"`
		CORSEnabled    bool     `json:"cors_enabled"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "GEMINI_API_KEY is not set")
	}
	if h.Config.GeminiBaseURL == "" {
		issues = append(issues, "gemini base url is empty")
	}
	if h.Config.TTSModel == "" || h.Config.TTSVoice == "" {
		issues = append(issues, "tts model and voice must be set")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.HandlerTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}
	if h.Config.UpstreamConnectTimeout <= 0 || h.Config.UpstreamResponseHeaderTimeout <= 0 {
		issues = append(issues, "upstream timeouts must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		ModelDiscovery: h.Config.TextModel == "",
		TextModel:      h.Config.TextModel,
		TTSModel:       h.Config.TTSModel,
		CORSEnabled:    len(h.Config.CORSAllowedOrigins) > 0,
		Issues:         issues,
	})
}
