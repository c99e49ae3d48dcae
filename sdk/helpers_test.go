package tutor

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-go/tutor-relay/pkg/gateway/config"
	"github.com/vango-go/tutor-relay/pkg/gateway/server"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// textChunk renders a Gemini response carrying one text part.
func textChunk(t *testing.T, text string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []any{map[string]any{"text": text}},
			},
		}},
	})
	require.NoError(t, err)
	return string(b)
}

func relayConfig(upstreamURL string) config.Config {
	return config.Config{
		GeminiAPIKey:                  "test-key",
		GeminiBaseURL:                 upstreamURL,
		TextModel:                     "gemini-flash",
		TTSModel:                      config.DefaultTTSModel,
		TTSVoice:                      config.DefaultTTSVoice,
		MaxBodyBytes:                  1 << 20,
		MaxHistoryTurns:               64,
		HandlerTimeout:                5 * time.Second,
		UpstreamConnectTimeout:        time.Second,
		UpstreamResponseHeaderTimeout: 5 * time.Second,
	}
}

// newRelayClient runs the real relay server in front of a fake Gemini upstream
// and returns a client pointed at the relay.
func newRelayClient(t *testing.T, upstream http.HandlerFunc) *Client {
	t.Helper()
	return newRelayClientWithConfig(t, upstream, nil)
}

func newRelayClientWithConfig(t *testing.T, upstream http.HandlerFunc, mutate func(*config.Config)) *Client {
	t.Helper()
	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	cfg := relayConfig(up.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	relay := httptest.NewServer(server.New(cfg, quietLogger()).Handler())
	t.Cleanup(relay.Close)

	return NewClient(relay.URL, WithLogger(quietLogger()))
}
