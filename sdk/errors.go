package tutor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/tutor-relay/pkg/core"
)

// Error is the client-side error type.
type Error = core.Error

// Error types
const (
	ErrConfigMissing          = core.ErrConfigMissing
	ErrBadRequest             = core.ErrBadRequest
	ErrUpstreamUnavailable    = core.ErrUpstreamUnavailable
	ErrMalformedUpstreamFrame = core.ErrMalformedUpstreamFrame
	ErrCancelled              = core.ErrCancelled
	ErrInvalidAudioPayload    = core.ErrInvalidAudioPayload
)

// TransportError represents HTTP transport-level failures (DNS, timeouts,
// connection reset, TLS handshake, etc.) while talking to the relay.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from relay errors (*core.Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}

// decodeRelayErrorResponse turns a non-2xx relay response into a *core.Error.
// The relay body is {"error": string}.
func decodeRelayErrorResponse(resp *http.Response, endpoint string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}

	msg := strings.TrimSpace(string(body))
	var env struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error != "" {
		msg = env.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusMethodNotAllowed:
		return core.NewBadRequestError(msg)
	case resp.StatusCode == http.StatusInternalServerError && strings.Contains(msg, "GEMINI_API_KEY"):
		return core.NewConfigMissingError(msg)
	default:
		return core.NewUpstreamError(resp.StatusCode, msg)
	}
}
