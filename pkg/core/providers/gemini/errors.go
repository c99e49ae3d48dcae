package gemini

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/vango-go/tutor-relay/pkg/core"
)

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 64 << 10

// geminiError represents an error response from Gemini API.
type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// parseError converts a non-success Gemini response into an upstream error
// carrying the upstream status and body.
func (p *Provider) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	raw := strings.TrimSpace(string(body))

	err := core.NewUpstreamError(resp.StatusCode, raw)

	var geminiErr geminiError
	if json.Unmarshal(body, &geminiErr) == nil && geminiErr.Error.Message != "" {
		err.Message = geminiErr.Error.Message
		if geminiErr.Error.Status != "" {
			err.Message = geminiErr.Error.Status + ": " + geminiErr.Error.Message
		}
	}
	return err
}
