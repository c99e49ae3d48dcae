package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/vango-go/tutor-relay/pkg/core"
	"github.com/vango-go/tutor-relay/pkg/core/types"
)

// Envelope is the only JSON error body the relay writes.
type Envelope struct {
	Error string `json:"error"`
}

// FromError maps err to an error envelope and HTTP status.
func FromError(err error) (Envelope, int) {
	if err == nil {
		return Envelope{}, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return Envelope{Error: "request timeout"}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return Envelope{Error: "request cancelled"}, http.StatusRequestTimeout
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return Envelope{Error: "request body too large"}, http.StatusBadRequest
	}

	// Strict decode errors (relay request bodies).
	var decodeErr *types.StrictDecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return Envelope{Error: decodeErr.Error()}, http.StatusBadRequest
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		if coreErr.Type == core.ErrUpstreamUnavailable {
			msg := "upstream request failed"
			if detail := core.Detail(coreErr); detail != "" {
				msg += ": " + detail
			}
			return Envelope{Error: msg}, upstreamStatus(coreErr.Status)
		}
		return Envelope{Error: coreErr.Message}, statusFromType(coreErr.Type)
	}

	// Unknown errors: do not leak details.
	return Envelope{Error: "internal error"}, http.StatusInternalServerError
}

// upstreamStatus propagates an upstream error status. Anything that is not an
// HTTP error status becomes 502.
func upstreamStatus(status int) int {
	if status >= 400 && status <= 599 {
		return status
	}
	return http.StatusBadGateway
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrConfigMissing:
		return http.StatusInternalServerError
	case core.ErrBadRequest:
		return http.StatusBadRequest
	case core.ErrUpstreamUnavailable, core.ErrMalformedUpstreamFrame, core.ErrInvalidAudioPayload:
		return http.StatusBadGateway
	case core.ErrCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
