package core

import (
	"errors"
	"fmt"
)

// Error represents a relay or client pipeline error.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`

	// Status is the upstream HTTP status for UpstreamUnavailable errors.
	Status int `json:"status,omitempty"`
	// UpstreamBody is the raw upstream response body, kept for diagnostics.
	UpstreamBody string `json:"upstream_body,omitempty"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status: %d)", e.Type, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrConfigMissing means no upstream credential is configured. No call is attempted.
	ErrConfigMissing ErrorType = "config_missing"
	// ErrBadRequest is rejected before any upstream call.
	ErrBadRequest ErrorType = "bad_request"
	// ErrUpstreamUnavailable covers non-success upstream statuses and empty model listings.
	ErrUpstreamUnavailable ErrorType = "upstream_unavailable"
	// ErrMalformedUpstreamFrame is recovered locally by skipping the frame.
	ErrMalformedUpstreamFrame ErrorType = "malformed_upstream_frame"
	// ErrCancelled marks a normal early termination.
	ErrCancelled ErrorType = "cancelled"
	// ErrInvalidAudioPayload means the audio samples could not be decoded.
	ErrInvalidAudioPayload ErrorType = "invalid_audio_payload"
)

// NewConfigMissingError creates a config missing error.
func NewConfigMissingError(message string) *Error {
	return &Error{
		Type:    ErrConfigMissing,
		Message: message,
	}
}

// NewBadRequestError creates a bad request error.
func NewBadRequestError(message string) *Error {
	return &Error{
		Type:    ErrBadRequest,
		Message: message,
	}
}

// NewUpstreamError creates an upstream unavailable error carrying the upstream
// status and body.
func NewUpstreamError(status int, body string) *Error {
	return &Error{
		Type:         ErrUpstreamUnavailable,
		Message:      "upstream request failed",
		Status:       status,
		UpstreamBody: body,
	}
}

// NewTransportError creates an upstream unavailable error for a request that
// never got a response.
func NewTransportError(underlying error) *Error {
	return &Error{
		Type:    ErrUpstreamUnavailable,
		Message: "upstream unreachable",
		Err:     underlying,
	}
}

// NewMalformedFrameError creates a malformed frame error.
func NewMalformedFrameError(payload string, underlying error) *Error {
	return &Error{
		Type:         ErrMalformedUpstreamFrame,
		Message:      "malformed stream frame",
		UpstreamBody: payload,
		Err:          underlying,
	}
}

// NewInvalidAudioError creates an invalid audio payload error.
func NewInvalidAudioError(message string, underlying error) *Error {
	return &Error{
		Type:    ErrInvalidAudioPayload,
		Message: message,
		Err:     underlying,
	}
}

// ErrCancelledStream is returned when a stream was stopped on request.
// It is not a failure.
var ErrCancelledStream = &Error{Type: ErrCancelled, Message: "stream cancelled"}

// IsType reports whether err is a *Error of the given type.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Type == t
	}
	return false
}

// Detail returns the most useful human-readable text for err: the upstream
// body, then the underlying error, then the message.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil {
		if e.UpstreamBody != "" {
			return e.UpstreamBody
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
