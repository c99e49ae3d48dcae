package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/tutor-relay/pkg/core"
	"github.com/vango-go/tutor-relay/pkg/core/types"
	"github.com/vango-go/tutor-relay/pkg/gateway/config"
	"github.com/vango-go/tutor-relay/pkg/gateway/metrics"
	"github.com/vango-go/tutor-relay/pkg/gateway/mw"
	"github.com/vango-go/tutor-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/tutor-relay/pkg/gateway/relay"
)

// Relay performs the upstream side of a relay request.
type Relay interface {
	Generate(ctx context.Context, req *types.RelayRequest) (string, []byte, error)
	Stream(ctx context.Context, req *types.RelayRequest) (string, io.ReadCloser, error)
}

// RelayHandler serves POST /api/gemini.
type RelayHandler struct {
	Config  config.Config
	Relay   Relay
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Limiter may be nil.
	Limiter *ratelimit.Limiter
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeErrorJSON(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
		return
	}

	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.logger().With("request_id", reqID)
	start := time.Now()

	client := ratelimit.ClientKey(r)
	if d := h.Limiter.AllowRequest(client, start); !d.Allowed {
		h.rejectLimited(w, logger, start, d.RetryAfter, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeErr(w, logger, "", start, err)
		return
	}

	if h.Config.GeminiAPIKey == "" {
		logger.Error("GEMINI_API_KEY is not set")
		h.writeErr(w, logger, "", start, core.NewConfigMissingError("GEMINI_API_KEY is not configured on the server"))
		return
	}

	req, err := types.UnmarshalRelayRequestStrict(body)
	if err != nil {
		h.writeErr(w, logger, "", start, err)
		return
	}
	if limit := h.Config.MaxHistoryTurns; limit > 0 && len(req.History) > limit {
		h.writeErr(w, logger, string(req.Action), start,
			core.NewBadRequestError(fmt.Sprintf("history has %d turns, limit is %d", len(req.History), limit)))
		return
	}

	logger = logger.With("action", req.Action)
	if req.Action.Streaming() {
		d := h.Limiter.AcquireStream(client, time.Now())
		if !d.Allowed {
			h.rejectLimited(w, logger, start, d.RetryAfter, "too many concurrent streams")
			return
		}
		defer d.Permit.Release()
		h.serveStream(w, r, logger, start, req)
		return
	}

	ctx := r.Context()
	if h.Config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.HandlerTimeout)
		defer cancel()
	}

	model, out, err := h.Relay.Generate(ctx, req)
	if err != nil {
		h.writeErr(w, logger, string(req.Action), start, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Model", model)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
	h.Metrics.RecordRequest(string(req.Action), http.StatusOK, time.Since(start))
	logger.Debug("relay complete", "model", model, "bytes", len(out))
}

func (h RelayHandler) serveStream(w http.ResponseWriter, r *http.Request, logger *slog.Logger, start time.Time, req *types.RelayRequest) {
	// The request context is the single cancellation token: a client
	// disconnect cancels it, which also aborts the upstream fetch.
	ctx := r.Context()
	if h.Config.StreamMaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.StreamMaxDuration)
		defer cancel()
	}

	model, upstream, err := h.Relay.Stream(ctx, req)
	if err != nil {
		h.writeErr(w, logger, string(req.Action), start, err)
		return
	}
	defer func() { _ = upstream.Close() }()

	w.Header().Set("X-Model", model)
	h.Metrics.RecordStreamStart()
	res := relay.Pump(ctx, w, upstream)

	switch {
	case res.Cancelled:
		h.Metrics.RecordStreamEnd(metrics.OutcomeCancelled, res.Bytes)
		h.Metrics.RecordRequest(string(req.Action), http.StatusOK, time.Since(start))
		logger.Info("stream cancelled", "model", model, "bytes", res.Bytes)
	case res.Err != nil && !res.Announced:
		h.Metrics.RecordStreamEnd(metrics.OutcomeFailed, res.Bytes)
		h.writeErr(w, logger, string(req.Action), start, core.NewUpstreamError(0, res.Err.Error()))
	case res.Err != nil:
		h.Metrics.RecordStreamEnd(metrics.OutcomeFailed, res.Bytes)
		h.Metrics.RecordRequest(string(req.Action), http.StatusOK, time.Since(start))
		logger.Error("stream failed after first byte", "model", model, "bytes", res.Bytes, "error", res.Err)
	default:
		h.Metrics.RecordStreamEnd(metrics.OutcomeCompleted, res.Bytes)
		h.Metrics.RecordRequest(string(req.Action), http.StatusOK, time.Since(start))
		logger.Debug("stream complete", "model", model, "bytes", res.Bytes)
	}
}

func (h RelayHandler) writeErr(w http.ResponseWriter, logger *slog.Logger, action string, start time.Time, err error) {
	status := writeErr(w, err)
	if action == "" {
		action = "unknown"
	}
	h.Metrics.RecordRequest(action, status, time.Since(start))
	if status >= 500 {
		logger.Error("relay failed", "status", status, "error", err)
		return
	}
	logger.Warn("relay rejected", "status", status, "error", err)
}

func (h RelayHandler) rejectLimited(w http.ResponseWriter, logger *slog.Logger, start time.Time, retryAfter int, msg string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeErrorJSON(w, http.StatusTooManyRequests, msg)
	h.Metrics.RecordRequest("unknown", http.StatusTooManyRequests, time.Since(start))
	logger.Warn("relay rate limited", "retry_after", retryAfter, "reason", msg)
}

func (h RelayHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
