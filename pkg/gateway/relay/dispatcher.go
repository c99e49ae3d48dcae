// Package relay forwards tutor requests to Gemini and pipes the answers back.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vango-go/tutor-relay/pkg/core"
	"github.com/vango-go/tutor-relay/pkg/core/providers/gemini"
	"github.com/vango-go/tutor-relay/pkg/core/types"
	"github.com/vango-go/tutor-relay/pkg/gateway/metrics"
)

// modelLookupTimeout bounds a shared model discovery call, which outlives the
// request that started it.
const modelLookupTimeout = 30 * time.Second

// Upstream is the subset of the Gemini provider the dispatcher uses.
type Upstream interface {
	HasKey() bool
	ListModels(ctx context.Context) ([]gemini.ModelInfo, error)
	GenerateContent(ctx context.Context, model string, req *gemini.GenerateRequest) ([]byte, error)
	StreamGenerateContent(ctx context.Context, model string, req *gemini.GenerateRequest) (io.ReadCloser, error)
}

// Options configures a Dispatcher.
type Options struct {
	// TextModel, when set, is used for every text action and skips discovery.
	TextModel      string
	FastTierMarker string
	ModelCacheTTL  time.Duration

	TTSModel string
	TTSVoice string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Dispatcher chooses the model and request shape for each action.
type Dispatcher struct {
	upstream Upstream
	opts     Options

	group singleflight.Group

	mu       sync.Mutex
	model    string
	cachedAt time.Time
}

func NewDispatcher(upstream Upstream, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{upstream: upstream, opts: opts}
}

// Resolve returns the model used for action.
func (d *Dispatcher) Resolve(ctx context.Context, action types.Action) (string, error) {
	if !action.Valid() {
		return "", core.NewBadRequestError(fmt.Sprintf("unknown action %q", action))
	}
	if !action.NeedsTextModel() {
		return d.opts.TTSModel, nil
	}
	if d.opts.TextModel != "" {
		d.opts.Metrics.RecordModelLookup("configured")
		return d.opts.TextModel, nil
	}
	if model, ok := d.cached(); ok {
		d.opts.Metrics.RecordModelLookup("cached")
		return model, nil
	}

	ch := d.group.DoChan("models", func() (any, error) {
		if model, ok := d.cached(); ok {
			return model, nil
		}
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), modelLookupTimeout)
		defer cancel()

		models, err := d.upstream.ListModels(lookupCtx)
		if err != nil {
			return "", err
		}
		model, err := gemini.PickModel(models, d.opts.FastTierMarker)
		if err != nil {
			return "", err
		}
		d.mu.Lock()
		d.model = model
		d.cachedAt = d.opts.Now()
		d.mu.Unlock()
		d.opts.Logger.Info("model discovered", "model", model, "candidates", len(models))
		return model, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			d.opts.Metrics.RecordModelLookup("error")
			return "", fmt.Errorf("discover model: %w", res.Err)
		}
		d.opts.Metrics.RecordModelLookup("discovered")
		return res.Val.(string), nil
	}
}

func (d *Dispatcher) cached() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.model == "" || d.opts.ModelCacheTTL <= 0 {
		return "", false
	}
	if d.opts.Now().Sub(d.cachedAt) >= d.opts.ModelCacheTTL {
		return "", false
	}
	return d.model, true
}

// BuildRequest returns the upstream request body for req.
func (d *Dispatcher) BuildRequest(req *types.RelayRequest) (*gemini.GenerateRequest, error) {
	switch req.Action {
	case types.ActionTranslate, types.ActionChat:
		return gemini.NewTextRequest(req.SystemPrompt, req.History, req.Text), nil
	case types.ActionSuggestReply:
		return gemini.NewSuggestRequest(req.SystemPrompt, req.History, req.Text), nil
	case types.ActionTTS:
		return gemini.NewSpeechRequest(req.Text, d.opts.TTSVoice), nil
	default:
		return nil, core.NewBadRequestError(fmt.Sprintf("unknown action %q", req.Action))
	}
}

// Generate performs a non-streaming action and returns the raw upstream body.
func (d *Dispatcher) Generate(ctx context.Context, req *types.RelayRequest) (string, []byte, error) {
	if req.Action.Streaming() {
		return "", nil, core.NewBadRequestError(fmt.Sprintf("action %q must be streamed", req.Action))
	}
	model, body, err := d.prepare(ctx, req)
	if err != nil {
		return model, nil, err
	}
	out, err := d.upstream.GenerateContent(ctx, model, body)
	if err != nil {
		d.recordUpstreamError(req.Action, err)
		return model, nil, err
	}
	return model, out, nil
}

// Stream opens a streaming action. The caller must close the returned body.
func (d *Dispatcher) Stream(ctx context.Context, req *types.RelayRequest) (string, io.ReadCloser, error) {
	if !req.Action.Streaming() {
		return "", nil, core.NewBadRequestError(fmt.Sprintf("action %q cannot be streamed", req.Action))
	}
	model, body, err := d.prepare(ctx, req)
	if err != nil {
		return model, nil, err
	}
	rc, err := d.upstream.StreamGenerateContent(ctx, model, body)
	if err != nil {
		d.recordUpstreamError(req.Action, err)
		return model, nil, err
	}
	return model, rc, nil
}

// Translate, Suggest and Speak are named shorthands for Generate.

func (d *Dispatcher) Translate(ctx context.Context, text, systemPrompt string) ([]byte, error) {
	_, out, err := d.Generate(ctx, &types.RelayRequest{Action: types.ActionTranslate, Text: text, SystemPrompt: systemPrompt})
	return out, err
}

func (d *Dispatcher) Suggest(ctx context.Context, text, systemPrompt string, history []types.Turn) ([]byte, error) {
	_, out, err := d.Generate(ctx, &types.RelayRequest{Action: types.ActionSuggestReply, Text: text, SystemPrompt: systemPrompt, History: history})
	return out, err
}

func (d *Dispatcher) Speak(ctx context.Context, text string) ([]byte, error) {
	_, out, err := d.Generate(ctx, &types.RelayRequest{Action: types.ActionTTS, Text: text})
	return out, err
}

func (d *Dispatcher) prepare(ctx context.Context, req *types.RelayRequest) (string, *gemini.GenerateRequest, error) {
	if !d.upstream.HasKey() {
		return "", nil, core.NewConfigMissingError("GEMINI_API_KEY is not set")
	}
	body, err := d.BuildRequest(req)
	if err != nil {
		return "", nil, err
	}
	model, err := d.Resolve(ctx, req.Action)
	if err != nil {
		d.recordUpstreamError(req.Action, err)
		return "", nil, err
	}
	return model, body, nil
}

func (d *Dispatcher) recordUpstreamError(action types.Action, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	var ce *core.Error
	if errors.As(err, &ce) && ce.Type != core.ErrUpstreamUnavailable {
		return
	}
	status := 0
	if ce != nil {
		status = ce.Status
	}
	d.opts.Metrics.RecordUpstreamError(string(action), status)
	d.opts.Logger.Error("upstream call failed", "action", action, "status", status, "error", err)
}
