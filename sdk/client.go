// Package tutor is the client side of the tutor relay. It calls POST
// /api/gemini, splits the chat event stream into frames, accumulates the
// answer, and turns speech answers into playable WAV clips.
package tutor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/tutor-relay/pkg/core"
	"github.com/vango-go/tutor-relay/pkg/core/types"
)

const (
	relayPath                  = "/api/gemini"
	defaultNonStreamingTimeout = 2 * time.Minute
)

// Client talks to a tutor relay.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the relay at baseURL, e.g. "http://localhost:8080".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSpace(baseURL),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate performs a non-streaming action and returns the raw upstream JSON.
func (c *Client) Generate(ctx context.Context, req *types.RelayRequest) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp, endpoint, err := c.postRelay(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeRelayErrorResponse(resp, endpoint)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	return body, nil
}

// Stream performs a streaming action and returns the relayed event stream.
// The caller closes it; cancelling ctx aborts it.
func (c *Client) Stream(ctx context.Context, req *types.RelayRequest) (io.ReadCloser, error) {
	resp, endpoint, err := c.postRelay(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeRelayErrorResponse(resp, endpoint)
	}
	return resp.Body, nil
}

func (c *Client) postRelay(ctx context.Context, payload *types.RelayRequest, stream bool) (*http.Response, string, error) {
	if payload == nil {
		return nil, "", core.NewBadRequestError("req must not be nil")
	}
	endpoint, err := c.endpoint(relayPath)
	if err != nil {
		return nil, "", err
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, endpoint, core.NewBadRequestError("failed to marshal request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, endpoint, &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, endpoint, &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	return resp, endpoint, nil
}

func (c *Client) endpoint(path string) (string, error) {
	if c.baseURL == "" {
		return "", core.NewBadRequestError("relay base URL is not set")
	}
	base, err := url.Parse(c.baseURL)
	if err != nil || strings.TrimSpace(base.Scheme) == "" || strings.TrimSpace(base.Host) == "" {
		return "", core.NewBadRequestError("invalid relay base URL")
	}
	if base.User != nil {
		return "", core.NewBadRequestError("relay base URL must not include credentials")
	}

	base.RawQuery = ""
	base.Fragment = ""
	basePath := strings.TrimSuffix(base.Path, "/")
	base.Path = basePath + "/" + strings.TrimLeft(path, "/")
	base.RawPath = ""
	return base.String(), nil
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), defaultNonStreamingTimeout)
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultNonStreamingTimeout)
}
