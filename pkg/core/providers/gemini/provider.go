// Package gemini is a thin client for the Google Gemini REST API.
// It lists models and issues generateContent calls, returning the upstream
// bytes untouched so callers can relay them.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/vango-go/tutor-relay/pkg/core"
)

// DefaultBaseURL is the default Gemini API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider calls the Gemini API with a single API key.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New creates a new Gemini provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "gemini"
}

// HasKey reports whether an API key is configured.
func (p *Provider) HasKey() bool {
	return p.apiKey != ""
}

// ListModels returns the models visible to the configured key, in listing order.
func (p *Provider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if !p.HasKey() {
		return nil, core.NewConfigMissingError("GEMINI_API_KEY is not set")
	}

	var out []ModelInfo
	pageToken := ""
	for {
		endpoint := p.baseURL + "/models"
		if pageToken != "" {
			endpoint += "?pageToken=" + url.QueryEscape(pageToken)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		p.setHeaders(httpReq, false)

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			return nil, core.NewTransportError(fmt.Errorf("http request: %w", err))
		}
		if !isSuccess(resp.StatusCode) {
			err := p.parseError(resp)
			resp.Body.Close()
			return nil, err
		}

		var page modelList
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode model list: %w", err)
		}
		for _, m := range page.Models {
			out = append(out, ModelInfo{
				Name:    m.Name,
				Methods: m.SupportedGenerationMethods,
			})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// GenerateContent sends a non-streaming request and returns the raw response body.
func (p *Provider) GenerateContent(ctx context.Context, model string, req *GenerateRequest) ([]byte, error) {
	return p.doRequest(ctx, model, req)
}

// StreamGenerateContent sends a streaming request and returns the upstream SSE
// body. The caller must close it.
func (p *Provider) StreamGenerateContent(ctx context.Context, model string, req *GenerateRequest) (io.ReadCloser, error) {
	return p.doStreamRequest(ctx, model, req)
}

// doRequest sends a non-streaming request to Gemini.
func (p *Provider) doRequest(ctx context.Context, model string, req *GenerateRequest) ([]byte, error) {
	if !p.HasKey() {
		return nil, core.NewConfigMissingError("GEMINI_API_KEY is not set")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, StripModelPrefix(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq, false)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewTransportError(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, p.parseError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return respBody, nil
}

// doStreamRequest sends a streaming request to Gemini.
func (p *Provider) doStreamRequest(ctx context.Context, model string, req *GenerateRequest) (io.ReadCloser, error) {
	if !p.HasKey() {
		return nil, core.NewConfigMissingError("GEMINI_API_KEY is not set")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, StripModelPrefix(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq, true)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewTransportError(fmt.Errorf("http request: %w", err))
	}

	// Check for errors before returning stream
	if !isSuccess(resp.StatusCode) {
		defer resp.Body.Close()
		return nil, p.parseError(resp)
	}

	return resp.Body, nil
}

func (p *Provider) setHeaders(req *http.Request, stream bool) {
	// The key travels in a header so it never shows up in logged URLs.
	req.Header.Set("x-goog-api-key", p.apiKey)
	if req.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
