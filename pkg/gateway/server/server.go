package server

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/tutor-relay/pkg/core/providers/gemini"
	"github.com/vango-go/tutor-relay/pkg/gateway/config"
	"github.com/vango-go/tutor-relay/pkg/gateway/handlers"
	"github.com/vango-go/tutor-relay/pkg/gateway/metrics"
	"github.com/vango-go/tutor-relay/pkg/gateway/mw"
	"github.com/vango-go/tutor-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/tutor-relay/pkg/gateway/relay"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	httpClient *http.Client
	dispatcher *relay.Dispatcher
	metrics    *metrics.Metrics
	limiter    *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	// No overall client timeout: streams run until the client or upstream
	// ends them.
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: cfg.UpstreamConnectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamResponseHeaderTimeout,
		},
	}

	m := metrics.New("")
	provider := gemini.New(cfg.GeminiAPIKey,
		gemini.WithBaseURL(cfg.GeminiBaseURL),
		gemini.WithHTTPClient(httpClient),
	)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		httpClient: httpClient,
		metrics:    m,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                  cfg.RateLimitRPS,
			Burst:                cfg.RateLimitBurst,
			MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		}),
		dispatcher: relay.NewDispatcher(provider, relay.Options{
			TextModel:      cfg.TextModel,
			FastTierMarker: cfg.FastTierMarker,
			ModelCacheTTL:  cfg.ModelCacheTTL,
			TTSModel:       cfg.TTSModel,
			TTSVoice:       cfg.TTSVoice,
			Logger:         logger,
			Metrics:        m,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/api/gemini", handlers.RelayHandler{
		Config:  s.cfg,
		Relay:   s.dispatcher,
		Logger:  s.logger,
		Metrics: s.metrics,
		Limiter: s.limiter,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// Dispatcher exposes the relay used by the HTTP routes.
func (s *Server) Dispatcher() *relay.Dispatcher {
	return s.dispatcher
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
