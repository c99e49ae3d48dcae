package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultGeminiBaseURL  = "https://generativelanguage.googleapis.com/v1beta"
	DefaultFastTierMarker = "flash"
	DefaultTTSModel       = "gemini-2.5-flash-preview-tts"
	DefaultTTSVoice       = "Puck"
)

type Config struct {
	Addr string

	// GeminiAPIKey may be empty; relay calls then fail with config_missing.
	GeminiAPIKey  string
	GeminiBaseURL string

	// Model selection. TextModel, when set, bypasses discovery.
	TextModel      string
	FastTierMarker string
	ModelCacheTTL  time.Duration
	TTSModel       string
	TTSVoice       string

	MaxBodyBytes    int64
	MaxHistoryTurns int

	// Per-client limits, keyed by remote IP. Zero disables each limit.
	RateLimitRPS         float64
	RateLimitBurst       int
	MaxConcurrentStreams int

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Streams have no relay timeout unless StreamMaxDuration > 0.
	StreamMaxDuration time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration

	// Upstream HTTP client defaults
	UpstreamConnectTimeout        time.Duration
	UpstreamResponseHeaderTimeout time.Duration

	LogLevel slog.Level
}

// LoadFromEnv reads the configuration from the process environment. If
// TUTOR_RELAY_CONFIG names a YAML file, its keys (the same variable names)
// supply values that the environment has not set.
func LoadFromEnv() (Config, error) {
	src := source{getenv: os.Getenv}
	if path := strings.TrimSpace(os.Getenv("TUTOR_RELAY_CONFIG")); path != "" {
		file, err := readOverlay(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}
	return load(&src)
}

func load(src *source) (Config, error) {
	cfg := Config{
		Addr:                          src.stringOr("TUTOR_RELAY_ADDR", ":8080"),
		GeminiAPIKey:                  src.stringOr("GEMINI_API_KEY", ""),
		GeminiBaseURL:                 strings.TrimRight(src.stringOr("TUTOR_RELAY_GEMINI_BASE_URL", DefaultGeminiBaseURL), "/"),
		TextModel:                     src.stringOr("TUTOR_RELAY_TEXT_MODEL", ""),
		FastTierMarker:                src.stringOr("TUTOR_RELAY_FAST_TIER_MARKER", DefaultFastTierMarker),
		ModelCacheTTL:                 src.durationOr("TUTOR_RELAY_MODEL_CACHE_TTL", 10*time.Minute),
		TTSModel:                      src.stringOr("TUTOR_RELAY_TTS_MODEL", DefaultTTSModel),
		TTSVoice:                      src.stringOr("TUTOR_RELAY_TTS_VOICE", DefaultTTSVoice),
		MaxBodyBytes:                  src.int64Or("TUTOR_RELAY_MAX_BODY_BYTES", 1<<20), // 1 MiB
		MaxHistoryTurns:               src.intOr("TUTOR_RELAY_MAX_HISTORY_TURNS", 64),
		RateLimitRPS:                  src.floatOr("TUTOR_RELAY_RATE_LIMIT_RPS", 0),
		RateLimitBurst:                src.intOr("TUTOR_RELAY_RATE_LIMIT_BURST", 0),
		MaxConcurrentStreams:          src.intOr("TUTOR_RELAY_MAX_CONCURRENT_STREAMS", 0),
		CORSAllowedOrigins:            make(map[string]struct{}),
		StreamMaxDuration:             src.durationOr("TUTOR_RELAY_STREAM_MAX_DURATION", 0),
		ReadHeaderTimeout:             src.durationOr("TUTOR_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                   src.durationOr("TUTOR_RELAY_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:                src.durationOr("TUTOR_RELAY_HANDLER_TIMEOUT", 2*time.Minute),
		ShutdownGracePeriod:           src.durationOr("TUTOR_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		UpstreamConnectTimeout:        src.durationOr("TUTOR_RELAY_CONNECT_TIMEOUT", 5*time.Second),
		UpstreamResponseHeaderTimeout: src.durationOr("TUTOR_RELAY_RESPONSE_HEADER_TIMEOUT", 30*time.Second),
		LogLevel:                      src.levelOr("LOG_LEVEL", slog.LevelInfo),
	}
	if len(src.errs) > 0 {
		return Config{}, src.errs[0]
	}

	for _, origin := range splitCSV(src.stringOr("TUTOR_RELAY_CORS_ORIGINS", "")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.GeminiBaseURL == "" {
		return Config{}, fmt.Errorf("TUTOR_RELAY_GEMINI_BASE_URL must not be empty")
	}
	if cfg.TTSModel == "" {
		return Config{}, fmt.Errorf("TUTOR_RELAY_TTS_MODEL must not be empty")
	}
	if cfg.TTSVoice == "" {
		return Config{}, fmt.Errorf("TUTOR_RELAY_TTS_VOICE must not be empty")
	}
	if cfg.ModelCacheTTL < 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_MODEL_CACHE_TTL must be >= 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxHistoryTurns < 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_MAX_HISTORY_TURNS must be >= 0")
	}
	if cfg.RateLimitRPS < 0 || cfg.RateLimitBurst < 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_RATE_LIMIT_RPS and TUTOR_RELAY_RATE_LIMIT_BURST must be >= 0")
	}
	if (cfg.RateLimitRPS > 0) != (cfg.RateLimitBurst > 0) {
		return Config{}, fmt.Errorf("TUTOR_RELAY_RATE_LIMIT_RPS and TUTOR_RELAY_RATE_LIMIT_BURST must be set together")
	}
	if cfg.MaxConcurrentStreams < 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_MAX_CONCURRENT_STREAMS must be >= 0")
	}
	if cfg.StreamMaxDuration < 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_STREAM_MAX_DURATION must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_HANDLER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.UpstreamResponseHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_RELAY_RESPONSE_HEADER_TIMEOUT must be > 0")
	}

	return cfg, nil
}

// readOverlay loads a flat YAML mapping of variable names to values.
func readOverlay(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[k] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("parse yaml config: %s must be a scalar or list", k)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// source resolves a variable from the environment first, then the overlay
// file, recording parse failures.
type source struct {
	getenv func(string) string
	file   map[string]string
	errs   []error
}

func (s *source) raw(key string) string {
	if v := strings.TrimSpace(s.getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[key])
}

func (s *source) stringOr(key, def string) string {
	v := s.raw(key)
	if v == "" {
		return def
	}
	return v
}

func (s *source) int64Or(key string, def int64) int64 {
	raw := s.raw(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s must be an integer: %q", key, raw))
		return def
	}
	return n
}

func (s *source) intOr(key string, def int) int {
	raw := s.raw(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s must be an integer: %q", key, raw))
		return def
	}
	return n
}

func (s *source) floatOr(key string, def float64) float64 {
	raw := s.raw(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s must be a number: %q", key, raw))
		return def
	}
	return f
}

func (s *source) durationOr(key string, def time.Duration) time.Duration {
	raw := s.raw(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s must be a duration: %q", key, raw))
		return def
	}
	return d
}

func (s *source) levelOr(key string, def slog.Level) slog.Level {
	raw := s.raw(key)
	if raw == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s must be one of debug|info|warn|error: %q", key, raw))
		return def
	}
	return lvl
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
