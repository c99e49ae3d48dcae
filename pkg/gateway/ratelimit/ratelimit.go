// Package ratelimit bounds relay use per client: a token bucket for request
// rate and a semaphore for concurrent chat streams.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentStreams int

	// Bounds for the in-memory client map (single process only).
	MaxEntries int
	EntryTTL   time.Duration
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	return (c.RPS > 0 && c.Burst > 0) || c.MaxConcurrentStreams > 0
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*clientLimiter
}

type clientLimiter struct {
	requests  *rate.Limiter
	streamSem chan struct{}
	lastSeen  time.Time
}

// New returns a limiter, or nil when cfg sets no limit. A nil *Limiter allows
// everything.
func New(cfg Config) *Limiter {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
}

// ClientKey identifies the caller by remote IP.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		host = r.RemoteAddr
	}
	if host == "" {
		return "anonymous"
	}
	return host
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

var allow = Decision{Allowed: true, Permit: &Permit{}}

// AllowRequest spends one token from the client's bucket.
func (l *Limiter) AllowRequest(client string, now time.Time) Decision {
	if l == nil || l.cfg.RPS <= 0 || l.cfg.Burst <= 0 {
		return allow
	}
	cl := l.getOrCreate(client, now)
	r := cl.requests.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: 1}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: max(1, int(math.Ceil(delay.Seconds())))}
	}
	return allow
}

// AcquireStream reserves a concurrent stream slot. The permit must be released
// when the stream ends.
func (l *Limiter) AcquireStream(client string, now time.Time) Decision {
	if l == nil || l.cfg.MaxConcurrentStreams <= 0 {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	cl := l.getOrCreate(client, now)
	select {
	case cl.streamSem <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-cl.streamSem }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(client string, now time.Time) *clientLimiter {
	if client == "" {
		client = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if cl, ok := l.m[client]; ok {
		cl.lastSeen = now
		return cl
	}
	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.streamSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}
	cl := &clientLimiter{
		requests:  rate.NewLimiter(rate.Limit(l.cfg.RPS), max(1, l.cfg.Burst)),
		streamSem: make(chan struct{}, max(1, l.cfg.MaxConcurrentStreams)),
		lastSeen:  now,
	}
	l.m[client] = cl
	return cl
}

// gcLocked drops idle clients. Clients holding a stream slot are kept so a
// release never lands on a fresh semaphore.
func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL && len(v.streamSem) == 0 {
			delete(l.m, k)
		}
	}
}
