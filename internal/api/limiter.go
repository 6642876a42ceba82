// ABOUTME: Per-caller token bucket rate limiting for the HTTP API
// ABOUTME: Keeps one x/time/rate limiter per caller and evicts idle ones

package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-messaging/internal/auth"
)

// Default limiter settings when the config leaves them unset.
const (
	DefaultRequestsPerSecond = 20
	DefaultBurst             = 40

	limiterTTL           = 10 * time.Minute
	limiterCleanupPeriod = time.Minute
)

// RateLimit configures the per-caller token bucket.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one limiter per key. Entries idle for longer than
// ttl are dropped by Run.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time
}

func newLimiterPool(cfg RateLimit) *limiterPool {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		limit: rate.Limit(cfg.RequestsPerSecond),
		burst: cfg.Burst,
		ttl:   limiterTTL,
		now:   time.Now,
	}
}

// allow reports whether key may make another request now.
func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.limit, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	return e.l.AllowN(now, 1)
}

func (p *limiterPool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-p.ttl)
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

func (p *limiterPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// run evicts idle limiters until ctx is done.
func (p *limiterPool) run(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// rateLimit rejects callers that exhausted their bucket with 429. It runs
// after authentication so buckets are keyed by caller ID.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if c := auth.FromContext(r.Context()); c != nil {
			key = c.ID
		}
		if !h.limiter.allow(key) {
			w.Header().Set("Retry-After", "1")
			h.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
