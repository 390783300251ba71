package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds how many requests one client may make per window.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// Key identifies the client. Defaults to ClientKey.
	Key func(*http.Request) string
	// Now defaults to time.Now.
	Now func() time.Time
}

type bucket struct {
	start time.Time
	count int
}

// Limiter is a fixed-window request limiter keyed by client.
type Limiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a Limiter. Non-positive Max or Window disable limiting.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.Key == nil {
		cfg.Key = ClientKey
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

func (l *Limiter) disabled() bool {
	return l.cfg.Max <= 0 || l.cfg.Window <= 0
}

// take consumes one request for key and reports how many are left and when
// the window resets.
func (l *Limiter) take(key string) (left int, reset time.Time, ok bool) {
	now := l.cfg.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil || now.Sub(b.start) >= l.cfg.Window {
		b = &bucket{start: now}
		l.buckets[key] = b
	}
	reset = b.start.Add(l.cfg.Window)
	if b.count >= l.cfg.Max {
		return 0, reset, false
	}
	b.count++
	return l.cfg.Max - b.count, reset, true
}

// Sweep drops buckets whose window has ended.
func (l *Limiter) Sweep() {
	now := l.cfg.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.Sub(b.start) >= l.cfg.Window {
			delete(l.buckets, k)
		}
	}
}

// Run sweeps expired buckets once per window until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	if l.disabled() {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(l.cfg.Window)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			l.Sweep()
		}
	}
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header.
func (l *Limiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		if l.disabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			left, reset, ok := l.take(l.cfg.Key(r))
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(left))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			if !ok {
				wait := reset.Sub(l.cfg.Now()).Seconds()
				h.Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(wait)))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller by the first X-Forwarded-For hop, falling
// back to the remote host.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
