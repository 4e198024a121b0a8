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

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Counter is a fixed-window counter shared between replicas, such as the
// Redis or PostgreSQL rate counters.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	// Max is the number of requests allowed per Window.
	Max    int
	Window time.Duration
	// KeyFunc extracts the throttling key. Defaults to the client IP.
	KeyFunc func(*http.Request) string
	// Prefix namespaces keys in a shared Counter.
	Prefix string
	// Counter switches from the in-process sliding window to a shared fixed
	// window. Counter errors let the request through.
	Counter Counter
}

type limiter interface {
	allow(ctx context.Context, key string, now time.Time) (remaining int, resetAt time.Time, ok bool)
}

// window tracks the previous and current fixed windows of one key.
type window struct {
	prevCount float64
	currCount float64
	currStart time.Time
}

// slidingLimiter approximates a sliding window by weighting the previous
// fixed window by its overlap with the current one.
type slidingLimiter struct {
	max    int
	window time.Duration

	mu   sync.Mutex
	keys map[string]*window
}

func (l *slidingLimiter) allow(_ context.Context, key string, now time.Time) (int, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := now.Truncate(l.window)
	w, ok := l.keys[key]
	switch {
	case !ok:
		w = &window{currStart: start}
		l.keys[key] = w
	case start.Sub(w.currStart) >= 2*l.window:
		*w = window{currStart: start}
	case start.After(w.currStart):
		*w = window{prevCount: w.currCount, currStart: start}
	}

	overlap := 1 - float64(now.Sub(w.currStart))/float64(l.window)
	used := w.prevCount*math.Max(overlap, 0) + w.currCount
	resetAt := w.currStart.Add(l.window)
	if used >= float64(l.max) {
		return 0, resetAt, false
	}
	w.currCount++
	return max(int(float64(l.max)-used-1), 0), resetAt, true
}

func (l *slidingLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.keys {
		if now.Sub(w.currStart) >= 2*l.window {
			delete(l.keys, k)
		}
	}
}

type sharedLimiter struct {
	max     int
	window  time.Duration
	prefix  string
	counter Counter
}

func (l *sharedLimiter) allow(ctx context.Context, key string, now time.Time) (int, time.Time, bool) {
	resetAt := now.Truncate(l.window).Add(l.window)
	n, err := l.counter.Incr(ctx, l.prefix+key, l.window)
	if err != nil {
		zctx.From(ctx).Warn("Rate counter unavailable", zap.Error(err))
		return l.max, resetAt, true
	}
	if n > int64(l.max) {
		return 0, resetAt, false
	}
	return l.max - int(n), resetAt, true
}

// RateLimit throttles requests per key and answers 429 over the limit. Every
// response carries the X-RateLimit-* headers.
func RateLimit(cfg RateLimitConfig) Middleware {
	return rateLimit(cfg, newLimiter(cfg))
}

// RateLimitWithCleanup is RateLimit with background eviction of idle keys
// from the in-process limiter until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	if s, ok := l.(*slidingLimiter); ok {
		go func() {
			t := time.NewTicker(2 * cfg.Window)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-t.C:
					s.evict(now)
				}
			}
		}()
	}
	return rateLimit(cfg, l)
}

func newLimiter(cfg RateLimitConfig) limiter {
	if cfg.Counter != nil {
		return &sharedLimiter{max: cfg.Max, window: cfg.Window, prefix: cfg.Prefix, counter: cfg.Counter}
	}
	return &slidingLimiter{max: cfg.Max, window: cfg.Window, keys: make(map[string]*window)}
}

func rateLimit(cfg RateLimitConfig, l limiter) Middleware {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, resetAt, ok := l.allow(r.Context(), keyFunc(r), time.Now())

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !ok {
				wait := max(time.Until(resetAt), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError writes the {"code","message"} body used across the API.
func writeError(w http.ResponseWriter, code int, msg string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(code) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
