package handlers

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/shoe-studio/api/internal/platform/httpx"
)

type rateLimiter interface {
	Allow(key string) (bool, time.Duration)
}

// windowLimiter admits at most limit requests per client in each fixed window. Windows live
// in a go-cache so idle clients are evicted by its janitor.
type windowLimiter struct {
	limit   int
	window  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	windows *gocache.Cache
}

type clientWindow struct {
	used    int
	resetAt time.Time
}

func newFixedWindowLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		now:     clock,
		windows: gocache.New(window, 2*window),
	}
}

// Allow counts one request for key and, on rejection, reports how long until its window resets.
func (l *windowLimiter) Allow(key string) (bool, time.Duration) {
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if cached, ok := l.windows.Get(key); ok {
		w := cached.(*clientWindow)
		if now.Before(w.resetAt) {
			if w.used >= l.limit {
				return false, w.resetAt.Sub(now)
			}
			w.used++
			return true, 0
		}
	}
	l.windows.SetDefault(key, &clientWindow{used: 1, resetAt: now.Add(l.window)})
	return true, 0
}

func retryAfterSeconds(d time.Duration) int {
	if s := int(d.Round(time.Second) / time.Second); s > 0 {
		return s
	}
	return 1
}

// rateLimitMiddleware answers 429 with Retry-After once a client exhausts its window. A nil
// limiter admits everything.
func rateLimitMiddleware(limiter rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := limiter.Allow(clientKey(r))
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			seconds := retryAfterSeconds(wait)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			httpx.WriteError(r.Context(), w,
				httpx.NewError("rate_limited", fmt.Sprintf("too many requests, retry in %ds", seconds), http.StatusTooManyRequests).WithRetryable(true))
		})
	}
}

// clientKey is the caller's IP. Forwarding headers have already been applied when, and only
// when, the connection came from a trusted proxy.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
