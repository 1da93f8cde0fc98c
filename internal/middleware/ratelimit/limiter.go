package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/storegate/internal/config"
	"github.com/wudi/storegate/internal/errors"
	"github.com/wudi/storegate/internal/metrics"
	"github.com/wudi/storegate/internal/middleware"
	"github.com/wudi/storegate/internal/middleware/realip"
)

// Limiter enforces a fixed-window request budget per client address on
// paths under a prefix.
type Limiter struct {
	store   Store
	prefix  string
	window  time.Duration
	message string
	keyFn   func(*http.Request) string
	metrics *metrics.Collector

	// logLimiter throttles rejection and store-failure logs.
	logLimiter *rate.Limiter
}

// NewStore builds the configured store.
func NewStore(cfg config.RateLimitConfig) (Store, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(cfg.Max, cfg.Window), nil
	case "redis":
		client, err := NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Max, cfg.Window, true), nil
	}
	return nil, fmt.Errorf("unknown rate limit store: %s", cfg.Store)
}

// New creates a limiter over store. m may be nil.
func New(cfg config.RateLimitConfig, store Store, m *metrics.Collector) *Limiter {
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	return &Limiter{
		store:      store,
		prefix:     prefix,
		window:     cfg.Window,
		message:    fmt.Sprintf("Too many requests from this IP, please try again after %s.", HumanDuration(cfg.Window)),
		keyFn:      realip.ClientAddress,
		metrics:    m,
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Applies reports whether p is under the limiter's prefix. Repeated
// slashes and dot segments are resolved first.
func (l *Limiter) Applies(p string) bool {
	if l.prefix == "" {
		return true
	}
	p = path.Clean("/" + p)
	return p == l.prefix || strings.HasPrefix(p, l.prefix+"/")
}

// Middleware creates a rate limiting middleware.
func (l *Limiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Applies(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := l.keyFn(r)
			d, err := l.store.Allow(r.Context(), key)
			if err != nil {
				// Fail open
				l.metrics.RecordRateLimitStoreError()
				if l.logLimiter.Allow() {
					middleware.RequestLogger(r).Warn("Rate limit store unavailable, failing open", zap.Error(err))
				}
				next.ServeHTTP(w, r)
				return
			}

			resetSecs := secondsUntil(d.ResetAt)
			w.Header().Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("RateLimit-Reset", strconv.Itoa(resetSecs))

			if !d.Allowed {
				l.metrics.RecordRateLimitRejection()
				if l.logLimiter.Allow() {
					middleware.RequestLogger(r).Warn("Rate limit exceeded",
						zap.String("client", key),
						zap.String("path", r.URL.Path),
					)
				}
				errors.ErrTooManyRequests.
					WithMessage(l.message).
					WithRetryAfter(resetSecs).
					WithRequestID(middleware.CorrelationID(r)).
					WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

func secondsUntil(t time.Time) int {
	s := int(math.Ceil(time.Until(t).Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// HumanDuration renders d the way the rejection message reads it,
// e.g. "15 minutes" or "1 second".
func HumanDuration(d time.Duration) string {
	unit := func(n int64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return strconv.FormatInt(n, 10) + " " + name + "s"
	}
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return unit(int64(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return unit(int64(d/time.Minute), "minute")
	case d >= time.Second && d%time.Second == 0:
		return unit(int64(d/time.Second), "second")
	case d >= time.Second:
		return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + " seconds"
	}
	return unit(d.Milliseconds(), "millisecond")
}
