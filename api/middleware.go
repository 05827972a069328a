package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/warp/toil-ledger/auth"
	"github.com/warp/toil-ledger/toil"
)

type ctxKey int

const userKey ctxKey = iota

// currentUser returns the user set by Authenticate. Handlers behind the
// middleware can rely on it being present.
func currentUser(r *http.Request) toil.User {
	u, _ := UserFromContext(r.Context())
	return u
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (toil.User, bool) {
	u, ok := ctx.Value(userKey).(toil.User)
	return u, ok
}

// WithUser stores u in ctx.
func WithUser(ctx context.Context, u toil.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

// Authenticate verifies the bearer token and loads the subject from users.
// Tokens for users that no longer exist are rejected.
func Authenticate(issuer *auth.Issuer, users toil.UserStore, logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing bearer token", nil)
				return
			}
			claims, err := issuer.Parse(token)
			if err != nil {
				requestLogger(logger, r).WithError(err).Debug("Rejected token")
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid token", nil)
				return
			}
			u, err := users.GetUser(r.Context(), claims.Subject)
			if errors.Is(err, toil.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Unknown user", nil)
				return
			}
			if err != nil {
				requestLogger(logger, r).WithError(err).Error("User lookup failed")
				writeError(w, http.StatusInternalServerError, "internal", "Internal server error", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

// =============================================================================
// ACCESS LOG
// =============================================================================

// requestLogger returns an entry carrying the request id and, when known,
// the caller.
func requestLogger(logger logrus.FieldLogger, r *http.Request) logrus.FieldLogger {
	fields := logrus.Fields{"request_id": middleware.GetReqID(r.Context())}
	if u, ok := UserFromContext(r.Context()); ok {
		fields["actor"] = u.ID
	}
	return logger.WithFields(fields)
}

// RequestLogger logs method, path, status and duration for each request.
func RequestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := logger.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     status,
				"duration":   time.Since(start),
				"bytes":      ww.BytesWritten(),
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("HTTP request")
			} else {
				entry.Info("HTTP request")
			}
		})
	}
}

// =============================================================================
// RATE LIMIT
// =============================================================================

// RateLimiter is a token bucket per client IP. Idle buckets are pruned
// lazily.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
	now       func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewRateLimiter allows perSecond requests per client with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     5 * time.Minute,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for ip.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastPrune) > time.Minute {
		for k, b := range rl.buckets {
			if now.Sub(b.seen) > rl.ttl {
				delete(rl.buckets, k)
			}
		}
		rl.lastPrune = now
	}

	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		if !rl.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the host part of RemoteAddr. Forwarding headers are ignored
// here; behind a trusted proxy middleware.RealIP rewrites RemoteAddr first.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
