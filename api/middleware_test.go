package api

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/warp/toil-ledger/store/memory"
	"github.com/warp/toil-ledger/toil"
)

func TestRateLimiter_PerClient(t *testing.T) {
	// GIVEN: A limiter with a burst of 2 and a frozen clock
	rl := NewRateLimiter(1, 2)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	// THEN: Each client gets its own bucket
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))

	// WHEN: A second passes, one token refills
	now = now.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiter_PrunesIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("10.0.0.1")
	now = now.Add(10 * time.Minute)
	rl.Allow("10.0.0.2")

	assert.Len(t, rl.buckets, 1)
	assert.Contains(t, rl.buckets, "10.0.0.2")
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiter_IgnoresForwardedHeaders(t *testing.T) {
	// GIVEN: A limiter with a burst of 1
	rl := NewRateLimiter(1, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	// WHEN: One peer sends many requests, each claiming a different origin
	allowed := 0
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusNoContent {
			allowed++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}

	// THEN: They all share the peer's bucket
	assert.Equal(t, 1, allowed)
	assert.Len(t, rl.buckets, 1)
	assert.Contains(t, rl.buckets, "10.0.0.1")
}

func TestRouter_TrustForwarded(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := memory.New()

	newRouter := func(trust bool) http.Handler {
		h := NewHandler(toil.NewService(store, toil.WithLogger(logger)), store, logger)
		return NewRouter(h, RouterConfig{
			RateLimiter:    NewRateLimiter(1, 1),
			TrustForwarded: trust,
		})
	}
	get := func(router http.Handler, xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("untrusted proxy headers share the peer bucket", func(t *testing.T) {
		router := newRouter(false)
		assert.Equal(t, http.StatusOK, get(router, "203.0.113.1"))
		assert.Equal(t, http.StatusTooManyRequests, get(router, "203.0.113.2"))
	})

	t.Run("trusted proxy headers split buckets per client", func(t *testing.T) {
		router := newRouter(true)
		assert.Equal(t, http.StatusOK, get(router, "203.0.113.1"))
		assert.Equal(t, http.StatusOK, get(router, "203.0.113.2"))
		assert.Equal(t, http.StatusTooManyRequests, get(router, "203.0.113.1"))
	})
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "192.0.2.1", clientIP(req))

	// RealIP leaves a bare address without a port
	req.RemoteAddr = "203.0.113.7"
	assert.Equal(t, "203.0.113.7", clientIP(req))
}
