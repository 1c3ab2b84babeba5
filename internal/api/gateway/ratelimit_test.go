package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCounter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (c *memoryCounter) Incr(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if c.err != nil {
		return 0, 0, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[key]++
	return c.counts[key], window, nil
}

func TestEffectiveLimit(t *testing.T) {
	rl := NewRateLimiter(&memoryCounter{}, RateLimitConfig{RequestsPerMinute: 100}, nil)

	assert.Equal(t, 100, rl.effectiveLimit("/refer/observables", http.MethodPost))
	assert.Equal(t, 25, rl.effectiveLimit("/observe/observables", http.MethodPost))
	assert.Equal(t, 30, rl.effectiveLimit("/health", http.MethodPost))
	assert.Equal(t, 100, rl.effectiveLimit("/health", http.MethodGet))
}

func TestCheck_ExhaustsBudget(t *testing.T) {
	rl := NewRateLimiter(&memoryCounter{}, RateLimitConfig{RequestsPerMinute: 2, Endpoints: map[string]EndpointLimits{}}, nil)
	ctx := context.Background()

	first := rl.Check(ctx, "client", "/x", http.MethodPost)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)

	assert.True(t, rl.Check(ctx, "client", "/x", http.MethodPost).Allowed)

	third := rl.Check(ctx, "client", "/x", http.MethodPost)
	assert.False(t, third.Allowed)
	assert.Zero(t, third.Remaining)
	assert.Equal(t, time.Minute, third.RetryAfter)

	assert.True(t, rl.Check(ctx, "other", "/x", http.MethodPost).Allowed)
}

func TestCheck_FailsOpen(t *testing.T) {
	rl := NewRateLimiter(&memoryCounter{err: errors.New("redis down")}, RateLimitConfig{}, nil)

	assert.True(t, rl.Check(context.Background(), "client", "/x", http.MethodPost).Allowed)
}

func TestMiddleware(t *testing.T) {
	rl := NewRateLimiter(&memoryCounter{}, RateLimitConfig{
		RequestsPerMinute: 1,
		Endpoints:         map[string]EndpointLimits{},
		IncludeHeaders:    true,
	}, nil)

	h := rl.Middleware(CredentialID)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/refer/observables", nil)
		r.Header.Set("Authorization", "Bearer token-a")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	ok := req()
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, "1", ok.Header().Get("X-RateLimit-Limit"))

	limited := req()
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"errors":[{"code":"rate limit exceeded","message":"Rate limit exceeded. Retry in 60 seconds.","type":"fatal"}]}`,
		limited.Body.String())
}

func TestCredentialID(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Empty(t, CredentialID(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, CredentialID(r))

	r.Header.Set("Authorization", "Bearer abc")
	id := CredentialID(r)
	assert.Len(t, id, 32)
	assert.NotEqual(t, "abc", id)
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "1.1.1.1, 10.0.0.1")
	assert.Equal(t, "1.1.1.1", getClientIP(r))
}
