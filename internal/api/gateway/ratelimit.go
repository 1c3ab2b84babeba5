// Package gateway provides relay gateway functionality including rate limiting
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Counter increments a windowed counter and reports its value and the time
// left in the window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int, time.Duration, error)
}

// RedisCounter is a fixed-window Counter backed by Redis.
type RedisCounter struct {
	client redis.UniversalClient
}

// NewRedisCounter creates a RedisCounter.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// Incr implements Counter.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	res, err := incrScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit script result %v", res)
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return int(res[0]), ttl, nil
}

// RateLimiter provides per-credential rate limiting for relay endpoints
type RateLimiter struct {
	counter Counter
	logger  *zap.Logger
	config  RateLimitConfig
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	RequestsPerMinute int
	Endpoints         map[string]EndpointLimits
	IncludeHeaders    bool
	KeyPrefix         string
	// RejectStatus is the status of rejected requests, 429 when zero.
	RejectStatus int
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	RequestsPerMinute int
	// CostMultiplier divides the budget for expensive endpoints.
	CostMultiplier int
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(counter Counter, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	if cfg.RejectStatus == 0 {
		cfg.RejectStatus = http.StatusTooManyRequests
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gti-relay"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		counter: counter,
		logger:  logger,
		config:  cfg,
	}
}

// DefaultEndpointLimits returns endpoint-specific limits for the relay.
// Observe fans out to several upstream calls per observable.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/observe/observables": {CostMultiplier: 4},
		"POST:/health":              {RequestsPerMinute: 30},
	}
}

// Check performs a rate limit check
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) *RateLimitResult {
	limit := rl.effectiveLimit(endpoint, method)

	key := fmt.Sprintf("%s:ratelimit:%s:%s:%s:minute", rl.config.KeyPrefix, clientID, method, endpoint)
	now := time.Now()

	count, ttl, err := rl.counter.Incr(ctx, key, time.Minute)
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}
	}

	allowed := count <= limit
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	result := &RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result
}

func (rl *RateLimiter) effectiveLimit(endpoint, method string) int {
	limit := rl.config.RequestsPerMinute
	ep, ok := rl.config.Endpoints[method+":"+endpoint]
	if !ok {
		return limit
	}
	if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
		limit = ep.RequestsPerMinute
	}
	if ep.CostMultiplier > 1 {
		limit /= ep.CostMultiplier
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Middleware returns an HTTP middleware for rate limiting. Requests are keyed
// by getClientID, falling back to the client address.
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := getClientID(r)
			if clientID == "" {
				clientID = getClientIP(r)
			}

			result := rl.Check(r.Context(), clientID, r.URL.Path, r.Method)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retryAfter := int(result.RetryAfter.Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(rl.config.RejectStatus)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"errors": []map[string]string{{
						"code":    "rate limit exceeded",
						"message": fmt.Sprintf("%s. Retry in %d seconds.", result.Reason, retryAfter),
						"type":    "fatal",
					}},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CredentialID identifies the caller by a digest of its bearer token, so raw
// credentials never reach the rate limit store.
func CredentialID(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
