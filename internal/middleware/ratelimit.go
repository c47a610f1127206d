package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimitStrategy selects the counting algorithm
type RateLimitStrategy string

const (
	// FixedWindow counts requests per aligned window. Cheap, but allows a
	// double burst across a window boundary.
	FixedWindow RateLimitStrategy = "fixed_window"

	// SlidingWindow keeps one sorted-set entry per request inside the window
	SlidingWindow RateLimitStrategy = "sliding_window"

	// TokenBucket refills Limit tokens per Window and spends one per request
	TokenBucket RateLimitStrategy = "token_bucket"
)

// ParseStrategy maps a config value to a strategy, defaulting to SlidingWindow
func ParseStrategy(s string) RateLimitStrategy {
	switch RateLimitStrategy(s) {
	case FixedWindow, SlidingWindow, TokenBucket:
		return RateLimitStrategy(s)
	default:
		return SlidingWindow
	}
}

// RateLimitConfig holds configuration for the rate limiter
type RateLimitConfig struct {
	Strategy RateLimitStrategy
	Limit    int
	Window   time.Duration

	// KeyFunc builds the counter key; client IP plus route by default
	KeyFunc func(*gin.Context) string

	// ErrorHandler writes the rejection; 429 JSON by default
	ErrorHandler func(*gin.Context)

	// SkipFunc exempts requests from limiting
	SkipFunc func(*gin.Context) bool

	Logger *slog.Logger
}

// RateLimiter enforces a RateLimitConfig with counters kept in Redis
type RateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(redisClient *redis.Client, config *RateLimitConfig) *RateLimiter {
	if config.KeyFunc == nil {
		config.KeyFunc = IPAndRouteKey
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = defaultErrorHandler
	}
	if config.SkipFunc == nil {
		config.SkipFunc = func(*gin.Context) bool { return false }
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &RateLimiter{
		redis:  redisClient,
		config: config,
		now:    time.Now,
	}
}

// Middleware returns the gin handler enforcing the limit. Redis failures let
// the request through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.config.SkipFunc(c) {
			c.Next()
			return
		}

		key := rl.config.KeyFunc(c)
		allowed, remaining, resetAt, err := rl.check(c.Request.Context(), key)
		if err != nil {
			rl.config.Logger.WarnContext(c.Request.Context(), "rate limiter unavailable, failing open",
				"key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			retryAfter := resetAt - rl.now().Unix()
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			rl.config.ErrorHandler(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

// check returns whether the request is allowed, how many remain and the unix
// time at which the limit resets.
func (rl *RateLimiter) check(ctx context.Context, key string) (bool, int, int64, error) {
	switch rl.config.Strategy {
	case SlidingWindow:
		return rl.slidingWindow(ctx, key)
	case TokenBucket:
		return rl.tokenBucket(ctx, key)
	default:
		return rl.fixedWindow(ctx, key)
	}
}

func (rl *RateLimiter) fixedWindow(ctx context.Context, key string) (bool, int, int64, error) {
	windowStart := rl.now().Truncate(rl.config.Window).Unix()
	windowKey := fmt.Sprintf("%s:%d", key, windowStart)

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, rl.config.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, 0, err
	}

	count := int(incr.Val())
	resetAt := windowStart + int64(rl.config.Window.Seconds())
	return count <= rl.config.Limit, max(rl.config.Limit-count, 0), resetAt, nil
}

func (rl *RateLimiter) slidingWindow(ctx context.Context, key string) (bool, int, int64, error) {
	now := rl.now()
	nowNano := now.UnixNano()
	windowStart := now.Add(-rl.config.Window).UnixNano()

	pipe := rl.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowNano), Member: nowNano})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, rl.config.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, 0, err
	}

	count := int(card.Val())
	resetAt := now.Add(rl.config.Window).Unix()
	return count <= rl.config.Limit, max(rl.config.Limit-count, 0), resetAt, nil
}

func (rl *RateLimiter) tokenBucket(ctx context.Context, key string) (bool, int, int64, error) {
	now := rl.now()
	tokensKey := key + ":tokens"
	refillKey := key + ":last_refill"
	capacity := float64(rl.config.Limit)
	perSecond := capacity / rl.config.Window.Seconds()

	pipe := rl.redis.Pipeline()
	getTokens := pipe.Get(ctx, tokensKey)
	getRefill := pipe.Get(ctx, refillKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, 0, err
	}

	tokens := capacity
	if v, err := strconv.ParseFloat(getTokens.Val(), 64); getTokens.Err() == nil && err == nil {
		tokens = v
	}
	lastRefill := now.Unix()
	if v, err := strconv.ParseInt(getRefill.Val(), 10, 64); getRefill.Err() == nil && err == nil {
		lastRefill = v
	}

	tokens = min(tokens+float64(now.Unix()-lastRefill)*perSecond, capacity)
	allowed := tokens >= 1
	if allowed {
		tokens--
	}

	pipe = rl.redis.TxPipeline()
	pipe.Set(ctx, tokensKey, strconv.FormatFloat(tokens, 'f', 2, 64), rl.config.Window*2)
	pipe.Set(ctx, refillKey, now.Unix(), rl.config.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, 0, err
	}

	resetAt := now.Unix()
	if tokens < 1 {
		resetAt += int64((1 - tokens) / perSecond)
	}
	return allowed, max(int(tokens), 0), resetAt, nil
}

func defaultErrorHandler(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, gin.H{
		"code":    http.StatusTooManyRequests,
		"message": "Rate limit exceeded. Please try again later.",
	})
}

// IPKey limits per client IP across all routes
func IPKey(c *gin.Context) string {
	return "rate_limit:ip:" + c.ClientIP()
}

// IPAndRouteKey limits per client IP and route pattern, so every alias shares
// the counter of GET /:alias.
func IPAndRouteKey(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return fmt.Sprintf("rate_limit:%s:%s %s", c.ClientIP(), c.Request.Method, route)
}

// SkipHealthCheck exempts the health endpoint
func SkipHealthCheck(c *gin.Context) bool {
	return c.Request.URL.Path == "/health"
}
