// Package ratelimit bounds WebSocket upgrade attempts per source IP using
// ulule/limiter, with an optional Redis-backed store so the limit is
// shared across replicas (falling back to an in-memory store in
// single-instance/dev mode, exactly as the teacher's limiter does).
package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/epicenterhq/sync-core/internal/logging"
	"github.com/epicenterhq/sync-core/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter bounds connection attempts to the room upgrade endpoint.
type RateLimiter struct {
	wsIP *limiter.Limiter
}

// NewRateLimiter builds a RateLimiter from a formatted rate string
// (e.g. "100-M" for 100 per minute), backed by redisClient if non-nil.
func NewRateLimiter(rateFormatted string, redisClient *redis.Client) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(rateFormatted)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid rate %q: %w", rateFormatted, err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "sync:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis disabled)")
	}

	return &RateLimiter{wsIP: limiter.New(store, rate)}, nil
}

// CheckWebSocket enforces the per-IP limit against a room-upgrade request,
// writing a 429 and returning false if the limit is exceeded.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	result, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return true // fail open: availability over strict enforcement
	}

	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues("room_connect", "ip").Inc()
		c.Header("Retry-After", fmt.Sprintf("%d", result.Reset))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}
	return true
}
