package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/flux/pkg/flux/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewRateLimitStore returns a redis-backed limiter store shared by every
// server instance when redisURL is set, and a per-process memory store
// otherwise. The returned close function releases the redis client.
func NewRateLimitStore(redisURL string) (limiter.Store, func() error, error) {
	if redisURL == "" {
		return memory.NewStore(), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid rate limit redis url: %w", err)
	}

	client := redis.NewClient(opts)
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   "flux_ratelimit",
		MaxRetry: 3,
	})
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("create redis rate limit store: %w", err)
	}
	return store, client.Close, nil
}

// NewRateLimiter creates a Gin middleware for rate limiting by client IP.
// requests is the number of requests allowed per period; zero disables
// limiting. period is a duration string (e.g., "1m", "1h", "24h"). A nil
// store selects an in-memory store.
func NewRateLimiter(requests int64, period string, store limiter.Store) (gin.HandlerFunc, error) {
	duration, err := time.ParseDuration(period)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit period %q: %w", period, err)
	}

	if requests == 0 {
		return func(c *gin.Context) { c.Next() }, nil
	}

	rate := limiter.Rate{
		Period: duration,
		Limit:  requests,
	}

	if store == nil {
		store = memory.NewStore()
	}
	instance := limiter.New(store, rate)

	middleware := mgin.NewMiddleware(instance, mgin.WithLimitReachedHandler(func(c *gin.Context) {
		metrics.HTTPRateLimitRejectionsTotal.Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}))
	return middleware, nil
}
