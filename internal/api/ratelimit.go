package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter is a fixed-window request counter in Redis, shared by every
// relay instance behind the same Redis.
type RateLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	log    *zap.Logger
}

func NewRateLimiter(rdb redis.UniversalClient, prefix string, limit int, window time.Duration, log *zap.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window, log: log}
}

// Middleware counts requests per keyFunc value. When Redis is unreachable
// requests are let through.
func (r *RateLimiter) Middleware(keyFunc func(c *fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := fmt.Sprintf("%s:ratelimit:%s", r.prefix, keyFunc(c))
		ctx := c.UserContext()

		var incr *redis.IntCmd
		var ttl *redis.DurationCmd
		_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			ttl = pipe.PTTL(ctx, key)
			return nil
		})
		if err != nil {
			r.log.Warn("rate limiter unavailable", zap.Error(err))
			return c.Next()
		}
		count := incr.Val()
		// a key without a TTL would never reset; arm it whenever it is missing
		if ttl.Val() < 0 {
			if err := r.rdb.Expire(ctx, key, r.window).Err(); err != nil {
				r.log.Warn("rate limit window not armed", zap.String("key", key), zap.Error(err))
			}
		}

		remaining := int64(r.limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(r.limit))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if count > int64(r.limit) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
		}
		return c.Next()
	}
}
