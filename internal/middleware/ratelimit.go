package middleware

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"origin-proxy-go/internal/config"
)

const (
	redisLimiterWindow  = time.Second
	redisLimiterTimeout = 500 * time.Millisecond
)

// RedisLimiterStore is an echo RateLimiterStore shared by every proxy replica.
// It counts requests per identifier in fixed one-second windows.
type RedisLimiterStore struct {
	client redis.Cmdable
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiterStore creates a RedisLimiterStore. Each window admits
// max(burst, ceil(requests_per_second)) requests.
func NewRedisLimiterStore(client redis.Cmdable, cfg config.RateLimitConfig) *RedisLimiterStore {
	limit := int64(math.Ceil(cfg.RequestsPerSecond))
	if int64(cfg.Burst) > limit {
		limit = int64(cfg.Burst)
	}
	return &RedisLimiterStore{
		client: client,
		prefix: cfg.Redis.KeyPrefix,
		limit:  limit,
		window: redisLimiterWindow,
		now:    time.Now,
	}
}

// Allow implements echo's RateLimiterStore.
func (s *RedisLimiterStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisLimiterTimeout)
	defer cancel()

	key := fmt.Sprintf("%s%s:%d", s.prefix, identifier, s.now().Truncate(s.window).Unix())

	var count *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*s.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", identifier, err)
	}
	return count.Val() <= s.limit, nil
}
