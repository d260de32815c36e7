// Package ratelimit throttles matchmaking requests per user with a Redis
// fixed window (INCR + EXPIRE). A Redis outage fails open so matchmaking keeps
// working without throttling.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:enqueue:"
	Limit  int           // max count in the window
	Window time.Duration // window length
}

var (
	// RuleEnqueue allows 10 search requests per minute per user.
	RuleEnqueue = Rule{Key: "rl:enqueue:", Limit: 10, Window: time.Minute}

	// RuleCancel allows 20 cancellations per minute per user.
	RuleCancel = Rule{Key: "rl:cancel:", Limit: 20, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{client: client, logger: logger.Named("ratelimit")}
}

// Allow counts one request for uid under rule and reports whether it is
// within the limit. On Redis errors it returns true together with the error.
func (l *Limiter) Allow(ctx context.Context, uid string, rule Rule) (bool, error) {
	key := rule.Key + uid

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR error, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	// The first request of a window sets its boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE error, failing open", zap.String("key", key), zap.Error(err))
			// Without a TTL the counter would never reset.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return count <= int64(rule.Limit), nil
}

// Remaining returns how many requests uid has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, uid string, rule Rule) (int, error) {
	key := rule.Key + uid

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("redis error, failing open", zap.String("key", key), zap.Error(err))
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}
