// Package ratelimit provides Redis-backed throttling using the INCR + EXPIRE
// fixed window algorithm. The moderator uses it to cap how often
// administrators are alerted about the same sender, so a spammer who keeps
// posting after escalation does not flood the admin channel.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a throttling policy: the Redis key prefix, maximum number of
// events allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:alert:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// DefaultAlertCooldown is how long to wait before alerting admins about the
// same sender again.
const DefaultAlertCooldown = 5 * time.Minute

// AlertRule allows one escalation alert per sender per cooldown.
func AlertRule(cooldown time.Duration) Rule {
	if cooldown <= 0 {
		cooldown = DefaultAlertCooldown
	}
	return Rule{Key: "rl:alert:", Limit: 1, Window: cooldown}
}

// RejoinRule allows one re-join alert per sender per cooldown.
func RejoinRule(cooldown time.Duration) Rule {
	r := AlertRule(cooldown)
	r.Key = "rl:rejoin:"
	return r
}

// Limiter performs throttling checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{client: client, logger: logger.Named("ratelimit")}
}

// Allow checks whether the given identifier is within the limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the event is allowed, false if throttled. On Redis errors
// the method fails open (returns true) so that a Redis outage never
// suppresses an admin alert.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// Without a TTL the key would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of events the identifier has left in the
// current window for the given rule. Returns the full limit if the key does
// not exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("redis GET failed, failing open", zap.String("key", key), zap.Error(err))
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}

// Reset forgets the identifier's window, so the next event is allowed. Admin
// clear commands call it so a cleared sender starts from scratch.
func (l *Limiter) Reset(ctx context.Context, identifier string, rules ...Rule) error {
	keys := make([]string, len(rules))
	for i, r := range rules {
		keys[i] = r.Key + identifier
	}
	if len(keys) == 0 {
		return nil
	}
	return l.client.Del(ctx, keys...).Err()
}

// ResetAll forgets every identifier's window for the given rules. It walks
// each rule's key prefix with SCAN and deletes matches in batches.
func (l *Limiter) ResetAll(ctx context.Context, rules ...Rule) error {
	for _, r := range rules {
		iter := l.client.Scan(ctx, 0, r.Key+"*", scanBatch).Iterator()
		batch := make([]string, 0, scanBatch)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == scanBatch {
				if err := l.client.Del(ctx, batch...).Err(); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			if err := l.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

const scanBatch = 100
