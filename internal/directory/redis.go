package directory

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/groupguard/groupguard/internal/moderation"
)

// RedisPrefix is the key prefix for cached display names.
const RedisPrefix = "names:"

// RedisDirectory caches display names from an inner directory in Redis so
// that every moderator replica shares them. Only successful lookups are
// cached. Redis errors fail open: the inner directory is used directly.
type RedisDirectory struct {
	Inner  Directory
	TTL    time.Duration
	data   *cache.Cache
	logger *zap.Logger
}

var _ Directory = (*RedisDirectory)(nil)

// NewRedisDirectory wraps inner with a Redis cache plus a small local
// TinyLFU tier.
func NewRedisDirectory(client *redis.Client, inner Directory, ttl time.Duration, logger *zap.Logger) *RedisDirectory {
	return &RedisDirectory{
		Inner: inner,
		TTL:   ttl,
		data: cache.New(&cache.Options{
			Redis:      client,
			LocalCache: cache.NewTinyLFU(10_000, time.Minute),
		}),
		logger: logger.Named("directory"),
	}
}

func redisKey(conversation moderation.ConversationID, id moderation.SenderID) string {
	return RedisPrefix + cacheKey(conversation, id)
}

// LookupDisplayName implements Directory.
func (d *RedisDirectory) LookupDisplayName(ctx context.Context, conversation moderation.ConversationID, id moderation.SenderID) (string, error) {
	key := redisKey(conversation, id)

	var name string
	err := d.data.Get(ctx, key, &name)
	switch {
	case err == nil && name != "":
		return name, nil
	case err != nil && !errors.Is(err, cache.ErrCacheMiss):
		d.logger.Warn("name cache read failed", zap.String("key", key), zap.Error(err))
	}

	name, err = d.Inner.LookupDisplayName(ctx, conversation, id)
	if err != nil {
		return "", err
	}

	if err := d.data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: name,
		TTL:   d.TTL,
	}); err != nil {
		d.logger.Warn("name cache write failed", zap.String("key", key), zap.Error(err))
	}
	return name, nil
}

// Purge drops the cached entry for a member.
func (d *RedisDirectory) Purge(ctx context.Context, conversation moderation.ConversationID, id moderation.SenderID) error {
	err := d.data.Delete(ctx, redisKey(conversation, id))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
