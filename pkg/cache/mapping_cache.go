// Package cache provides a Redis read-through front for the mapping repository.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/entity-resolver/pkg/models"
	"github.com/ekaya-inc/entity-resolver/pkg/repositories"
)

const keyPrefix = "resolver:mapping:"

// MappingCache serves mapping reads from Redis and falls back to the backing
// repository on a miss. Writes go to the repository and invalidate the Redis
// key, because the repository may refuse to replace a higher-precedence row.
// Redis failures are logged and never fail a call.
type MappingCache struct {
	client *redis.Client
	store  repositories.MappingRepository
	ttl    time.Duration
	logger *zap.Logger
}

// NewMappingCache wraps store with a Redis front. If client is nil, store is
// returned unchanged.
func NewMappingCache(client *redis.Client, store repositories.MappingRepository, ttl time.Duration, logger *zap.Logger) repositories.MappingRepository {
	if client == nil {
		return store
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MappingCache{
		client: client,
		store:  store,
		ttl:    ttl,
		logger: logger.Named("mapping-cache"),
	}
}

var _ repositories.MappingRepository = (*MappingCache)(nil)

func cacheKey(lookupKey string, matchType models.MatchType) string {
	return keyPrefix + string(matchType) + ":" + lookupKey
}

func (c *MappingCache) Get(ctx context.Context, lookupKey string, matchType models.MatchType) (*models.MappingEntry, error) {
	key := cacheKey(lookupKey, matchType)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var entry models.MappingEntry
		if jsonErr := json.Unmarshal(data, &entry); jsonErr == nil {
			return &entry, nil
		}
		c.logger.Warn("Discarding undecodable cached mapping", zap.String("key", key))
		c.client.Del(ctx, key)
	case errors.Is(err, redis.Nil):
		// miss
	default:
		c.logger.Warn("Redis read failed, falling back to store",
			zap.String("key", key),
			zap.Error(err))
	}

	entry, err := c.store.Get(ctx, lookupKey, matchType)
	if err != nil || entry == nil {
		return entry, err
	}

	if data, err := json.Marshal(entry); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("Redis write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return entry, nil
}

func (c *MappingCache) Put(ctx context.Context, entry *models.MappingEntry) error {
	if err := c.store.Put(ctx, entry); err != nil {
		return err
	}
	c.invalidate(ctx, cacheKey(entry.LookupKey, entry.MatchType))
	return nil
}

func (c *MappingCache) ReplaceOverrides(ctx context.Context, entries []*models.MappingEntry) ([]*models.MappingEntry, error) {
	removed, err := c.store.ReplaceOverrides(ctx, entries)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries)+len(removed))
	for _, entry := range entries {
		keys = append(keys, cacheKey(entry.LookupKey, entry.MatchType))
	}
	for _, entry := range removed {
		keys = append(keys, cacheKey(entry.LookupKey, entry.MatchType))
	}
	c.invalidate(ctx, keys...)
	return removed, nil
}

func (c *MappingCache) CountBySource(ctx context.Context) (map[models.MappingSource]int, error) {
	return c.store.CountBySource(ctx)
}

func (c *MappingCache) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("Redis invalidation failed", zap.Int("keys", len(keys)), zap.Error(err))
	}
}
