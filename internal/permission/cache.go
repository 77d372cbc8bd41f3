package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CacheTTL is the default time-to-live for cached permission values.
	CacheTTL = 300 * time.Second

	// CachePrefix is the key prefix for cached permissions in Valkey.
	CachePrefix = "perm"

	// negativeEntry marks a cached permission miss so that repeated lookups
	// for absent records do not hammer the store.
	negativeEntry = "-"
)

func cacheKey(principalID, chatID string) string {
	return CachePrefix + ":" + principalID + ":" + chatID
}

// Cache provides get/set/delete operations for cached role values. Absence is
// cached too: found=true with role=="" means a cached denial.
type Cache interface {
	Get(ctx context.Context, principalID, chatID string) (Role, bool, error)
	Set(ctx context.Context, principalID, chatID string, role Role) error
	SetNegative(ctx context.Context, principalID, chatID string) error
	DeleteExact(ctx context.Context, principalID, chatID string) error
}

// ValkeyCache implements Cache using Valkey/Redis.
type ValkeyCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewValkeyCache creates a new Valkey-backed permission cache.
func NewValkeyCache(client *redis.Client) *ValkeyCache {
	return &ValkeyCache{client: client, ttl: CacheTTL}
}

func (c *ValkeyCache) Get(ctx context.Context, principalID, chatID string) (Role, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(principalID, chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get: %w", err)
	}
	if val == negativeEntry {
		return "", true, nil
	}
	return Role(val), true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, principalID, chatID string, role Role) error {
	if err := c.client.Set(ctx, cacheKey(principalID, chatID), string(role), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *ValkeyCache) SetNegative(ctx context.Context, principalID, chatID string) error {
	if err := c.client.Set(ctx, cacheKey(principalID, chatID), negativeEntry, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set negative: %w", err)
	}
	return nil
}

func (c *ValkeyCache) DeleteExact(ctx context.Context, principalID, chatID string) error {
	if err := c.client.Del(ctx, cacheKey(principalID, chatID)).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}
