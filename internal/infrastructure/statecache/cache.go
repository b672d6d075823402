// Package statecache mirrors the latest device snapshots into Redis so other
// services can read current Tydom state without subscribing to MQTT.
//
// Keys are "device:state:<unique_id>" holding the snapshot JSON with a TTL.
package statecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/tydom-bridge/internal/infrastructure/config"
)

const (
	keyPrefix      = "device:state:"
	defaultTTL     = 24 * time.Hour
	connectTimeout = 5 * time.Second
	scanBatch      = 100
)

// ErrDisabled indicates the cache is disabled in configuration.
var ErrDisabled = errors.New("statecache: disabled in configuration")

// Cache stores device snapshots in Redis.
//
// Thread Safety: safe for concurrent use; the underlying client pools connections.
type Cache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// Connect creates the Redis client and verifies it with a PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Cache, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("statecache: ping %s: %w", cfg.Addr, err)
	}

	ttl := time.Duration(cfg.TTL) * time.Second
	return New(rdb, ttl), nil
}

// New wraps an existing client. A non-positive ttl uses 24 hours.
func New(rdb redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

func key(uniqueID string) string { return keyPrefix + uniqueID }

// Set stores the snapshot JSON of a device.
func (c *Cache) Set(ctx context.Context, uniqueID string, snapshot []byte) error {
	return c.rdb.Set(ctx, key(uniqueID), snapshot, c.ttl).Err()
}

// RemoveAllExcept deletes snapshots of devices not in keep and returns the
// removed unique ids. Used after a configuration refresh drops endpoints.
func (c *Cache) RemoveAllExcept(ctx context.Context, keep []string) ([]string, error) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		if id != "" {
			keepSet[id] = struct{}{}
		}
	}

	var removed []string
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		id, ok := strings.CutPrefix(full, keyPrefix)
		if !ok {
			continue
		}
		if _, kept := keepSet[id]; kept {
			continue
		}
		if err := c.rdb.Del(ctx, full).Err(); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

// HealthCheck pings Redis.
func (c *Cache) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("statecache health check failed: %w", err)
	}
	return nil
}

// Close releases the client's connections.
func (c *Cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
