package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/stratlab/optionflow/internal/telemetry"
)

// ErrCacheUnavailable marks L2 backend failures. Callers degrade to the
// fetcher; there is no functional loss.
var ErrCacheUnavailable = errors.New("cache unavailable")

const l2OpTimeout = 500 * time.Millisecond

// TieredCache layers the in-process L1 over a shared Redis L2. Values are
// JSON-encoded so both tiers store the same bytes. A miss runs exactly one
// fetch per key per process via singleflight.
type TieredCache struct {
	l1      *L1Cache
	rdb     *redis.Client // nil disables L2
	group   singleflight.Group
	metrics *telemetry.Metrics
}

// NewTieredCache builds the cache. rdb may be nil to run L1-only.
func NewTieredCache(l1 *L1Cache, rdb *redis.Client, metrics *telemetry.Metrics) *TieredCache {
	return &TieredCache{l1: l1, rdb: rdb, metrics: metrics}
}

// GetOrFetch resolves key through L1, then L2, then the fetcher, writing
// back to both tiers on a fetch. dest receives the decoded value. The
// returned bool reports whether any cache tier was hit.
func (c *TieredCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, dest interface{}, fetch func(ctx context.Context) (interface{}, error)) (bool, error) {
	if b, ok := c.l1.Get(key); ok {
		c.hit("l1")
		return true, json.Unmarshal(b, dest)
	}
	c.miss("l1")

	if b, ok := c.l2Get(ctx, key); ok {
		c.hit("l2")
		c.l1.Set(key, b, ttl)
		return true, json.Unmarshal(b, dest)
	}
	c.miss("l2")

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A coalesced waiter may arrive just after the leader populated L1.
		if b, ok := c.l1.Get(key); ok {
			return b, nil
		}
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode cache value: %w", err)
		}
		c.l1.Set(key, b, ttl)
		c.l2Set(ctx, key, b, ttl)
		return b, nil
	})
	if err != nil {
		return false, err
	}
	return false, json.Unmarshal(v.([]byte), dest)
}

// SetMany writes several pre-encoded values through both tiers.
func (c *TieredCache) SetMany(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	for key, value := range values {
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
		}
		c.l1.Set(key, b, ttl)
		c.l2Set(ctx, key, b, ttl)
	}
	return nil
}

// GetMany returns the raw bytes found for each key; absent keys are
// omitted.
func (c *TieredCache) GetMany(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if b, ok := c.l1.Get(key); ok {
			out[key] = b
			continue
		}
		if b, ok := c.l2Get(ctx, key); ok {
			out[key] = b
		}
	}
	return out
}

// InvalidatePattern clears both tiers for a glob pattern. L2 uses SCAN so
// invalidation never blocks Redis; failures are logged and bounded by TTL.
func (c *TieredCache) InvalidatePattern(ctx context.Context, pattern string) {
	removed := c.l1.InvalidatePattern(pattern)

	if c.rdb != nil {
		opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		iter := c.rdb.Scan(opCtx, 0, pattern, 200).Iterator()
		var keys []string
		for iter.Next(opCtx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			c.cacheError()
			log.Warn().Str("pattern", pattern).Err(err).Msg("cache pattern scan failed")
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(opCtx, keys...).Err(); err != nil {
				c.cacheError()
				log.Warn().Str("pattern", pattern).Err(err).Msg("cache pattern delete failed")
			}
			removed += len(keys)
		}
	}

	if c.metrics != nil {
		c.metrics.CacheInvalidations.Inc()
	}
	log.Debug().Str("pattern", pattern).Int("removed", removed).Msg("cache invalidated")
}

// Close releases the L1 tier. The Redis client is owned by the composition
// root.
func (c *TieredCache) Close() {
	c.l1.Close()
}

func (c *TieredCache) l2Get(ctx context.Context, key string) ([]byte, bool) {
	if c.rdb == nil {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, l2OpTimeout)
	defer cancel()

	b, err := c.rdb.Get(opCtx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.cacheError()
		}
		return nil, false
	}
	return b, true
}

func (c *TieredCache) l2Set(ctx context.Context, key string, b []byte, ttl time.Duration) {
	if c.rdb == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, l2OpTimeout)
	defer cancel()

	if err := c.rdb.Set(opCtx, key, b, ttl).Err(); err != nil {
		c.cacheError()
	}
}

func (c *TieredCache) hit(tier string) {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(tier).Inc()
	}
}

func (c *TieredCache) miss(tier string) {
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues(tier).Inc()
	}
}

func (c *TieredCache) cacheError() {
	if c.metrics != nil {
		c.metrics.CacheErrors.Inc()
	}
}
