package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/balanzlc/balanz/internal/ports"
)

// RedisUsageCache implements ports.UsageCache on Redis sorted sets: each
// connector key holds a ZSET scored by sample timestamp (unix nanos), value
// the observed amperage encoded as a string. RecordSample trims samples
// older than 24 hours; RollingMax only reads the samples inside its window.
type RedisUsageCache struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisUsageCache(client *redis.Client, log *zap.Logger) ports.UsageCache {
	return &RedisUsageCache{client: client, log: log}
}

func (c *RedisUsageCache) RecordSample(ctx context.Context, connectorKey string, amps float64, at time.Time) error {
	member := fmt.Sprintf("%d:%f", at.UnixNano(), amps)
	score := float64(at.UnixNano())
	if err := c.client.ZAdd(ctx, usageZKey(connectorKey), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("usage cache: zadd: %w", err)
	}
	// Keep the set bounded: drop anything older than a day, regardless of
	// the window any caller asks for.
	cutoff := float64(at.Add(-24 * time.Hour).UnixNano())
	c.client.ZRemRangeByScore(ctx, usageZKey(connectorKey), "-inf", fmt.Sprintf("%f", cutoff))
	return nil
}

func (c *RedisUsageCache) RollingMax(ctx context.Context, connectorKey string, window time.Duration) (float64, bool, error) {
	now := time.Now()
	min := fmt.Sprintf("%d", now.Add(-window).UnixNano())
	members, err := c.client.ZRangeByScore(ctx, usageZKey(connectorKey), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return 0, false, fmt.Errorf("usage cache: zrangebyscore: %w", err)
	}
	if len(members) == 0 {
		return 0, false, nil
	}

	max := 0.0
	found := false
	for _, m := range members {
		var nanos int64
		var amps float64
		if _, err := fmt.Sscanf(m, "%d:%f", &nanos, &amps); err != nil {
			continue
		}
		if !found || amps > max {
			max = amps
			found = true
		}
	}
	return max, found, nil
}

func usageZKey(connectorKey string) string {
	return "usage:" + connectorKey
}

// LocalUsageCache is the in-process fallback used when Redis is unreachable:
// a mutex-guarded slice of samples per key, trimmed to the last 24 hours on
// every RecordSample. The allocator degrades to process-local rolling-max tracking
// rather than failing closed.
type LocalUsageCache struct {
	mu      sync.Mutex
	samples map[string][]usageSample
	log     *zap.Logger
}

type usageSample struct {
	at   time.Time
	amps float64
}

func NewLocalUsageCache(log *zap.Logger) ports.UsageCache {
	return &LocalUsageCache{
		samples: make(map[string][]usageSample),
		log:     log,
	}
}

func (c *LocalUsageCache) RecordSample(ctx context.Context, connectorKey string, amps float64, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := at.Add(-24 * time.Hour)
	samples := c.samples[connectorKey]
	samples = append(samples, usageSample{at: at, amps: amps})

	trimmed := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			trimmed = append(trimmed, s)
		}
	}
	c.samples[connectorKey] = trimmed
	return nil
}

func (c *LocalUsageCache) RollingMax(ctx context.Context, connectorKey string, window time.Duration) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-window)
	max := 0.0
	found := false
	for _, s := range c.samples[connectorKey] {
		if s.at.Before(cutoff) {
			continue
		}
		if !found || s.amps > max {
			max = s.amps
			found = true
		}
	}
	return max, found, nil
}
