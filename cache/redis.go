package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"behavior-anomaly-engine/analytics"
)

const (
	SnapshotKeyPrefix = "anomaly:snapshot:"
	CountKeyPrefix    = "anomaly:count:"
	RegionsKey        = "anomaly:regions"
	DefaultTTL        = 24 * time.Hour
)

// Options configures the Redis connection
type Options struct {
	Addr        string
	Password    string
	DB          int
	SnapshotTTL time.Duration
}

// RedisClient wraps the Redis client for snapshot caching
type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient creates a new Redis client and verifies the connection
func NewRedisClient(ctx context.Context, opts Options) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	ttl := opts.SnapshotTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisClient{client: client, ttl: ttl}, nil
}

func snapshotKey(region string) string {
	return SnapshotKeyPrefix + region
}

func countKey(region, detector string) string {
	return fmt.Sprintf("%s%s:%s", CountKeyPrefix, region, detector)
}

// StoreSnapshot caches the latest snapshot of a region
func (rc *RedisClient) StoreSnapshot(ctx context.Context, snap analytics.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := rc.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(snap.Region), data, rc.ttl)
	pipe.SAdd(ctx, RegionsKey, snap.Region)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the cached snapshot of a region. A missing key
// yields a snapshot without data.
func (rc *RedisClient) GetSnapshot(ctx context.Context, region string) (analytics.Snapshot, error) {
	data, err := rc.client.Get(ctx, snapshotKey(region)).Bytes()
	if err == redis.Nil {
		return analytics.NoData(region), nil
	}
	if err != nil {
		return analytics.Snapshot{}, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap analytics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return analytics.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Regions returns every region that has a cached snapshot
func (rc *RedisClient) Regions(ctx context.Context) ([]string, error) {
	regions, err := rc.client.SMembers(ctx, RegionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}
	return regions, nil
}

// IncrementAnomalyCount increments the anomaly counter of a region and detector
func (rc *RedisClient) IncrementAnomalyCount(ctx context.Context, region, detector string) error {
	return rc.client.Incr(ctx, countKey(region, detector)).Err()
}

// GetAnomalyCount returns the anomaly count of a region and detector
func (rc *RedisClient) GetAnomalyCount(ctx context.Context, region, detector string) (int64, error) {
	count, err := rc.client.Get(ctx, countKey(region, detector)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// DeleteRegion removes the cached snapshot of an evicted region
func (rc *RedisClient) DeleteRegion(ctx context.Context, region string) error {
	pipe := rc.client.TxPipeline()
	pipe.Del(ctx, snapshotKey(region))
	pipe.SRem(ctx, RegionsKey, region)
	_, err := pipe.Exec(ctx)
	return err
}

// HealthCheck checks Redis connectivity
func (rc *RedisClient) HealthCheck(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}
