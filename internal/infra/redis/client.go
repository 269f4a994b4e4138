package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	schedKey     = "streamguard:sched"
	telemetryKey = "streamguard:telemetry"
)

// Client wraps Redis operations for the durable scheduler and the telemetry
// transport.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ScheduledEntry is one persisted scheduler item.
type ScheduledEntry struct {
	Member string
	DueAt  time.Time
}

// AddScheduled persists a scheduled item scored by its absolute deadline.
func (c *Client) AddScheduled(ctx context.Context, member string, dueAt time.Time) error {
	err := c.rdb.ZAdd(ctx, schedKey, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// RemoveScheduled deletes a scheduled item (fired or cancelled).
func (c *Client) RemoveScheduled(ctx context.Context, member string) error {
	if err := c.rdb.ZRem(ctx, schedKey, member).Err(); err != nil {
		return fmt.Errorf("zrem failed: %w", err)
	}
	return nil
}

// PendingScheduled returns all persisted scheduler items, oldest deadline
// first. Used on startup to re-arm timers that survived a restart.
func (c *Client) PendingScheduled(ctx context.Context) ([]ScheduledEntry, error) {
	results, err := c.rdb.ZRangeWithScores(ctx, schedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	entries := make([]ScheduledEntry, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, ScheduledEntry{
			Member: member,
			DueAt:  time.UnixMilli(int64(z.Score)),
		})
	}
	return entries, nil
}

// PushEvents appends telemetry payloads to a bounded list, trimming the
// oldest entries past maxLen.
func (c *Client) PushEvents(ctx context.Context, payloads [][]byte, maxLen int64) error {
	if len(payloads) == 0 {
		return nil
	}

	pipe := c.rdb.Pipeline()
	args := make([]any, 0, len(payloads))
	for _, p := range payloads {
		args = append(args, p)
	}
	pipe.LPush(ctx, telemetryKey, args...)
	pipe.LTrim(ctx, telemetryKey, 0, maxLen-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("telemetry push failed: %w", err)
	}
	return nil
}
