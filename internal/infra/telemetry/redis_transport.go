package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"

	redisclient "github.com/vietddude/streamguard/internal/infra/redis"
)

// RedisTransport ships event batches to a bounded Redis list. A circuit
// breaker keeps an unreachable Redis from stalling the flusher: while the
// breaker is open, batches are dropped immediately.
type RedisTransport struct {
	client  *redisclient.Client
	maxLen  int64
	breaker *gobreaker.CircuitBreaker[any]
}

// NewRedisTransport creates a transport writing to client.
func NewRedisTransport(client *redisclient.Client, maxLen int64) *RedisTransport {
	if maxLen <= 0 {
		maxLen = 10000
	}

	settings := gobreaker.Settings{
		Name:    "telemetry-redis",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &RedisTransport{
		client:  client,
		maxLen:  maxLen,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

// Send pushes a batch, retrying transient failures with exponential backoff.
func (t *RedisTransport) Send(ctx context.Context, events []Event) error {
	payloads := make([][]byte, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		payloads = append(payloads, data)
	}
	if len(payloads) == 0 {
		return nil
	}

	_, err := t.breaker.Execute(func() (any, error) {
		backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := t.client.PushEvents(ctx, payloads, t.maxLen); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("telemetry send failed: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the composition root.
func (t *RedisTransport) Close() error { return nil }
