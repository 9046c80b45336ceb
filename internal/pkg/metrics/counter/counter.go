package counter

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const eventCountersKey = "subsync:event_counters"

// Field names one pipeline outcome counter.
type Field string

const (
	FieldProcessed      Field = "processed"
	FieldDuplicates     Field = "duplicates"
	FieldFailed         Field = "failed"
	FieldLockContention Field = "lock_contention"
	FieldRetried        Field = "retried"
)

// Counters accumulates pipeline outcome totals in a Redis hash so they
// survive restarts and aggregate across processes.
type Counters struct {
	client *redis.Client
}

// New creates counters on the given Redis client.
func New(client *redis.Client) *Counters {
	return &Counters{client: client}
}

// Add increments a counter. Counter writes are best-effort; failures are
// logged and never bubble into event handling.
func (c *Counters) Add(ctx context.Context, field Field) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.HIncrBy(ctx, eventCountersKey, string(field), 1).Err(); err != nil {
		log.Errorf("[Counters] Failed to increment %s: %v", field, err)
	}
}

// Totals returns all accumulated counters.
func (c *Counters) Totals(ctx context.Context) (map[Field]int64, error) {
	if c == nil || c.client == nil {
		return map[Field]int64{}, nil
	}
	raw, err := c.client.HGetAll(ctx, eventCountersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	totals := make(map[Field]int64, len(raw))
	for field, value := range raw {
		var n int64
		if _, err := fmt.Sscan(value, &n); err == nil {
			totals[Field(field)] = n
		}
	}
	return totals, nil
}

// Reset clears all counters.
func (c *Counters) Reset(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, eventCountersKey).Err()
}
