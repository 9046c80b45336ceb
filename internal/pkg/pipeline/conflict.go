package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	// InflightKeyPrefix namespaces in-flight markers in Redis.
	InflightKeyPrefix = "subinflight:"

	// DefaultConflictWindow is how far back another event type counts as a
	// potential ordering conflict.
	DefaultConflictWindow = 60 * time.Second
	// DefaultConflictPollInterval is the wait-loop poll interval.
	DefaultConflictPollInterval = 100 * time.Millisecond
	// DefaultConflictMaxWait bounds the wait so a stuck event can never
	// deadlock the pipeline.
	DefaultConflictMaxWait = 30 * time.Second
)

// InflightTracker marks which event types are currently being handled per
// customer, visible across processes.
type InflightTracker interface {
	Mark(ctx context.Context, customerID, eventType string) error
	Clear(ctx context.Context, customerID, eventType string) error
	OthersActive(ctx context.Context, customerID, eventType string) (bool, error)
}

// RedisInflightTracker implements InflightTracker with TTL-guarded keys, so a
// crashed handler's marker disappears on its own.
type RedisInflightTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisInflightTracker creates a tracker whose markers expire after the
// conflict window.
func NewRedisInflightTracker(client *redis.Client) *RedisInflightTracker {
	return &RedisInflightTracker{
		client: client,
		ttl:    DefaultConflictWindow,
	}
}

func inflightKey(customerID, eventType string) string {
	return fmt.Sprintf("%s%s:%s", InflightKeyPrefix, customerID, eventType)
}

func (t *RedisInflightTracker) Mark(ctx context.Context, customerID, eventType string) error {
	return t.client.Set(ctx, inflightKey(customerID, eventType), time.Now().Unix(), t.ttl).Err()
}

func (t *RedisInflightTracker) Clear(ctx context.Context, customerID, eventType string) error {
	return t.client.Del(ctx, inflightKey(customerID, eventType)).Err()
}

func (t *RedisInflightTracker) OthersActive(ctx context.Context, customerID, eventType string) (bool, error) {
	own := inflightKey(customerID, eventType)
	pattern := InflightKeyPrefix + customerID + ":*"
	iter := t.client.Scan(ctx, 0, pattern, 50).Iterator()
	for iter.Next(ctx) {
		if !strings.EqualFold(iter.Val(), own) {
			return true, nil
		}
	}
	if err := iter.Err(); err != nil {
		return false, fmt.Errorf("failed to scan in-flight markers: %w", err)
	}
	return false, nil
}

// ConflictResolver delays handling while other event types for the same
// customer are in flight or finished very recently, so events of different
// types apply in receipt order where possible. It is an ordering hint with a
// hard upper bound, not a barrier; the lock store is the barrier.
type ConflictResolver struct {
	repo     Repository
	inflight InflightTracker

	window       time.Duration
	pollInterval time.Duration
	maxWait      time.Duration

	now func() time.Time
}

// NewConflictResolver creates a resolver with the default window and bounds.
func NewConflictResolver(repo Repository, inflight InflightTracker) *ConflictResolver {
	return &ConflictResolver{
		repo:         repo,
		inflight:     inflight,
		window:       DefaultConflictWindow,
		pollInterval: DefaultConflictPollInterval,
		maxWait:      DefaultConflictMaxWait,
		now:          time.Now,
	}
}

// Wait blocks until no conflicting activity remains, the bound elapses, or
// ctx is cancelled. It never returns an error for a surviving conflict; after
// the bound the caller proceeds regardless.
func (c *ConflictResolver) Wait(ctx context.Context, customerID, eventType string) error {
	deadline := c.now().Add(c.maxWait)
	waited := false

	for {
		busy, err := c.busy(ctx, customerID, eventType)
		if err != nil {
			return err
		}
		if !busy {
			if waited {
				log.Infof("[Conflict] Cleared for customer %s (%s)", customerID, eventType)
			}
			return nil
		}
		if c.now().After(deadline) {
			log.Warnf("[Conflict] Wait bound reached for customer %s (%s), proceeding", customerID, eventType)
			return nil
		}
		waited = true

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *ConflictResolver) busy(ctx context.Context, customerID, eventType string) (bool, error) {
	active, err := c.inflight.OthersActive(ctx, customerID, eventType)
	if err != nil {
		return false, err
	}
	if active {
		return true, nil
	}

	recent, err := c.repo.RecentProcessedForCustomer(customerID, eventType, c.now().Add(-c.window))
	if err != nil {
		return false, err
	}
	return len(recent) > 0, nil
}
