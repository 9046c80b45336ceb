package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// LockKeyPrefix namespaces per-customer lock keys in Redis.
	LockKeyPrefix = "sublock:"

	// DefaultLockTimeout bounds how long an abandoned lock can block a
	// customer before Redis expires it and the provider's redelivery retries
	// with a fresh holder.
	DefaultLockTimeout = 30 * time.Second
)

// Locker is the advisory per-customer mutual exclusion used to serialize
// handling within a customer. Acquire is non-blocking: ok=false means the
// caller should fail the delivery so the provider redelivers later.
type Locker interface {
	Acquire(ctx context.Context, customerID, eventType string, timeout time.Duration) (holderID string, ok bool, err error)
	Release(ctx context.Context, customerID, holderID string) error
	ActiveCount(ctx context.Context) (int64, error)
	SweepExpired(ctx context.Context) (int64, error)
}

// lockRecord is the value stored under the lock key. Expiry is carried by the
// Redis TTL, not by a field, so a crashed holder can never leave a lock that
// outlives the timeout.
type lockRecord struct {
	HolderID  string `json:"holder_id"`
	EventType string `json:"event_type"`
	LockedAt  int64  `json:"locked_at"`
}

// releaseScript deletes the lock only while the caller still holds it. The
// compare and the delete run as one atomic step so a slow caller can never
// release a lock that has since expired and been re-acquired.
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local ok, data = pcall(cjson.decode, raw)
if ok and data["holder_id"] == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// RedisLockStore implements Locker on a Redis client. SET NX PX is the
// datastore's native conditional write, which closes the check-then-write
// race a separate read+write pair would leave open.
type RedisLockStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisLockStore creates a lock store on the given Redis client.
func NewRedisLockStore(client *redis.Client) *RedisLockStore {
	return &RedisLockStore{
		client: client,
		now:    time.Now,
	}
}

func lockKey(customerID string) string {
	return LockKeyPrefix + customerID
}

// Acquire attempts to take the customer lock for the given timeout. It
// returns ok=false without error when a valid lock is already held.
func (s *RedisLockStore) Acquire(ctx context.Context, customerID, eventType string, timeout time.Duration) (string, bool, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	rec := lockRecord{
		HolderID:  uuid.New().String(),
		EventType: eventType,
		LockedAt:  s.now().Unix(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	acquired, err := s.client.SetNX(ctx, lockKey(customerID), raw, timeout).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock for %s: %w", customerID, err)
	}
	if !acquired {
		return "", false, nil
	}
	return rec.HolderID, true, nil
}

// Release deletes the lock if holderID still owns it. Losing ownership to
// expiry is not an error; it is logged and ignored.
func (s *RedisLockStore) Release(ctx context.Context, customerID, holderID string) error {
	released, err := releaseScript.Run(ctx, s.client, []string{lockKey(customerID)}, holderID).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", customerID, err)
	}
	if released == 0 {
		log.Warnf("[LockStore] Lock for %s expired before release (holder %s)", customerID, holderID)
	}
	return nil
}

// ActiveCount returns the number of currently held customer locks.
func (s *RedisLockStore) ActiveCount(ctx context.Context) (int64, error) {
	var count int64
	iter := s.client.Scan(ctx, 0, LockKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan locks: %w", err)
	}
	return count, nil
}

// SweepExpired removes lock keys that lost their TTL. Redis normally expires
// locks on its own; the sweep reclaims keys left behind by manual writes or
// persistence edge cases.
func (s *RedisLockStore) SweepExpired(ctx context.Context) (int64, error) {
	var removed int64
	iter := s.client.Scan(ctx, 0, LockKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to read ttl for %s: %w", key, err)
		}
		if ttl == -1 {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return removed, fmt.Errorf("failed to delete stale lock %s: %w", key, err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan locks: %w", err)
	}
	if removed > 0 {
		log.Warnf("[LockStore] Reclaimed %d locks without expiry", removed)
	}
	return removed, nil
}
