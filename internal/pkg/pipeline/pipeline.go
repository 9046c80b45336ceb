package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/subsync/subsync/app/models"
	"github.com/subsync/subsync/internal/pkg/metrics/counter"
	"github.com/subsync/subsync/internal/pkg/plans"
)

const (
	// DefaultProcessedRetention is how long durable dedup records are kept.
	// Generously above the provider's longest observed redelivery window
	// (up to 72 hours).
	DefaultProcessedRetention = 7 * 24 * time.Hour
	// DefaultFailedRetention is how long failed events are kept for
	// operator-driven retry.
	DefaultFailedRetention = 30 * 24 * time.Hour
)

// Result is the outcome reported to the HTTP boundary.
type Result struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

const (
	ReasonProcessed = "processed"
	ReasonDuplicate = "duplicate"
)

// Pipeline is the webhook ingestion and reconciliation core. One instance per
// process; all cross-process coordination goes through Redis and MySQL, never
// through process memory.
type Pipeline struct {
	breaker  *CircuitBreaker
	locker   Locker
	inflight InflightTracker
	conflict *ConflictResolver
	recon    *Reconciler
	dispatch *Dispatcher
	repo     Repository
	counters *counter.Counters

	lockTimeout time.Duration
	now         func() time.Time
}

// NewPipeline wires a pipeline from its injected dependencies.
func NewPipeline(repo Repository, locker Locker, inflight InflightTracker, resolver *plans.Resolver, counters *counter.Counters) *Pipeline {
	recon := NewReconciler(repo)
	return &Pipeline{
		breaker:     NewCircuitBreaker(),
		locker:      locker,
		inflight:    inflight,
		conflict:    NewConflictResolver(repo, inflight),
		recon:       recon,
		dispatch:    NewDispatcher(recon, resolver, repo),
		repo:        repo,
		counters:    counters,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
}

// NewPipelineFromClients wires a pipeline on a GORM DB and a Redis client.
func NewPipelineFromClients(db *gorm.DB, client *redis.Client) *Pipeline {
	return NewPipeline(
		NewRepository(db),
		NewRedisLockStore(client),
		NewRedisInflightTracker(client),
		plans.NewResolverFromDB(db),
		counter.New(client),
	)
}

// ProcessEvent runs ev through the full pipeline: breaker + in-memory dedup,
// customer lock, conflict wait, durable dedup, type-specific handling, and
// the durable processed mark. Any returned error must surface to the provider
// as a non-2xx response so it redelivers.
func (p *Pipeline) ProcessEvent(ctx context.Context, ev *Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, Permanent(fmt.Errorf("malformed event: %w", err))
	}

	duplicate, err := p.breaker.Execute(ev.Key(), func() error {
		return p.handle(ctx, ev)
	})
	if duplicate {
		p.counters.Add(ctx, counter.FieldDuplicates)
		return Result{Success: true, Reason: ReasonDuplicate}, nil
	}
	if err != nil {
		p.counters.Add(ctx, counter.FieldFailed)
		return Result{}, err
	}
	p.counters.Add(ctx, counter.FieldProcessed)
	return Result{Success: true, Reason: ReasonProcessed}, nil
}

func (p *Pipeline) handle(ctx context.Context, ev *Event) error {
	if err := p.resolveCustomer(ev); err != nil {
		p.recordFailure(ev, err)
		return err
	}

	holderID, ok, err := p.locker.Acquire(ctx, ev.CustomerID, ev.Type, p.lockTimeout)
	if err != nil {
		return fmt.Errorf("lock acquisition failed for %s: %w", ev.CustomerID, err)
	}
	if !ok {
		p.counters.Add(ctx, counter.FieldLockContention)
		log.Warnf("[Pipeline] Lock contention for customer %s (%s)", ev.CustomerID, ev.Key())
		return ErrLockContention
	}
	defer func() {
		// Release must run even when handling panics upstream of it, so the
		// lock expiry path stays a recovery of last resort.
		if err := p.locker.Release(context.WithoutCancel(ctx), ev.CustomerID, holderID); err != nil {
			log.Errorf("[Pipeline] Failed to release lock for %s: %v", ev.CustomerID, err)
		}
	}()

	if err := p.inflight.Mark(ctx, ev.CustomerID, ev.Type); err != nil {
		log.Warnf("[Pipeline] Failed to mark in-flight for %s: %v", ev.CustomerID, err)
	} else {
		defer func() {
			if err := p.inflight.Clear(context.WithoutCancel(ctx), ev.CustomerID, ev.Type); err != nil {
				log.Warnf("[Pipeline] Failed to clear in-flight for %s: %v", ev.CustomerID, err)
			}
		}()
	}

	if err := p.conflict.Wait(ctx, ev.CustomerID, ev.Type); err != nil {
		return fmt.Errorf("conflict wait failed for %s: %w", ev.CustomerID, err)
	}

	processed, err := p.repo.IsProcessed(ev.Key())
	if err != nil {
		return fmt.Errorf("durable dedup check failed for %s: %w", ev.Key(), err)
	}
	if processed {
		log.Infof("[Pipeline] Event %s already processed, skipping", ev.Key())
		return nil
	}

	if err := p.dispatch.Dispatch(ctx, ev); err != nil {
		p.recordFailure(ev, err)
		return err
	}

	if _, err := p.repo.MarkProcessed(&models.ProcessedEvent{
		EventKey:    ev.Key(),
		EventType:   ev.Type,
		CustomerID:  ev.CustomerID,
		ProcessedAt: p.now(),
	}); err != nil {
		return fmt.Errorf("failed to mark %s processed: %w", ev.Key(), err)
	}
	return nil
}

// resolveCustomer fills ev.CustomerID from the checkout reference or the
// customer link index. An unresolvable customer is permanent for this event:
// redelivery cannot fix it, only operator action can.
func (p *Pipeline) resolveCustomer(ev *Event) error {
	if strings.TrimSpace(ev.CustomerID) != "" {
		return nil
	}
	if ref := strings.TrimSpace(ev.Payload.ClientReferenceID); ref != "" {
		ev.CustomerID = ref
		return nil
	}
	if strings.TrimSpace(ev.ProviderCustomerID) == "" {
		return Permanent(fmt.Errorf("event %s carries no customer reference", ev.Key()))
	}

	customerID, err := p.repo.ResolveCustomerID(eventProvider(ev), ev.ProviderCustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Permanent(fmt.Errorf("%w: %s", ErrUnknownCustomer, ev.ProviderCustomerID))
		}
		return fmt.Errorf("customer lookup failed for %s: %w", ev.ProviderCustomerID, err)
	}
	ev.CustomerID = customerID
	return nil
}

// recordFailure persists permanent failures for operator-driven retry.
// Transient failures are left to the provider's own redelivery.
func (p *Pipeline) recordFailure(ev *Event, handleErr error) {
	if !IsPermanent(handleErr) {
		return
	}

	// A redelivery that fails again refreshes the existing record instead of
	// piling up duplicate rows; its retry budget stays intact.
	if existing, err := p.repo.GetFailedEventByKey(ev.Key()); err == nil && existing != nil {
		existing.Error = handleErr.Error()
		existing.OccurredAt = p.now()
		if err := p.repo.SaveFailedEvent(existing); err != nil {
			log.Errorf("[Pipeline] Failed to refresh failed event %s: %v", ev.Key(), err)
		}
		return
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Errorf("[Pipeline] Failed event lookup failed for %s: %v", ev.Key(), err)
	}

	payload, err := ev.MarshalPayload()
	if err != nil {
		log.Errorf("[Pipeline] Failed to serialize event %s for failure record: %v", ev.Key(), err)
	}
	rec := &models.FailedEvent{
		EventKey:    ev.Key(),
		EventType:   ev.Type,
		CustomerID:  ev.CustomerID,
		Error:       handleErr.Error(),
		PayloadJSON: payload,
		OccurredAt:  p.now(),
		MaxRetries:  models.FailedEventMaxRetries,
	}
	if err := p.repo.CreateFailedEvent(rec); err != nil {
		log.Errorf("[Pipeline] Failed to record failed event %s: %v", ev.Key(), err)
	}
}

// RetryFailed replays up to maxBatch stored failed events through the full
// pipeline. Successful replays delete the record; unsuccessful ones burn one
// retry from its budget.
func (p *Pipeline) RetryFailed(ctx context.Context, maxBatch int) (processed, succeeded int, err error) {
	if maxBatch <= 0 {
		maxBatch = 10
	}
	recs, err := p.repo.ListRetryableFailedEvents(maxBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list retryable events: %w", err)
	}

	for i := range recs {
		rec := &recs[i]
		processed++

		ev, parseErr := EventFromPayload(rec.PayloadJSON)
		if parseErr != nil {
			log.Errorf("[Pipeline] Failed event %s has unusable payload: %v", rec.EventKey, parseErr)
			rec.RetryCount = rec.MaxRetries
			if saveErr := p.repo.SaveFailedEvent(rec); saveErr != nil {
				log.Errorf("[Pipeline] Failed to exhaust failed event %s: %v", rec.EventKey, saveErr)
			}
			continue
		}

		// The failed attempt left the key in the dedup cache; an explicit
		// replay must not be absorbed as a duplicate.
		p.breaker.Forget(ev.Key())

		if _, retryErr := p.ProcessEvent(ctx, ev); retryErr != nil {
			now := p.now()
			rec.RetryCount++
			rec.LastRetryAt = &now
			rec.Error = retryErr.Error()
			if saveErr := p.repo.SaveFailedEvent(rec); saveErr != nil {
				log.Errorf("[Pipeline] Failed to update failed event %s: %v", rec.EventKey, saveErr)
			}
			continue
		}

		if delErr := p.repo.DeleteFailedEvent(rec.ID); delErr != nil {
			log.Errorf("[Pipeline] Failed to delete retried event %s: %v", rec.EventKey, delErr)
			continue
		}
		p.counters.Add(ctx, counter.FieldRetried)
		succeeded++
	}
	return processed, succeeded, nil
}

// Stats is the operational snapshot exposed over the stats endpoint.
type Stats struct {
	BreakerState    BreakerState            `json:"breaker_state"`
	FailureCount    int                     `json:"failure_count"`
	DedupCacheSize  int                     `json:"dedup_cache_size"`
	ActiveLockCount int64                   `json:"active_lock_count"`
	Counters        map[counter.Field]int64 `json:"counters"`
}

// GetStats collects the current pipeline state.
func (p *Pipeline) GetStats(ctx context.Context) (Stats, error) {
	locks, err := p.locker.ActiveCount(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count active locks: %w", err)
	}
	totals, err := p.counters.Totals(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		BreakerState:    p.breaker.State(),
		FailureCount:    p.breaker.FailureCount(),
		DedupCacheSize:  p.breaker.CacheSize(),
		ActiveLockCount: locks,
		Counters:        totals,
	}, nil
}

// SweepDedupCache evicts expired in-memory dedup entries.
func (p *Pipeline) SweepDedupCache() int {
	return p.breaker.SweepDedupCache()
}

// SweepLocks reclaims abandoned locks.
func (p *Pipeline) SweepLocks(ctx context.Context) (int64, error) {
	return p.locker.SweepExpired(ctx)
}

// SweepProcessed deletes durable dedup records older than the retention
// window.
func (p *Pipeline) SweepProcessed(ctx context.Context) (int64, error) {
	_ = ctx
	return p.repo.DeleteProcessedBefore(p.now().Add(-DefaultProcessedRetention))
}

// SweepFailed deletes failed events that exhausted their retries or aged out.
func (p *Pipeline) SweepFailed(ctx context.Context) (int64, error) {
	_ = ctx
	return p.repo.DeleteExhaustedFailedEvents(p.now().Add(-DefaultFailedRetention))
}
