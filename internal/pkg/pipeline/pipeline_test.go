package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsync/subsync/app/models"
	"github.com/subsync/subsync/internal/pkg/metrics/counter"
	"github.com/subsync/subsync/internal/pkg/plans"
)

type pipelineFixture struct {
	p        *Pipeline
	repo     *fakeRepository
	locker   *memoryLocker
	inflight *memoryInflight
	clock    *testClock
}

func newPipelineFixture() *pipelineFixture {
	clock := newTestClock()
	repo := newFakeRepository()
	locker := newMemoryLocker(clock)
	inflight := newMemoryInflight()

	p := NewPipeline(repo, locker, inflight, plans.NewResolver(newFakePlanRepo()), counter.New(nil))
	p.now = clock.Now
	p.breaker.now = clock.Now
	p.recon.now = clock.Now
	p.conflict.now = clock.Now
	p.conflict.pollInterval = time.Millisecond

	return &pipelineFixture{p: p, repo: repo, locker: locker, inflight: inflight, clock: clock}
}

// settle moves the clock past every suppression window (dedup, cooldown,
// conflict) so the next event is judged on its own.
func (f *pipelineFixture) settle() {
	f.clock.Advance(DefaultConflictWindow + time.Second)
}

func TestProcessEventEndToEnd(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	res, err := f.p.ProcessEvent(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ReasonProcessed, res.Reason)

	sub, err := f.repo.GetSubscription("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.Version)
	assert.Equal(t, "pro", sub.Tier)

	processed, err := f.repo.IsProcessed("evt_1_cs_evt_1")
	require.NoError(t, err)
	assert.True(t, processed)

	// Lock released, marker cleared.
	locks, err := f.locker.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, locks)
	busy, err := f.inflight.OthersActive(ctx, "u1", EventInvoicePaid)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestProcessEventSuppressesRapidDuplicate(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	_, err := f.p.ProcessEvent(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	// Identical redelivery seconds later reports success without reapplying.
	res, err := f.p.ProcessEvent(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ReasonDuplicate, res.Reason)

	sub, err := f.repo.GetSubscription("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.Version)
}

func TestProcessEventDurableDedupOutlivesCache(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	_, err := f.p.ProcessEvent(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	// Long after the in-memory window the durable record still blocks
	// re-application.
	f.settle()
	f.p.SweepDedupCache()

	res, err := f.p.ProcessEvent(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ReasonProcessed, res.Reason)

	sub, err := f.repo.GetSubscription("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.Version)
}

func TestProcessEventSequenceConverges(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	_, err := f.p.ProcessEvent(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	f.settle()
	failedEv := &Event{
		ID:         "evt_2",
		Type:       EventInvoicePaymentFailed,
		ObjectID:   "in_1",
		CustomerID: "u1",
		Payload:    EventPayload{FailureReason: "card_declined"},
	}
	_, err = f.p.ProcessEvent(ctx, failedEv)
	require.NoError(t, err)

	// A later successful payment must win over the earlier failure.
	f.settle()
	paidEv := &Event{
		ID:         "evt_3",
		Type:       EventInvoicePaid,
		ObjectID:   "in_2",
		CustomerID: "u1",
		Payload: EventPayload{
			ProviderSubscriptionID: "sub_1",
			Amount:                 999,
			Currency:               "eur",
		},
	}
	_, err = f.p.ProcessEvent(ctx, paidEv)
	require.NoError(t, err)

	sub, err := f.repo.GetSubscription("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), sub.Version)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Empty(t, sub.PaymentFailureReason)
}

func TestProcessEventUnknownCustomerIsPermanent(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	ev := &Event{
		ID:                 "evt_1",
		Type:               EventInvoicePaid,
		ObjectID:           "in_1",
		ProviderCustomerID: "cus_ghost",
	}
	_, err := f.p.ProcessEvent(ctx, ev)
	require.ErrorIs(t, err, ErrUnknownCustomer)
	assert.True(t, IsPermanent(err))

	// Recorded once for operator-driven retry.
	assert.Len(t, f.repo.failed, 1)
}

func TestProcessEventRejectsMalformedEvent(t *testing.T) {
	f := newPipelineFixture()

	_, err := f.p.ProcessEvent(context.Background(), &Event{Type: EventInvoicePaid})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestProcessEventLockContention(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	// Another handler holds the customer lock.
	_, ok, err := f.locker.Acquire(ctx, "u1", EventSubscriptionUpdated, DefaultLockTimeout)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.p.ProcessEvent(ctx, checkoutEvent("evt_1"))
	require.ErrorIs(t, err, ErrLockContention)

	// Transient: the provider redelivers, so no failed record is written.
	assert.Empty(t, f.repo.failed)
	assert.Equal(t, 1, f.p.breaker.FailureCount())
}

func TestProcessEventMutualExclusionPerCustomer(t *testing.T) {
	f := newPipelineFixture()
	// Keep the breaker out of the way; this test is about the lock.
	f.p.breaker.failureThreshold = 1000
	ctx := context.Background()

	const workers = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, contended := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ev := checkoutEvent("evt_" + string(rune('a'+n%26)) + string(rune('a'+n/26)))
			_, err := f.p.ProcessEvent(ctx, ev)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case err == ErrLockContention:
				contended++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, workers, succeeded+contended)
	assert.GreaterOrEqual(t, succeeded, 1)
	// Never two concurrent holders for the same customer.
	assert.Equal(t, 1, f.locker.maxConcurrent)

	sub, err := f.repo.GetSubscription("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.Version)
}

func TestProcessEventBreakerOpensAndRejects(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		ev := &Event{
			ID:                 "evt_" + string(rune('a'+i)),
			Type:               EventInvoicePaid,
			ObjectID:           "in_1",
			ProviderCustomerID: "cus_ghost",
		}
		_, err := f.p.ProcessEvent(ctx, ev)
		require.Error(t, err)
	}

	_, err := f.p.ProcessEvent(ctx, checkoutEvent("evt_ok"))
	require.ErrorIs(t, err, ErrBreakerOpen)

	stats, err := f.p.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, stats.BreakerState)
	assert.Equal(t, DefaultFailureThreshold, stats.FailureCount)
}

func TestProcessEventPermanentFailureRefreshesRecord(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	ev := &Event{
		ID:                 "evt_1",
		Type:               EventInvoicePaid,
		ObjectID:           "in_1",
		ProviderCustomerID: "cus_ghost",
	}
	_, err := f.p.ProcessEvent(ctx, ev)
	require.Error(t, err)

	// The redelivery fails the same way; it must not pile up a second row.
	f.settle()
	_, err = f.p.ProcessEvent(ctx, ev)
	require.Error(t, err)
	assert.Len(t, f.repo.failed, 1)
}

func TestRetryFailedReplaysAfterOperatorFix(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	ev := &Event{
		ID:                 "evt_1",
		Type:               EventInvoicePaid,
		ObjectID:           "in_1",
		ProviderCustomerID: "cus_2",
		Payload: EventPayload{
			ProviderSubscriptionID: "sub_2",
			Amount:                 999,
			Currency:               "eur",
		},
	}
	_, err := f.p.ProcessEvent(ctx, ev)
	require.ErrorIs(t, err, ErrUnknownCustomer)
	require.Len(t, f.repo.failed, 1)

	// The operator links the provider customer, then triggers a retry.
	require.NoError(t, f.repo.UpsertCustomerLink(&models.CustomerLink{
		CustomerID:         "u2",
		Provider:           models.ProviderStripe,
		ProviderCustomerID: "cus_2",
	}))
	f.settle()

	processed, succeeded, err := f.p.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, succeeded)
	assert.Empty(t, f.repo.failed)

	sub, err := f.repo.GetSubscription("u2")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "sub_2", sub.ProviderSubscriptionID)
}

func TestRetryFailedBurnsBudgetOnRepeatFailure(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	ev := &Event{
		ID:                 "evt_1",
		Type:               EventInvoicePaid,
		ObjectID:           "in_1",
		ProviderCustomerID: "cus_ghost",
	}
	_, err := f.p.ProcessEvent(ctx, ev)
	require.Error(t, err)

	f.settle()
	processed, succeeded, err := f.p.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, succeeded)

	require.Len(t, f.repo.failed, 1)
	for _, rec := range f.repo.failed {
		assert.Equal(t, 1, rec.RetryCount)
		assert.NotNil(t, rec.LastRetryAt)
	}
}

func TestRetryFailedExhaustsUnusablePayload(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	require.NoError(t, f.repo.CreateFailedEvent(&models.FailedEvent{
		EventKey:    "evt_bad_obj",
		EventType:   EventInvoicePaid,
		PayloadJSON: "{}",
		OccurredAt:  f.clock.Now(),
		MaxRetries:  models.FailedEventMaxRetries,
	}))

	processed, succeeded, err := f.p.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, succeeded)

	for _, rec := range f.repo.failed {
		assert.False(t, rec.IsRetryable())
	}

	// Exhausted records are skipped on the next pass.
	processed, _, err = f.p.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestGetStatsSnapshot(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	_, err := f.p.ProcessEvent(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	stats, err := f.p.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, stats.BreakerState)
	assert.Zero(t, stats.FailureCount)
	assert.Equal(t, 1, stats.DedupCacheSize)
	assert.Zero(t, stats.ActiveLockCount)
	assert.NotNil(t, stats.Counters)
}

func TestSweepProcessedHonorsRetention(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	_, err := f.repo.MarkProcessed(&models.ProcessedEvent{
		EventKey:    "evt_old_obj",
		EventType:   EventInvoicePaid,
		CustomerID:  "u1",
		ProcessedAt: f.clock.Now(),
	})
	require.NoError(t, err)

	f.clock.Advance(DefaultProcessedRetention / 2)
	n, err := f.p.SweepProcessed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(DefaultProcessedRetention)
	n, err = f.p.SweepProcessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSweepFailedRemovesExhausted(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	require.NoError(t, f.repo.CreateFailedEvent(&models.FailedEvent{
		EventKey:   "evt_done_obj",
		RetryCount: models.FailedEventMaxRetries,
		MaxRetries: models.FailedEventMaxRetries,
		OccurredAt: f.clock.Now(),
	}))
	require.NoError(t, f.repo.CreateFailedEvent(&models.FailedEvent{
		EventKey:   "evt_live_obj",
		MaxRetries: models.FailedEventMaxRetries,
		OccurredAt: f.clock.Now(),
	}))

	n, err := f.p.SweepFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, f.repo.failed, 1)
}

func TestSweepLocksReclaimsExpired(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()

	_, ok, err := f.locker.Acquire(ctx, "u1", EventInvoicePaid, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(time.Minute)
	n, err := f.p.SweepLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	locks, err := f.locker.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, locks)
}
