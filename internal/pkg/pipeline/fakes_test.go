package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/subsync/subsync/app/models"
)

// testClock is a manually advanced clock shared by the components under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeRepository is an in-memory Repository for unit tests.
type fakeRepository struct {
	mu sync.Mutex

	processed     map[string]models.ProcessedEvent
	failed        map[uint]*models.FailedEvent
	nextFailedID  uint
	subscriptions map[string]*models.Subscription
	links         map[string]string
	webhooks      map[string]*models.WebhookEvent
	nextWebhookID uint
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		processed:     make(map[string]models.ProcessedEvent),
		failed:        make(map[uint]*models.FailedEvent),
		subscriptions: make(map[string]*models.Subscription),
		links:         make(map[string]string),
		webhooks:      make(map[string]*models.WebhookEvent),
	}
}

func (r *fakeRepository) IsProcessed(eventKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processed[eventKey]
	return ok, nil
}

func (r *fakeRepository) MarkProcessed(rec *models.ProcessedEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processed[rec.EventKey]; ok {
		return false, nil
	}
	r.processed[rec.EventKey] = *rec
	return true, nil
}

func (r *fakeRepository) RecentProcessedForCustomer(customerID, excludeEventType string, since time.Time) ([]models.ProcessedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ProcessedEvent
	for _, rec := range r.processed {
		if rec.CustomerID == customerID && rec.EventType != excludeEventType && !rec.ProcessedAt.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeRepository) DeleteProcessedBefore(cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key, rec := range r.processed {
		if rec.ProcessedAt.Before(cutoff) {
			delete(r.processed, key)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) CreateFailedEvent(rec *models.FailedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextFailedID++
	rec.ID = r.nextFailedID
	cp := *rec
	r.failed[rec.ID] = &cp
	return nil
}

func (r *fakeRepository) GetFailedEventByKey(eventKey string) (*models.FailedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.failed {
		if rec.EventKey == eventKey {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) ListRetryableFailedEvents(limit int) ([]models.FailedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.FailedEvent
	for _, rec := range r.failed {
		if rec.IsRetryable() {
			out = append(out, *rec)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepository) SaveFailedEvent(rec *models.FailedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.failed[rec.ID] = &cp
	return nil
}

func (r *fakeRepository) DeleteFailedEvent(id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failed, id)
	return nil
}

func (r *fakeRepository) DeleteExhaustedFailedEvents(cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.failed {
		if !rec.IsRetryable() || rec.OccurredAt.Before(cutoff) {
			delete(r.failed, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) GetSubscription(customerID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscriptions[customerID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeRepository) CreateSubscription(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscriptions[sub.CustomerID]; ok {
		return gorm.ErrDuplicatedKey
	}
	cp := *sub
	r.subscriptions[sub.CustomerID] = &cp
	return nil
}

func (r *fakeRepository) UpdateSubscriptionVersioned(sub *models.Subscription, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.subscriptions[sub.CustomerID]
	if !ok || existing.Version != expectedVersion {
		return gorm.ErrRecordNotFound
	}
	cp := *sub
	r.subscriptions[sub.CustomerID] = &cp
	return nil
}

func (r *fakeRepository) ResolveCustomerID(provider, providerCustomerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	customerID, ok := r.links[provider+":"+providerCustomerID]
	if !ok {
		return "", gorm.ErrRecordNotFound
	}
	return customerID, nil
}

func (r *fakeRepository) UpsertCustomerLink(link *models.CustomerLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[link.Provider+":"+link.ProviderCustomerID] = link.CustomerID
	return nil
}

func (r *fakeRepository) RecordWebhookEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + ":" + event.ProviderEventID
	if stored, ok := r.webhooks[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	r.nextWebhookID++
	event.ID = r.nextWebhookID
	cp := *event
	r.webhooks[key] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakeRepository) MarkWebhookProcessed(id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.webhooks {
		if event.ID == id {
			now := time.Now()
			event.ProcessedAt = &now
			event.ProcessingError = processingError
			return nil
		}
	}
	return fmt.Errorf("no webhook event with id %d", id)
}

// memoryLocker implements Locker with the same conditional semantics as the
// Redis store, plus instrumentation for the mutual-exclusion property test.
type memoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	clock *testClock

	holders       map[string]int
	maxConcurrent int
}

type memoryLock struct {
	holderID  string
	expiresAt time.Time
}

func newMemoryLocker(clock *testClock) *memoryLocker {
	return &memoryLocker{
		locks:   make(map[string]memoryLock),
		clock:   clock,
		holders: make(map[string]int),
	}
}

func (l *memoryLocker) Acquire(ctx context.Context, customerID, eventType string, timeout time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if lock, ok := l.locks[customerID]; ok && lock.expiresAt.After(now) {
		return "", false, nil
	}

	holderID := fmt.Sprintf("holder-%s-%d", customerID, now.UnixNano())
	l.locks[customerID] = memoryLock{holderID: holderID, expiresAt: now.Add(timeout)}
	l.holders[customerID]++
	if l.holders[customerID] > l.maxConcurrent {
		l.maxConcurrent = l.holders[customerID]
	}
	return holderID, true, nil
}

func (l *memoryLocker) Release(ctx context.Context, customerID, holderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, ok := l.locks[customerID]; ok && lock.holderID == holderID {
		delete(l.locks, customerID)
		l.holders[customerID]--
	}
	return nil
}

func (l *memoryLocker) ActiveCount(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	now := l.clock.Now()
	for _, lock := range l.locks {
		if lock.expiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (l *memoryLocker) SweepExpired(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	now := l.clock.Now()
	for customerID, lock := range l.locks {
		if !lock.expiresAt.After(now) {
			delete(l.locks, customerID)
			n++
		}
	}
	return n, nil
}

// fakePlanRepo implements plans.Repository over a fixed mapping table keyed
// by "provider|priceID|interval".
type fakePlanRepo struct {
	mappings map[string]string
}

func newFakePlanRepo() *fakePlanRepo {
	return &fakePlanRepo{mappings: map[string]string{
		"stripe|price_pro_month|month":      "pro",
		"stripe|price_business_month|month": "business",
	}}
}

func (r *fakePlanRepo) FindActiveMapping(provider, providerPriceID, interval string) (*models.PlanMapping, error) {
	tier, ok := r.mappings[provider+"|"+providerPriceID+"|"+interval]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &models.PlanMapping{
		Provider:        provider,
		ProviderPriceID: providerPriceID,
		BillingInterval: interval,
		Tier:            tier,
		IsActive:        true,
	}, nil
}

// memoryInflight implements InflightTracker in process memory.
type memoryInflight struct {
	mu      sync.Mutex
	markers map[string]map[string]struct{}
}

func newMemoryInflight() *memoryInflight {
	return &memoryInflight{markers: make(map[string]map[string]struct{})}
}

func (t *memoryInflight) Mark(ctx context.Context, customerID, eventType string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.markers[customerID] == nil {
		t.markers[customerID] = make(map[string]struct{})
	}
	t.markers[customerID][eventType] = struct{}{}
	return nil
}

func (t *memoryInflight) Clear(ctx context.Context, customerID, eventType string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.markers[customerID], eventType)
	return nil
}

func (t *memoryInflight) OthersActive(ctx context.Context, customerID, eventType string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for et := range t.markers[customerID] {
		if et != eventType {
			return true, nil
		}
	}
	return false, nil
}
