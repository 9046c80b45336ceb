package pipeline

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that
	// trips the breaker.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is how long the breaker stays open before it
	// allows a single trial call.
	DefaultRecoveryTimeout = 60 * time.Second
	// DefaultDedupWindow is the in-memory duplicate suppression window. It
	// guards against near-simultaneous redeliveries of the same event before
	// the durable processed record exists.
	DefaultDedupWindow = 5 * time.Second
)

// CircuitBreaker wraps the per-event pipeline. It combines a three-state
// breaker with a short-lived in-memory duplicate filter so a duplicate
// delivery never counts toward the failure budget. State is process-local and
// intentionally rebuilt fresh on restart; durable dedup lives in the
// processed-event table.
type CircuitBreaker struct {
	mu sync.Mutex

	state               BreakerState
	consecutiveFailures int
	lastFailureAt       time.Time
	halfOpenInFlight    bool

	seen map[string]time.Time

	failureThreshold int
	recoveryTimeout  time.Duration
	dedupWindow      time.Duration

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker with default thresholds.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		state:            BreakerClosed,
		seen:             make(map[string]time.Time),
		failureThreshold: DefaultFailureThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		dedupWindow:      DefaultDedupWindow,
		now:              time.Now,
	}
}

// Execute runs op under breaker and duplicate protection. It returns
// duplicate=true without invoking op when eventKey was seen within the dedup
// window, and ErrBreakerOpen while the breaker rejects work.
func (b *CircuitBreaker) Execute(eventKey string, op func() error) (duplicate bool, err error) {
	b.mu.Lock()

	if seenAt, ok := b.seen[eventKey]; ok && b.now().Sub(seenAt) < b.dedupWindow {
		b.mu.Unlock()
		log.Infof("[Breaker] Suppressed duplicate delivery %s", eventKey)
		return true, nil
	}

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailureAt) <= b.recoveryTimeout {
			// Not cached: a rejected delivery must stay retryable.
			b.mu.Unlock()
			return false, ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.halfOpenInFlight = true
		log.Warnf("[Breaker] Recovery timeout elapsed, allowing trial call for %s", eventKey)
	case BreakerHalfOpen:
		if b.halfOpenInFlight {
			b.mu.Unlock()
			return false, ErrBreakerOpen
		}
		b.halfOpenInFlight = true
	}
	// Recorded before the outcome is known so a racing redelivery is
	// suppressed even while op is still running.
	b.seen[eventKey] = b.now()
	b.mu.Unlock()

	err = op()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.consecutiveFailures++
		b.lastFailureAt = b.now()
		if b.state == BreakerHalfOpen {
			b.state = BreakerOpen
			b.halfOpenInFlight = false
			log.Warnf("[Breaker] Trial call failed, reopening: %v", err)
		} else if b.consecutiveFailures >= b.failureThreshold {
			b.state = BreakerOpen
			log.Errorf("[Breaker] Opened after %d consecutive failures, last error: %v", b.consecutiveFailures, err)
		}
		return false, err
	}

	if b.state == BreakerHalfOpen {
		log.Info("[Breaker] Trial call succeeded, closing")
	}
	b.state = BreakerClosed
	b.halfOpenInFlight = false
	b.consecutiveFailures = 0
	return false, nil
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Forget drops eventKey from the dedup cache so an explicit replay of that
// event is never mistaken for a provider redelivery.
func (b *CircuitBreaker) Forget(eventKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.seen, eventKey)
}

// CacheSize returns the number of entries in the dedup cache.
func (b *CircuitBreaker) CacheSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}

// SweepDedupCache evicts dedup entries older than the dedup window and
// returns how many were removed. The sweeper calls it every few seconds so
// memory stays bounded regardless of traffic volume.
func (b *CircuitBreaker) SweepDedupCache() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.dedupWindow)
	removed := 0
	for key, seenAt := range b.seen {
		if seenAt.Before(cutoff) {
			delete(b.seen, key)
			removed++
		}
	}
	return removed
}
