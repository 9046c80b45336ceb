package pipeline

import "errors"

var (
	// ErrBreakerOpen is returned while the circuit breaker rejects new work.
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// ErrLockContention is returned when another delivery currently holds the
	// customer lock. The provider's redelivery is the retry mechanism.
	ErrLockContention = errors.New("customer lock is held by another delivery")

	// ErrUnknownCustomer is returned when a provider customer id cannot be
	// resolved to an internal customer.
	ErrUnknownCustomer = errors.New("no customer link for provider customer id")
)

// PermanentError marks a failure that will not succeed on provider
// redelivery. The pipeline records it as a failed event for operator-driven
// retry instead of leaving it to the provider's retry schedule.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked permanent-for-this-event.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
