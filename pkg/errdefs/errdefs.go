package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Callers classify with errors.Is; constructors below wrap a
// kind with context so the original message survives %w chains.
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrCapacityExhausted    = errors.New("capacity exhausted")
	ErrPortAllocationFailed = errors.New("port allocation failed")
	ErrExternalTransient    = errors.New("transient external error")
	ErrExternalPermanent    = errors.New("permanent external error")
	ErrTimeout              = errors.New("timeout")
	ErrQueueOverflow        = errors.New("queue overflow")
)

// InvalidArgument reports a request rejected before any side effect.
func InvalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// InvalidTransition reports a state machine violation. No mutation occurred.
func InvalidTransition(aggregate, from, to string) error {
	return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, aggregate, from, to)
}

// NotFound reports a missing aggregate.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// Conflict reports an optimistic concurrency failure after retries.
func Conflict(kind, id string, expected, actual uint64) error {
	return fmt.Errorf("%w: %s %s expected version %d, found %d", ErrConflict, kind, id, expected, actual)
}

// CapacityExhausted reports that no eligible worker can hold the request.
func CapacityExhausted(instanceID string) error {
	return fmt.Errorf("%w: no eligible worker for instance %s", ErrCapacityExhausted, instanceID)
}

// PortAllocationFailed reports that no free port mapping exists on a worker.
func PortAllocationFailed(workerID string, wanted int) error {
	return fmt.Errorf("%w: worker %s cannot supply %d ports", ErrPortAllocationFailed, workerID, wanted)
}

// Transient wraps a retryable external failure with the attempt count.
func Transient(err error, attempts int) error {
	return fmt.Errorf("%w after %d attempts: %v", ErrExternalTransient, attempts, err)
}

// Permanent wraps a non-retryable external failure.
func Permanent(err error) error {
	return fmt.Errorf("%w: %v", ErrExternalPermanent, err)
}

// Timeout reports an exceeded bounded wait.
func Timeout(op string) error {
	return fmt.Errorf("%w: %s", ErrTimeout, op)
}

// IsRetryable reports whether the pipeline should retry the error.
// Timeouts are classified transient here; state-machine watchdogs treat
// them as permanent on their own.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExternalTransient) || errors.Is(err, ErrTimeout)
}
