package services

import (
	"errors"
	"fmt"
)

// Error taxonomy for the engine. Callers classify with errors.Is; only
// ErrInvariantViolation and malformed input surface as hard failures,
// everything else is retried or degraded internally.
var (
	// ErrTransientStorage marks a storage failure that is safe to retry
	// with backoff. Dedup keys are idempotent, so re-ingesting the same
	// alert after a retry cannot corrupt state.
	ErrTransientStorage = errors.New("transient storage failure")

	// ErrConfiguration marks a malformed rule condition. The rule is
	// skipped and the problem surfaced to the tenant admin; other rules
	// keep evaluating.
	ErrConfiguration = errors.New("configuration error")

	// ErrConflict marks a concurrent incident-creation race, resolved by
	// retrying the attach against the winning row.
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrExternalServiceTimeout marks a similarity lookup that timed out.
	// Non-fatal: the miner degrades to PMI-only correlation.
	ErrExternalServiceTimeout = errors.New("external service timeout")

	// ErrInvariantViolation marks an operation that would break engine
	// invariants (merge cycle, self-merge, attach to a terminal incident).
	// Always rejected synchronously.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrTenantPaused is returned when ingestion is paused for the tenant.
	ErrTenantPaused = errors.New("tenant ingestion paused")
)

// storageErr wraps a gorm error as transient so callers retry with backoff
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransientStorage, op, err)
}

// invariantErr wraps a rejected state transition
func invariantErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
