package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Nothing in this core is fatal: every failure degrades to
// a safe, already-defined state, and ambiguity resolves to blocked.
var (
	// ErrInsufficientCredits is returned when a spend exceeds the available
	// balance. The ledger is left unmodified.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidDuration is returned for a non-positive minute request.
	ErrInvalidDuration = errors.New("invalid duration: minutes must be positive")

	// ErrSchedulerRegistration wraps host scheduler failures. Logged and
	// never fatal: enforcement degrades to the local reconciliation tick
	// and the agent's own periodic reconciliation.
	ErrSchedulerRegistration = errors.New("scheduler registration failed")

	// ErrKeyNotFound is returned by KeyValueStore.Get for absent keys.
	// Corrupt persisted data is treated identically to absence and never
	// propagates to callers.
	ErrKeyNotFound = errors.New("key not found")
)

// InsufficientCreditsError carries the balance context of a rejected spend.
type InsufficientCreditsError struct {
	Requested int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: requested %d min, available %d min",
		e.Requested, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// IsClientError reports whether the error is due to invalid caller input
// rather than an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInvalidDuration)
}
