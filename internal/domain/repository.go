package domain

import (
	"context"
	"time"
)

// Clock provides time to every component that reads it.
// Injected so tests can drive the countdown deterministically.
type Clock interface {
	Now() time.Time
}

// KeyValueStore is the persistence seam for ledger, schedule, session and
// StateBus payloads. Reads and writes are assumed fast, local and
// synchronous; there are no network calls in this core.
type KeyValueStore interface {
	// Get returns the stored bytes, or ErrKeyNotFound.
	Get(key string) ([]byte, error)

	// Set overwrites the value under key.
	Set(key string, value []byte) error
}

// StateBus replicates coordinator state to the out-of-process enforcement
// agent. Publish is best-effort and non-transactional: fields land as
// separate keys, so a concurrent reader may observe a torn snapshot. The
// agent re-derives "should the shield be on" from the snapshot and treats
// any inconsistency conservatively (prefers blocking).
type StateBus interface {
	// Publish writes the full denormalized snapshot.
	Publish(replica SharedReplica) error

	// Snapshot reads the last published replica. Returns ErrKeyNotFound
	// if nothing has ever been published.
	Snapshot() (SharedReplica, error)
}

// Scheduler is the host timed-callback capability. Registrations are
// replace-on-reregister: at most one recurring duty cycle and one one-shot
// countdown is ever armed under a given name.
type Scheduler interface {
	// RegisterRecurring arms window open/close deliveries for the config,
	// replacing any prior registration under the same name.
	RegisterRecurring(name string, cfg ScheduleConfig) error

	// RegisterOnce arms a single delivery at fireAt, replacing any prior
	// one-shot under the same name.
	RegisterOnce(name string, fireAt time.Time) error

	// Cancel disarms the named registration. Unknown names are a no-op.
	Cancel(name string) error
}

// ActivityFeed is the abstract physical-activity source. The real
// measurement source lives outside this core; implementations bridge it
// (e.g. a steps file written by a pedometer exporter).
type ActivityFeed interface {
	// FetchTodayTotal returns the day's cumulative activity count.
	// Returns 0 (not an error) when the source is unavailable.
	FetchTodayTotal() int

	// Observe emits the day's cumulative total as it changes. The channel
	// closes when ctx is canceled.
	Observe(ctx context.Context) (<-chan int, error)
}

// ShieldController applies and removes the enforced block on selected
// apps. The shield itself is opaque to the coordinator; only the agent
// drives it.
type ShieldController interface {
	// Engage applies the shield. Idempotent; called on every reconcile
	// while blocking is in effect.
	Engage(ctx context.Context) error

	// Disengage removes the shield. Idempotent.
	Disengage(ctx context.Context) error
}

// HistoryStore appends purchased-unlock records. The state machine writes
// and never reads; listing exists for the CLI only.
type HistoryStore interface {
	Append(entry UnlockHistoryEntry) error
	List(limit int) ([]UnlockHistoryEntry, error)
	Close() error
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// ProcessRegistry provides coordinator/agent discovery and liveness.
// The two processes find each other via PIDs stored in a shared file.
type ProcessRegistry interface {
	// Register saves the calling process's PID under its role.
	Register(info ProcessInfo) error

	// UpdateHeartbeat refreshes the liveness timestamp.
	UpdateHeartbeat(role ProcessRole) error

	// IsPartnerAlive checks whether the other process is running.
	IsPartnerAlive(role ProcessRole) (bool, error)

	// GetAll returns full registry state (for the status command).
	GetAll() (*RegistryEntry, error)

	// Clear removes the registry (for clean restart).
	Clear() error

	// Path returns the registry file path (for tests).
	Path() string
}

// KeyProvider abstracts the source of the storage encryption key.
type KeyProvider interface {
	GetKey() ([]byte, error)
	StoreKey(key []byte) error
	KeyExists() bool
}
