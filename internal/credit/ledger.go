package credit

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/domain"
)

// LedgerKey is the single persisted slot for the current day's ledger.
// Storage holds at most one DailyLedger; a new date supersedes it.
const LedgerKey = "stridegate:v1:daily_ledger"

// Snapshot is a DailyLedger with its derived credit fields.
type Snapshot struct {
	Date             string `json:"date"`
	StepsSynced      int    `json:"steps_synced"`
	CreditsEarned    int    `json:"credits_earned"`
	CreditsSpent     int    `json:"credits_spent"`
	CreditsAvailable int    `json:"credits_available"`
}

// Ledger owns the daily earn/spend/available accounting. Every operation
// performs exactly one load plus, on mutation, one save against the store;
// nothing is cached across calls. Callers needing read-your-writes must
// reload within the same call chain.
type Ledger struct {
	store  domain.KeyValueStore
	calc   Calculator
	clock  domain.Clock
	logger *zap.Logger
}

// NewLedger creates a credit ledger over the given store.
func NewLedger(store domain.KeyValueStore, calc Calculator, clock domain.Clock, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, calc: calc, clock: clock, logger: logger}
}

// Load returns the persisted ledger if its stored date matches date's
// start-of-day; otherwise a fresh zeroed ledger for that date. The fresh
// instance is not persisted until the next mutation. Corrupt or missing
// persisted data is treated identically to "no ledger yet" - Load never
// fails.
func (l *Ledger) Load(date string) domain.DailyLedger {
	fresh := domain.DailyLedger{Date: date}

	data, err := l.store.Get(LedgerKey)
	if err != nil {
		return fresh
	}

	var stored domain.DailyLedger
	if err := json.Unmarshal(data, &stored); err != nil {
		l.logger.Warn("corrupt ledger payload, starting fresh",
			zap.String("date", date),
			zap.Error(err))
		return fresh
	}

	if stored.Date != date {
		// Daily reset: the persisted ledger belongs to another day and is
		// silently superseded, never merged.
		return fresh
	}

	return stored
}

// Save unconditionally overwrites the single persisted ledger slot.
func (l *Ledger) Save(ledger domain.DailyLedger) error {
	data, err := json.Marshal(ledger)
	if err != nil {
		return err
	}
	return l.store.Set(LedgerKey, data)
}

// UpdateSteps sets today's StepsSynced to count (absolute, not additive;
// callers supply the full daily total) and saves. This is the only way
// earned credits change. A lower resync than previously recorded is
// accepted as authoritative: the upstream feed owns the truth.
func (l *Ledger) UpdateSteps(count int) (Snapshot, error) {
	ledger := l.Load(l.today())
	ledger.StepsSynced = count
	if err := l.Save(ledger); err != nil {
		return Snapshot{}, err
	}
	return l.snapshot(ledger), nil
}

// Spend deducts minutes from today's available credits. Fails with
// ErrInvalidDuration for non-positive minutes and InsufficientCreditsError
// when minutes exceed the available balance; in both cases the ledger is
// left unmodified.
func (l *Ledger) Spend(minutes int) error {
	if minutes <= 0 {
		return domain.ErrInvalidDuration
	}

	ledger := l.Load(l.today())
	available := l.available(ledger)
	if minutes > available {
		return &domain.InsufficientCreditsError{Requested: minutes, Available: available}
	}

	ledger.CreditsSpent += minutes
	return l.Save(ledger)
}

// Refund returns minutes to today's balance, flooring CreditsSpent at
// zero. Over-refunding is not an error.
func (l *Ledger) Refund(minutes int) error {
	ledger := l.Load(l.today())
	ledger.CreditsSpent -= minutes
	if ledger.CreditsSpent < 0 {
		ledger.CreditsSpent = 0
	}
	return l.Save(ledger)
}

// Today returns the derived view of today's ledger.
func (l *Ledger) Today() Snapshot {
	return l.snapshot(l.Load(l.today()))
}

func (l *Ledger) today() string {
	return l.clock.Now().Format(domain.LedgerDateFormat)
}

func (l *Ledger) available(ledger domain.DailyLedger) int {
	available := l.calc.Credits(ledger.StepsSynced) - ledger.CreditsSpent
	if available < 0 {
		return 0
	}
	return available
}

func (l *Ledger) snapshot(ledger domain.DailyLedger) Snapshot {
	return Snapshot{
		Date:             ledger.Date,
		StepsSynced:      ledger.StepsSynced,
		CreditsEarned:    l.calc.Credits(ledger.StepsSynced),
		CreditsSpent:     ledger.CreditsSpent,
		CreditsAvailable: l.available(ledger),
	}
}
