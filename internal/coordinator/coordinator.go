// Package coordinator implements the blocking-session state machine: it
// validates credit spends, owns the ScheduledBlocked / ScheduledUnblocked /
// ManualSession transitions, keeps the host scheduler armed, and replicates
// every transition to the state bus for the out-of-process enforcement
// agent.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/credit"
	"github.com/stridegate/stridegate/internal/domain"
	"github.com/stridegate/stridegate/internal/metrics"
	"github.com/stridegate/stridegate/internal/schedule"
)

const (
	// SessionKey is the persisted slot for the coordinator state.
	SessionKey = "stridegate:v1:session"

	// OneShotName is the stable scheduler name for the session countdown.
	// Registering a new session under the same name supersedes the old
	// one, so at most one countdown is ever armed.
	OneShotName = "stridegate.session.expiry"

	// RecurringName is the stable scheduler name for the blocking window
	// duty cycle.
	RecurringName = "stridegate.schedule.window"

	// DefaultReconcileInterval is the local tick that resolves expiry by
	// timestamp comparison even when scheduler callbacks are lost.
	DefaultReconcileInterval = time.Second
)

// Options tunes coordinator construction.
type Options struct {
	// ReconcileInterval overrides the ~1s local reconciliation tick.
	ReconcileInterval time.Duration

	// ShieldPayload is the opaque selection-to-shield blob replicated to
	// the agent verbatim. Never interpreted here.
	ShieldPayload []byte

	// AppLabel tags unlock history entries.
	AppLabel string
}

// Coordinator is the session state machine. All mutations run under a
// single mutex: single-writer semantics, no interleaving on the ledger or
// session without it.
type Coordinator struct {
	mu        sync.Mutex
	ledger    *credit.Ledger
	schedules *schedule.Store
	scheduler domain.Scheduler
	bus       domain.StateBus
	kv        domain.KeyValueStore
	history   domain.HistoryStore // optional
	clock     domain.Clock
	logger    *zap.Logger
	opts      Options

	state domain.SessionState
}

// New restores the coordinator from persisted state. A persisted session
// whose expiry is already in the past is collapsed to ScheduledBlocked -
// treated as an already-fired expiry, with no refund - before anything else
// runs. Corrupt or missing state defaults to ScheduledBlocked: blocked is
// the conservative answer whenever ambiguity exists.
func New(
	ledger *credit.Ledger,
	schedules *schedule.Store,
	scheduler domain.Scheduler,
	bus domain.StateBus,
	kv domain.KeyValueStore,
	history domain.HistoryStore,
	clock domain.Clock,
	logger *zap.Logger,
	opts Options,
) *Coordinator {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}

	c := &Coordinator{
		ledger:    ledger,
		schedules: schedules,
		scheduler: scheduler,
		bus:       bus,
		kv:        kv,
		history:   history,
		clock:     clock,
		logger:    logger,
		opts:      opts,
	}
	c.restore()
	return c
}

func (c *Coordinator) restore() {
	c.state = domain.SessionState{Mode: domain.ModeScheduledBlocked}

	data, err := c.kv.Get(SessionKey)
	if err != nil {
		return
	}

	var stored domain.SessionState
	if err := json.Unmarshal(data, &stored); err != nil {
		c.logger.Warn("corrupt session state, defaulting to blocked", zap.Error(err))
		return
	}

	switch stored.Mode {
	case domain.ModeScheduledBlocked, domain.ModeScheduledUnblocked, domain.ModeManualSession:
		c.state = stored
	default:
		return
	}

	if c.state.Mode == domain.ModeManualSession && !c.clock.Now().Before(c.state.SessionExpiresAt) {
		c.logger.Info("persisted session already expired, collapsing to blocked",
			zap.Time("expired_at", c.state.SessionExpiresAt))
		c.state = domain.SessionState{Mode: domain.ModeScheduledBlocked}
		c.persistLocked()
	}
}

// Start arms the recurring schedule duty cycle, evaluates the schedule
// once, and runs the reconciliation tick until ctx is canceled. Must be
// called from exactly one goroutine.
func (c *Coordinator) Start(ctx context.Context) error {
	c.RegisterSchedule(c.Schedule())

	ticker := time.NewTicker(c.opts.ReconcileInterval)
	defer ticker.Stop()

	c.logger.Info("coordinator started",
		zap.Duration("reconcile_interval", c.opts.ReconcileInterval))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping")
			return ctx.Err()
		case <-ticker.C:
			c.reconcile()
		}
	}
}

// EvaluateScheduleNow re-derives the scheduled state. A live manual
// session always wins: the call is then a no-op apart from a republish.
// Invoked on process start, app foreground and schedule edits.
func (c *Coordinator) EvaluateScheduleNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluateLocked(true)
}

// evaluateLocked resolves stale sessions, then applies the schedule.
// Publishes on every transition; forcePublish additionally republishes an
// unchanged state (explicit resync points).
func (c *Coordinator) evaluateLocked(forcePublish bool) {
	now := c.clock.Now()
	changed := c.expireStaleLocked(now)

	if c.state.ManualSessionLive(now) {
		if forcePublish {
			c.publishLocked()
		}
		return
	}

	mode := domain.ModeScheduledUnblocked
	if c.schedules.Load().ActiveAt(now) {
		mode = domain.ModeScheduledBlocked
	}
	if c.state.Mode != mode {
		c.state = domain.SessionState{Mode: mode}
		c.persistLocked()
		changed = true
	}

	if changed || forcePublish {
		c.publishLocked()
	}
}

// expireStaleLocked collapses a manual session whose expiry has passed.
// Natural expiry never refunds. Returns true if a transition happened.
func (c *Coordinator) expireStaleLocked(now time.Time) bool {
	if c.state.Mode != domain.ModeManualSession || now.Before(c.state.SessionExpiresAt) {
		return false
	}

	c.logger.Info("manual session expired",
		zap.String("session_id", c.state.SessionID),
		zap.Time("expired_at", c.state.SessionExpiresAt))

	if err := c.scheduler.Cancel(OneShotName); err != nil {
		c.logger.Warn("failed to cancel session timer", zap.Error(err))
	}
	c.state = domain.SessionState{Mode: domain.ModeScheduledBlocked}
	c.persistLocked()
	metrics.SessionsExpiredTotal.WithLabelValues("expired").Inc()
	return true
}

// SpendAndUnlock purchases a manual unlock session of the given length.
// Rejects non-positive minutes and spends that exceed the available
// balance; on rejection nothing changes. On success any previously armed
// countdown is superseded atomically: at most one countdown is ever armed.
func (c *Coordinator) SpendAndUnlock(minutes int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if minutes <= 0 {
		return domain.ErrInvalidDuration
	}

	now := c.clock.Now()
	if err := c.ledger.Spend(minutes); err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			metrics.SpendRejectionsTotal.Inc()
		}
		return err
	}

	if err := c.scheduler.Cancel(OneShotName); err != nil {
		c.logger.Warn("failed to cancel prior session timer", zap.Error(err))
	}

	c.state = domain.SessionState{
		Mode:                  domain.ModeManualSession,
		SessionID:             uuid.NewString(),
		ManualDurationMinutes: minutes,
		SessionStartedAt:      now,
		SessionExpiresAt:      now.Add(time.Duration(minutes) * time.Minute),
	}
	c.persistLocked()

	// Registration failure degrades to the reconciliation tick and the
	// agent's own periodic reconciliation; never aborts the transition.
	if err := c.scheduler.RegisterOnce(OneShotName, c.state.SessionExpiresAt); err != nil {
		c.logger.Warn("one-shot registration failed, relying on local tick",
			zap.Error(err),
			zap.Error(domain.ErrSchedulerRegistration))
	}

	c.publishLocked()
	c.appendHistoryLocked(minutes)

	metrics.CreditsSpentTotal.Add(float64(minutes))
	metrics.SessionsStartedTotal.Inc()
	c.updateLedgerGaugesLocked()

	c.logger.Info("manual session started",
		zap.String("session_id", c.state.SessionID),
		zap.Int("minutes", minutes),
		zap.Time("expires_at", c.state.SessionExpiresAt))
	return nil
}

// ReengageNow ends any manual session early and re-engages the shield
// immediately. This is the only path that refunds: the unused remainder,
// rounded up in the user's favor, goes back to the ledger.
func (c *Coordinator) ReengageNow() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.state.Mode == domain.ModeManualSession {
		remaining := remainingMinutesAt(c.state, now)
		if remaining > 0 {
			if err := c.ledger.Refund(remaining); err != nil {
				c.logger.Error("refund failed", zap.Int("minutes", remaining), zap.Error(err))
			} else {
				metrics.CreditsRefundedTotal.Add(float64(remaining))
			}
		}
		metrics.SessionsExpiredTotal.WithLabelValues("reengaged").Inc()
		c.logger.Info("manual session re-engaged early",
			zap.String("session_id", c.state.SessionID),
			zap.Int("refunded_minutes", remaining))
	}

	if err := c.scheduler.Cancel(OneShotName); err != nil {
		c.logger.Warn("failed to cancel session timer", zap.Error(err))
	}

	c.state = domain.SessionState{Mode: domain.ModeScheduledBlocked}
	c.persistLocked()
	c.publishLocked()
	c.updateLedgerGaugesLocked()
}

// RegisterSchedule replaces the blocking window wholesale, re-registers
// the recurring duty cycle under its stable name and re-evaluates
// immediately.
func (c *Coordinator) RegisterSchedule(cfg domain.ScheduleConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.schedules.Save(cfg); err != nil {
		c.logger.Error("failed to persist schedule", zap.Error(err))
	}
	if err := c.scheduler.RegisterRecurring(RecurringName, cfg); err != nil {
		c.logger.Warn("recurring registration failed, relying on local tick",
			zap.Error(err),
			zap.Error(domain.ErrSchedulerRegistration))
	}
	c.evaluateLocked(true)
}

// HandleExpiry resolves a fired one-shot countdown. Spurious deliveries
// (no session, or expiry still in the future) are ignored; expiry is
// always decided by timestamp comparison, never by the delivery itself.
func (c *Coordinator) HandleExpiry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.expireStaleLocked(c.clock.Now()) {
		c.publishLocked()
	}
}

// reconcile is the periodic tick: it resolves expiry from the absolute
// timestamp and follows window edges, publishing only actual transitions.
// Correct under arbitrary suspension because nothing decrements.
func (c *Coordinator) reconcile() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluateLocked(false)
}

// RemainingMinutes returns the minutes left in the manual session, always
// rounded up in the user's favor; zero when no live session exists.
func (c *Coordinator) RemainingMinutes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return remainingMinutesAt(c.state, c.clock.Now())
}

// IsBlocking reports whether the shield should currently be engaged.
func (c *Coordinator) IsBlocking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Mode == domain.ModeScheduledBlocked
}

// IsInManualSession reports whether a live manual session is running.
func (c *Coordinator) IsInManualSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ManualSessionLive(c.clock.Now())
}

// SessionState returns a copy of the current persisted state.
func (c *Coordinator) SessionState() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Schedule returns the active schedule configuration.
func (c *Coordinator) Schedule() domain.ScheduleConfig {
	return c.schedules.Load()
}

// SetShieldPayload replaces the opaque selection-to-shield blob and
// republishes so the agent picks it up. Called on config reload.
func (c *Coordinator) SetShieldPayload(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.ShieldPayload = payload
	c.publishLocked()
}

// SyncSteps records the day's absolute activity total in the ledger.
// Runs under the coordinator mutex to preserve single-writer semantics.
func (c *Coordinator) SyncSteps(count int) (credit.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.ledger.UpdateSteps(count)
	if err != nil {
		return credit.Snapshot{}, err
	}
	metrics.StepsSynced.Set(float64(snap.StepsSynced))
	metrics.CreditsAvailable.Set(float64(snap.CreditsAvailable))
	return snap, nil
}

// Ledger returns the derived view of today's ledger.
func (c *Coordinator) Ledger() credit.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Today()
}

func (c *Coordinator) persistLocked() {
	data, err := json.Marshal(c.state)
	if err != nil {
		c.logger.Error("failed to marshal session state", zap.Error(err))
		return
	}
	if err := c.kv.Set(SessionKey, data); err != nil {
		// Degrades to in-memory state; the agent still converges via the
		// bus and its own reconciliation.
		c.logger.Error("failed to persist session state", zap.Error(err))
	}
}

func (c *Coordinator) publishLocked() {
	replica := domain.SharedReplica{
		ShieldPayload:         c.opts.ShieldPayload,
		Schedule:              c.schedules.Load(),
		IsBlocking:            c.state.Mode == domain.ModeScheduledBlocked,
		Mode:                  c.state.Mode,
		SessionStartedAt:      c.state.SessionStartedAt,
		SessionExpiresAt:      c.state.SessionExpiresAt,
		ManualDurationMinutes: c.state.ManualDurationMinutes,
		PublishedAt:           c.clock.Now(),
	}

	if err := c.bus.Publish(replica); err != nil {
		metrics.BusPublishesTotal.WithLabelValues("error").Inc()
		c.logger.Warn("state bus publish failed", zap.Error(err))
		return
	}
	metrics.BusPublishesTotal.WithLabelValues("ok").Inc()
}

func (c *Coordinator) appendHistoryLocked(minutes int) {
	if c.history == nil {
		return
	}
	entry := domain.UnlockHistoryEntry{
		ID:              c.state.SessionID,
		Timestamp:       c.state.SessionStartedAt,
		DurationMinutes: minutes,
		CostInMinutes:   minutes,
		AppLabel:        c.opts.AppLabel,
	}
	if err := c.history.Append(entry); err != nil {
		c.logger.Warn("failed to append unlock history", zap.Error(err))
	}
}

func (c *Coordinator) updateLedgerGaugesLocked() {
	snap := c.ledger.Today()
	metrics.CreditsAvailable.Set(float64(snap.CreditsAvailable))
	metrics.StepsSynced.Set(float64(snap.StepsSynced))
}

func remainingMinutesAt(state domain.SessionState, now time.Time) int {
	if state.Mode != domain.ModeManualSession {
		return 0
	}
	secs := state.SessionExpiresAt.Sub(now).Seconds()
	if secs <= 0 {
		return 0
	}
	return int(math.Ceil(secs / 60.0))
}
