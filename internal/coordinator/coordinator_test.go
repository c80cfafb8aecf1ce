package coordinator

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/credit"
	"github.com/stridegate/stridegate/internal/domain"
	"github.com/stridegate/stridegate/internal/schedule"
)

// Thursday, inside the default 09:00-21:00 window.
var anchor = time.Date(2025, 6, 12, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return v, nil
}

func (m *memStore) Set(key string, value []byte) error {
	m.data[key] = value
	return nil
}

type memBus struct {
	published []domain.SharedReplica
}

func (b *memBus) Publish(replica domain.SharedReplica) error {
	b.published = append(b.published, replica)
	return nil
}

func (b *memBus) Snapshot() (domain.SharedReplica, error) {
	if len(b.published) == 0 {
		return domain.SharedReplica{}, domain.ErrKeyNotFound
	}
	return b.published[len(b.published)-1], nil
}

func (b *memBus) last() domain.SharedReplica {
	return b.published[len(b.published)-1]
}

type fakeScheduler struct {
	oneShots  map[string]time.Time
	recurring map[string]domain.ScheduleConfig
	canceled  []string
	onceErr   error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		oneShots:  make(map[string]time.Time),
		recurring: make(map[string]domain.ScheduleConfig),
	}
}

func (s *fakeScheduler) RegisterRecurring(name string, cfg domain.ScheduleConfig) error {
	s.recurring[name] = cfg
	return nil
}

func (s *fakeScheduler) RegisterOnce(name string, fireAt time.Time) error {
	if s.onceErr != nil {
		return s.onceErr
	}
	s.oneShots[name] = fireAt
	return nil
}

func (s *fakeScheduler) Cancel(name string) error {
	s.canceled = append(s.canceled, name)
	delete(s.oneShots, name)
	delete(s.recurring, name)
	return nil
}

type memHistory struct {
	entries []domain.UnlockHistoryEntry
}

func (h *memHistory) Append(entry domain.UnlockHistoryEntry) error {
	h.entries = append(h.entries, entry)
	return nil
}

func (h *memHistory) List(limit int) ([]domain.UnlockHistoryEntry, error) {
	return h.entries, nil
}

func (h *memHistory) Close() error { return nil }

type fixture struct {
	coord   *Coordinator
	clock   *fakeClock
	kv      *memStore
	bus     *memBus
	sched   *fakeScheduler
	history *memHistory
	ledger  *credit.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: anchor}
	kv := newMemStore()
	return newFixtureWith(t, clock, kv)
}

func newFixtureWith(t *testing.T, clock *fakeClock, kv *memStore) *fixture {
	t.Helper()
	logger := zap.NewNop()
	ledger := credit.NewLedger(kv, credit.DefaultCalculator(), clock, logger)
	bus := &memBus{}
	sched := newFakeScheduler()
	history := &memHistory{}

	coord := New(
		ledger,
		schedule.NewStore(kv, logger),
		sched,
		bus,
		kv,
		history,
		clock,
		logger,
		Options{ShieldPayload: []byte(`{"apps":["steam"]}`)},
	)
	return &fixture{
		coord: coord, clock: clock, kv: kv,
		bus: bus, sched: sched, history: history, ledger: ledger,
	}
}

// earn gives the fixture ledger a 3200-step day: 32 earned minutes.
func (f *fixture) earn(t *testing.T) {
	t.Helper()
	snap, err := f.coord.SyncSteps(3200)
	require.NoError(t, err)
	require.Equal(t, 32, snap.CreditsAvailable)
}

func TestNew_DefaultsToBlocked(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.coord.IsBlocking())
	assert.False(t, f.coord.IsInManualSession())
	assert.Equal(t, 0, f.coord.RemainingMinutes())
}

func TestNew_CorruptStateDefaultsToBlocked(t *testing.T) {
	clock := &fakeClock{t: anchor}
	kv := newMemStore()
	kv.data[SessionKey] = []byte("{not json")

	f := newFixtureWith(t, clock, kv)
	assert.True(t, f.coord.IsBlocking())
}

// A persisted session whose expiry passed while the process was down
// collapses straight to blocked: no refund, no unblocked flash.
func TestNew_CollapsesStaleSession(t *testing.T) {
	clock := &fakeClock{t: anchor}
	kv := newMemStore()

	stale := domain.SessionState{
		Mode:                  domain.ModeManualSession,
		SessionID:             "stale",
		ManualDurationMinutes: 10,
		SessionStartedAt:      anchor.Add(-13 * time.Minute),
		SessionExpiresAt:      anchor.Add(-3 * time.Minute),
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	kv.data[SessionKey] = data

	ledger := domain.DailyLedger{
		Date:         anchor.Format(domain.LedgerDateFormat),
		StepsSynced:  3200,
		CreditsSpent: 10,
	}
	data, err = json.Marshal(ledger)
	require.NoError(t, err)
	kv.data[credit.LedgerKey] = data

	f := newFixtureWith(t, clock, kv)

	assert.True(t, f.coord.IsBlocking())
	assert.Equal(t, 0, f.coord.RemainingMinutes())

	// Natural expiry never refunds, even across a restart.
	assert.Equal(t, 10, f.coord.Ledger().CreditsSpent)
	assert.Equal(t, 22, f.coord.Ledger().CreditsAvailable)

	// Nothing was published yet; the first publish is the evaluated state.
	require.Empty(t, f.bus.published)
	f.coord.EvaluateScheduleNow()
	require.Len(t, f.bus.published, 1)
	assert.True(t, f.bus.last().IsBlocking)
}

func TestEvaluateScheduleNow_FollowsWindow(t *testing.T) {
	f := newFixture(t)

	f.clock.Set(time.Date(2025, 6, 12, 8, 0, 0, 0, time.UTC))
	f.coord.EvaluateScheduleNow()
	assert.False(t, f.coord.IsBlocking())
	assert.Equal(t, domain.ModeScheduledUnblocked, f.coord.SessionState().Mode)

	f.clock.Set(time.Date(2025, 6, 12, 10, 0, 0, 0, time.UTC))
	f.coord.EvaluateScheduleNow()
	assert.True(t, f.coord.IsBlocking())
	assert.Equal(t, domain.ModeScheduledBlocked, f.coord.SessionState().Mode)
}

func TestEvaluateScheduleNow_ManualSessionWins(t *testing.T) {
	f := newFixture(t)
	f.earn(t)
	require.NoError(t, f.coord.SpendAndUnlock(10))

	f.coord.EvaluateScheduleNow()

	assert.True(t, f.coord.IsInManualSession())
	assert.False(t, f.coord.IsBlocking())
}

func TestSpendAndUnlock_StartsSession(t *testing.T) {
	f := newFixture(t)
	f.earn(t)

	require.NoError(t, f.coord.SpendAndUnlock(10))

	state := f.coord.SessionState()
	assert.Equal(t, domain.ModeManualSession, state.Mode)
	assert.NotEmpty(t, state.SessionID)
	assert.Equal(t, 10, state.ManualDurationMinutes)
	assert.Equal(t, anchor.Add(10*time.Minute), state.SessionExpiresAt)
	assert.Equal(t, 10, f.coord.RemainingMinutes())
	assert.Equal(t, 22, f.coord.Ledger().CreditsAvailable)

	// Countdown armed at the exact expiry instant.
	fireAt, ok := f.sched.oneShots[OneShotName]
	require.True(t, ok)
	assert.Equal(t, state.SessionExpiresAt, fireAt)

	// Replicated to the agent.
	require.NotEmpty(t, f.bus.published)
	last := f.bus.last()
	assert.False(t, last.IsBlocking)
	assert.Equal(t, domain.ModeManualSession, last.Mode)
	assert.Equal(t, []byte(`{"apps":["steam"]}`), last.ShieldPayload)

	// Recorded in history.
	require.Len(t, f.history.entries, 1)
	assert.Equal(t, state.SessionID, f.history.entries[0].ID)
	assert.Equal(t, 10, f.history.entries[0].CostInMinutes)
}

func TestSpendAndUnlock_RejectsInsufficient(t *testing.T) {
	f := newFixture(t)
	f.earn(t)

	err := f.coord.SpendAndUnlock(40)
	require.Error(t, err)

	var insufficient *domain.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 40, insufficient.Requested)
	assert.Equal(t, 32, insufficient.Available)

	// Nothing changed.
	assert.True(t, f.coord.IsBlocking())
	assert.Equal(t, 32, f.coord.Ledger().CreditsAvailable)
	assert.Empty(t, f.sched.oneShots)
	assert.Empty(t, f.history.entries)
}

func TestSpendAndUnlock_RejectsNonPositive(t *testing.T) {
	f := newFixture(t)
	f.earn(t)

	assert.ErrorIs(t, f.coord.SpendAndUnlock(0), domain.ErrInvalidDuration)
	assert.ErrorIs(t, f.coord.SpendAndUnlock(-5), domain.ErrInvalidDuration)
	assert.Equal(t, 32, f.coord.Ledger().CreditsAvailable)
}

func TestSpendAndUnlock_SupersedesPriorCountdown(t *testing.T) {
	f := newFixture(t)
	f.earn(t)

	require.NoError(t, f.coord.SpendAndUnlock(5))
	first := f.coord.SessionState().SessionID

	f.clock.Advance(time.Minute)
	require.NoError(t, f.coord.SpendAndUnlock(10))
	second := f.coord.SessionState().SessionID

	assert.NotEqual(t, first, second)
	assert.Contains(t, f.sched.canceled, OneShotName)

	// Only the new countdown remains, at the new expiry.
	require.Len(t, f.sched.oneShots, 1)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), f.sched.oneShots[OneShotName])
}

// One-shot registration failure degrades to the reconcile tick; the spend
// itself must not fail.
func TestSpendAndUnlock_SchedulerFailureNonFatal(t *testing.T) {
	f := newFixture(t)
	f.earn(t)
	f.sched.onceErr = errors.New("scheduler unavailable")

	require.NoError(t, f.coord.SpendAndUnlock(10))
	assert.True(t, f.coord.IsInManualSession())

	// The local tick still resolves expiry by timestamp.
	f.clock.Advance(11 * time.Minute)
	f.coord.reconcile()
	assert.True(t, f.coord.IsBlocking())
}

func TestRemainingMinutes_RoundsUp(t *testing.T) {
	f := newFixture(t)
	f.earn(t)
	require.NoError(t, f.coord.SpendAndUnlock(10))

	f.clock.Advance(539 * time.Second) // 61s left, rounds up
	assert.Equal(t, 2, f.coord.RemainingMinutes())

	f.clock.Advance(60 * time.Second) // 1s left, still a full minute to the user
	assert.Equal(t, 1, f.coord.RemainingMinutes())

	f.clock.Advance(time.Second)
	assert.Equal(t, 0, f.coord.RemainingMinutes())
}

func TestHandleExpiry_NoRefund(t *testing.T) {
	f := newFixture(t)
	f.earn(t)
	require.NoError(t, f.coord.SpendAndUnlock(10))

	f.clock.Advance(10 * time.Minute)
	f.coord.HandleExpiry()

	assert.True(t, f.coord.IsBlocking())
	assert.False(t, f.coord.IsInManualSession())
	assert.Equal(t, 22, f.coord.Ledger().CreditsAvailable)
	assert.True(t, f.bus.last().IsBlocking)
}

func TestHandleExpiry_SpuriousDeliveryIgnored(t *testing.T) {
	f := newFixture(t)
	f.earn(t)
	require.NoError(t, f.coord.SpendAndUnlock(10))
	published := len(f.bus.published)

	// Fires early: expiry is decided by timestamp, not delivery.
	f.coord.HandleExpiry()

	assert.True(t, f.coord.IsInManualSession())
	assert.Len(t, f.bus.published, published)
}

func TestReengageNow_RefundsRoundedUp(t *testing.T) {
	f := newFixture(t)
	f.earn(t)
	require.NoError(t, f.coord.SpendAndUnlock(10))
	assert.Equal(t, 22, f.coord.Ledger().CreditsAvailable)

	// 270s remain: refund rounds up to 5 minutes.
	f.clock.Advance(330 * time.Second)
	f.coord.ReengageNow()

	assert.True(t, f.coord.IsBlocking())
	assert.Equal(t, 27, f.coord.Ledger().CreditsAvailable)
	assert.Equal(t, 5, f.coord.Ledger().CreditsSpent)
}

func TestReengageNow_AfterExpiryNoRefund(t *testing.T) {
	f := newFixture(t)
	f.earn(t)
	require.NoError(t, f.coord.SpendAndUnlock(10))

	f.clock.Advance(10*time.Minute + time.Second)
	f.coord.ReengageNow()

	assert.True(t, f.coord.IsBlocking())
	assert.Equal(t, 22, f.coord.Ledger().CreditsAvailable)
}

func TestReengageNow_FromBlockedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.earn(t)

	f.coord.ReengageNow()
	f.coord.ReengageNow()

	assert.True(t, f.coord.IsBlocking())
	assert.Equal(t, 32, f.coord.Ledger().CreditsAvailable)
}

func TestReconcile_ExpiresByTimestamp(t *testing.T) {
	f := newFixture(t)
	f.earn(t)
	require.NoError(t, f.coord.SpendAndUnlock(10))

	// Device-asleep equivalent: arbitrary gap, no intermediate ticks.
	f.clock.Advance(3 * time.Hour)
	f.coord.reconcile()

	assert.True(t, f.coord.IsBlocking())
	assert.Equal(t, 22, f.coord.Ledger().CreditsAvailable)
}

func TestReconcile_PublishesOnlyTransitions(t *testing.T) {
	f := newFixture(t)
	f.coord.EvaluateScheduleNow()
	published := len(f.bus.published)

	f.coord.reconcile()
	f.coord.reconcile()
	assert.Len(t, f.bus.published, published)

	// Window closes at 21:00: one transition, one publish.
	f.clock.Set(time.Date(2025, 6, 12, 21, 0, 0, 0, time.UTC))
	f.coord.reconcile()
	assert.Len(t, f.bus.published, published+1)
	assert.False(t, f.bus.last().IsBlocking)
}

func TestRegisterSchedule_ReplacesAndReevaluates(t *testing.T) {
	f := newFixture(t)
	f.coord.EvaluateScheduleNow()
	require.True(t, f.coord.IsBlocking())

	// New window that excludes the current instant.
	cfg := domain.ScheduleConfig{
		StartHour:  22,
		EndHour:    23,
		ActiveDays: []time.Weekday{time.Thursday},
	}
	f.coord.RegisterSchedule(cfg)

	assert.False(t, f.coord.IsBlocking())
	assert.Equal(t, cfg, f.coord.Schedule())
	assert.Equal(t, cfg, f.sched.recurring[RecurringName])
	assert.Equal(t, cfg, f.bus.last().Schedule)
}

// Full walkthrough of the earn/spend/expire cycle.
func TestLifecycle_EarnSpendExpire(t *testing.T) {
	f := newFixture(t)
	f.coord.EvaluateScheduleNow()
	require.True(t, f.coord.IsBlocking())

	// 3200 steps: 32 minutes earned.
	snap, err := f.coord.SyncSteps(3200)
	require.NoError(t, err)
	assert.Equal(t, 32, snap.CreditsEarned)

	// Spend 20: 12 available, session live.
	require.NoError(t, f.coord.SpendAndUnlock(20))
	assert.Equal(t, 12, f.coord.Ledger().CreditsAvailable)
	assert.False(t, f.coord.IsBlocking())

	// A further 20 does not fit.
	require.Error(t, f.coord.SpendAndUnlock(20))
	assert.Equal(t, 12, f.coord.Ledger().CreditsAvailable)
	assert.True(t, f.coord.IsInManualSession())

	// Session runs out: blocked again, spent credits stay spent.
	f.clock.Advance(20 * time.Minute)
	f.coord.reconcile()
	assert.True(t, f.coord.IsBlocking())
	assert.Equal(t, 12, f.coord.Ledger().CreditsAvailable)

	// Next day: fresh ledger.
	f.clock.Set(anchor.AddDate(0, 0, 1))
	assert.Equal(t, 0, f.coord.Ledger().CreditsSpent)
	assert.Equal(t, 0, f.coord.Ledger().CreditsAvailable)
}
