package credit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/domain"
)

// memStore implements domain.KeyValueStore for testing
type memStore struct {
	data    map[string][]byte
	setErr  error
	setHits int
	getHits int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(key string) ([]byte, error) {
	m.getHits++
	v, ok := m.data[key]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return v, nil
}

func (m *memStore) Set(key string, value []byte) error {
	m.setHits++
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	return nil
}

// fixedClock implements domain.Clock for testing
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.now
}

func newTestLedger(t *testing.T) (*Ledger, *memStore, *fixedClock) {
	t.Helper()
	store := newMemStore()
	clock := &fixedClock{now: time.Date(2025, 6, 12, 10, 0, 0, 0, time.UTC)}
	ledger := NewLedger(store, DefaultCalculator(), clock, zap.NewNop())
	return ledger, store, clock
}

// TestLoad_MissingYieldsFresh verifies an empty store yields a zeroed ledger
func TestLoad_MissingYieldsFresh(t *testing.T) {
	ledger, store, _ := newTestLedger(t)

	got := ledger.Load("2025-06-12")

	assert.Equal(t, domain.DailyLedger{Date: "2025-06-12"}, got)
	// Fresh instances are not persisted until the next mutation
	assert.Zero(t, store.setHits)
}

// TestLoad_CorruptYieldsFresh verifies corrupt data is treated as absence
func TestLoad_CorruptYieldsFresh(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	store.data[LedgerKey] = []byte("{not json")

	got := ledger.Load("2025-06-12")

	assert.Equal(t, domain.DailyLedger{Date: "2025-06-12"}, got)
}

// TestLoad_NewDateSupersedesOldLedger verifies the daily reset
func TestLoad_NewDateSupersedesOldLedger(t *testing.T) {
	ledger, _, clock := newTestLedger(t)

	_, err := ledger.UpdateSteps(5000)
	require.NoError(t, err)
	require.NoError(t, ledger.Spend(10))

	// Next day: prior values must not leak through
	clock.now = clock.now.AddDate(0, 0, 1)
	got := ledger.Today()

	assert.Equal(t, "2025-06-13", got.Date)
	assert.Zero(t, got.StepsSynced)
	assert.Zero(t, got.CreditsSpent)
	assert.Zero(t, got.CreditsAvailable)
}

// TestUpdateSteps_SetsAbsoluteTotal verifies steps are replaced, not added
func TestUpdateSteps_SetsAbsoluteTotal(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	snap, err := ledger.UpdateSteps(3200)
	require.NoError(t, err)
	assert.Equal(t, 3200, snap.StepsSynced)
	assert.Equal(t, 32, snap.CreditsEarned)

	snap, err = ledger.UpdateSteps(3300)
	require.NoError(t, err)
	assert.Equal(t, 3300, snap.StepsSynced)
	assert.Equal(t, 33, snap.CreditsEarned)
}

// TestUpdateSteps_LowerResyncIsAuthoritative verifies feed corrections win
func TestUpdateSteps_LowerResyncIsAuthoritative(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	_, err := ledger.UpdateSteps(3200)
	require.NoError(t, err)
	require.NoError(t, ledger.Spend(30))

	snap, err := ledger.UpdateSteps(1000)
	require.NoError(t, err)

	assert.Equal(t, 10, snap.CreditsEarned)
	assert.Equal(t, 30, snap.CreditsSpent)
	// Available floors at zero rather than going negative
	assert.Equal(t, 0, snap.CreditsAvailable)
}

// TestSpend_Succeeds verifies spend decrements available by exactly m
func TestSpend_Succeeds(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	_, err := ledger.UpdateSteps(3200)
	require.NoError(t, err)

	require.NoError(t, ledger.Spend(20))

	snap := ledger.Today()
	assert.Equal(t, 32, snap.CreditsEarned)
	assert.Equal(t, 20, snap.CreditsSpent)
	assert.Equal(t, 12, snap.CreditsAvailable)
}

// TestSpend_InsufficientLeavesLedgerUntouched verifies the no-mutation rule
func TestSpend_InsufficientLeavesLedgerUntouched(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	_, err := ledger.UpdateSteps(3200)
	require.NoError(t, err)
	require.NoError(t, ledger.Spend(20))

	before := append([]byte(nil), store.data[LedgerKey]...)

	err = ledger.Spend(20)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	var insufficient *domain.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 20, insufficient.Requested)
	assert.Equal(t, 12, insufficient.Available)

	// Byte-for-byte unchanged
	assert.Equal(t, before, store.data[LedgerKey])
	assert.Equal(t, 12, ledger.Today().CreditsAvailable)
}

// TestSpend_RejectsNonPositive verifies the duration guard
func TestSpend_RejectsNonPositive(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	_, err := ledger.UpdateSteps(3200)
	require.NoError(t, err)

	assert.ErrorIs(t, ledger.Spend(0), domain.ErrInvalidDuration)
	assert.ErrorIs(t, ledger.Spend(-5), domain.ErrInvalidDuration)
	assert.Zero(t, ledger.Today().CreditsSpent)
}

// TestRefund_FloorsAtZero verifies over-refund never goes negative
func TestRefund_FloorsAtZero(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	_, err := ledger.UpdateSteps(3200)
	require.NoError(t, err)
	require.NoError(t, ledger.Spend(10))

	require.NoError(t, ledger.Refund(25))

	snap := ledger.Today()
	assert.Equal(t, 0, snap.CreditsSpent)
	assert.Equal(t, 32, snap.CreditsAvailable)
}

// TestRefund_RestoresBalance verifies the normal refund path
func TestRefund_RestoresBalance(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	_, err := ledger.UpdateSteps(3200)
	require.NoError(t, err)
	require.NoError(t, ledger.Spend(20))

	require.NoError(t, ledger.Refund(5))

	snap := ledger.Today()
	assert.Equal(t, 15, snap.CreditsSpent)
	assert.Equal(t, 17, snap.CreditsAvailable)
}

// TestScenario_EarnSpendReject runs the end-to-end accounting scenario:
// 3200 steps earn 32 minutes; spending 20 leaves 12; a second spend of 20
// is rejected and the balance stays 12.
func TestScenario_EarnSpendReject(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	snap, err := ledger.UpdateSteps(3200)
	require.NoError(t, err)
	require.Equal(t, 32, snap.CreditsEarned)

	require.NoError(t, ledger.Spend(20))
	require.Equal(t, 12, ledger.Today().CreditsAvailable)

	err = ledger.Spend(20)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, 12, ledger.Today().CreditsAvailable)
}
