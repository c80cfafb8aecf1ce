//go:build integration

package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/agent"
	"github.com/stridegate/stridegate/internal/coordinator"
	"github.com/stridegate/stridegate/internal/credit"
	"github.com/stridegate/stridegate/internal/domain"
	"github.com/stridegate/stridegate/internal/infra"
	"github.com/stridegate/stridegate/internal/schedule"
	"github.com/stridegate/stridegate/internal/statebus"
)

// A Thursday, 10:00, inside the default 09:00-21:00 window.
var anchor = time.Date(2025, 6, 12, 10, 0, 0, 0, time.UTC)

// sharedClock is a settable clock handed to both processes so the test
// controls time on the coordinator and agent sides together.
type sharedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *sharedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *sharedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// spyShield records engage/disengage decisions instead of killing anything.
type spyShield struct {
	mu      sync.Mutex
	engaged bool
	payload []byte
}

func (s *spyShield) Engage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engaged = true
	return nil
}

func (s *spyShield) Disengage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engaged = false
	return nil
}

func (s *spyShield) UpdatePayload(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = append([]byte(nil), raw...)
}

func (s *spyShield) isEngaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engaged
}

func (s *spyShield) lastPayload() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.payload...)
}

var _ = Describe("Coordinator and agent over a shared bus", func() {
	var (
		tmpDir  string
		clock   *sharedClock
		coord   *coordinator.Coordinator
		sched   *infra.TimerScheduler
		shield  *spyShield
		reactor *agent.Reactor
		ctx     context.Context
	)

	// buildCoordinator assembles the coordinator side over the bus
	// directory, the same way the daemon does. Called again mid-test to
	// simulate a coordinator restart over the same persisted state.
	buildCoordinator := func() *coordinator.Coordinator {
		logger := zap.NewNop()

		stateKV, err := infra.NewFileKVStore(filepath.Join(tmpDir, "state"))
		Expect(err).NotTo(HaveOccurred())
		busKV, err := infra.NewFileKVStore(filepath.Join(tmpDir, "bus"))
		Expect(err).NotTo(HaveOccurred())

		bus := statebus.NewKVBus(busKV, logger)
		calc := credit.NewCalculator(1000, 10)
		ledger := credit.NewLedger(stateKV, calc, clock, logger)
		schedStore := schedule.NewStore(stateKV, logger)

		return coordinator.New(ledger, schedStore, sched, bus, stateKV, nil,
			clock, logger, coordinator.Options{
				ShieldPayload: infra.EncodeShieldPayload([]string{"steam"}),
			})
	}

	// buildReactor assembles the agent side with its own bus handle over
	// the same directory, the way the separate agent process would.
	buildReactor := func() *agent.Reactor {
		logger := zap.NewNop()

		busKV, err := infra.NewFileKVStore(filepath.Join(tmpDir, "bus"))
		Expect(err).NotTo(HaveOccurred())

		r := agent.New(statebus.NewKVBus(busKV, logger), shield, clock,
			logger, time.Second, nil)
		r.SetPayloadSink(shield)
		return r
	}

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		clock = &sharedClock{now: anchor}
		shield = &spyShield{}
		sched = infra.NewTimerScheduler(zap.NewNop())
		ctx = context.Background()

		coord = buildCoordinator()
		reactor = buildReactor()
	})

	AfterEach(func() {
		sched.Close()
	})

	Describe("schedule enforcement", func() {
		Context("inside the blocking window with no credits spent", func() {
			It("engages the shield on the agent side", func() {
				coord.EvaluateScheduleNow()
				reactor.Reconcile(ctx)

				Expect(shield.isEngaged()).To(BeTrue())
				Expect(coord.IsBlocking()).To(BeTrue())
			})

			It("replicates the shield payload to the agent", func() {
				coord.EvaluateScheduleNow()
				reactor.Reconcile(ctx)

				Expect(string(shield.lastPayload())).To(ContainSubstring("steam"))
			})
		})

		Context("outside the blocking window", func() {
			It("disengages the shield", func() {
				clock.Advance(12 * time.Hour) // 22:00, past window end
				coord.EvaluateScheduleNow()
				reactor.Reconcile(ctx)

				Expect(shield.isEngaged()).To(BeFalse())
			})
		})
	})

	Describe("buying screen time with steps", func() {
		BeforeEach(func() {
			coord.EvaluateScheduleNow()
			reactor.Reconcile(ctx)
			Expect(shield.isEngaged()).To(BeTrue())

			snap, err := coord.SyncSteps(3200)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.CreditsAvailable).To(Equal(32))
		})

		It("lifts the shield for the purchased duration", func() {
			Expect(coord.SpendAndUnlock(20)).To(Succeed())
			reactor.Reconcile(ctx)

			Expect(shield.isEngaged()).To(BeFalse())
			Expect(coord.RemainingMinutes()).To(Equal(20))
		})

		It("re-engages on the agent side once the session expires, even without the coordinator", func() {
			Expect(coord.SpendAndUnlock(20)).To(Succeed())
			reactor.Reconcile(ctx)
			Expect(shield.isEngaged()).To(BeFalse())

			// The coordinator does nothing here: the agent alone notices
			// the replicated absolute expiry has passed.
			clock.Advance(21 * time.Minute)
			reactor.Reconcile(ctx)

			Expect(shield.isEngaged()).To(BeTrue())
		})

		It("refunds the unused remainder when re-engaging early", func() {
			Expect(coord.SpendAndUnlock(20)).To(Succeed())

			clock.Advance(5*time.Minute + 30*time.Second)
			coord.ReengageNow()
			reactor.Reconcile(ctx)

			Expect(shield.isEngaged()).To(BeTrue())
			// 14.5 minutes remained, refunded as 15; 32 - 20 + 15 = 27.
			Expect(coord.Ledger().CreditsAvailable).To(Equal(27))
		})

		It("rejects a spend beyond the day's balance without touching the shield", func() {
			Expect(coord.SpendAndUnlock(20)).To(Succeed())
			reactor.Reconcile(ctx)

			err := coord.SpendAndUnlock(13)
			var insufficient *domain.InsufficientCreditsError
			Expect(err).To(HaveOccurred())
			Expect(errors.As(err, &insufficient)).To(BeTrue())
			Expect(insufficient.Available).To(Equal(12))

			reactor.Reconcile(ctx)
			Expect(shield.isEngaged()).To(BeFalse()) // first session still live
		})
	})

	Describe("coordinator restart", func() {
		It("collapses a stale persisted session to blocked with no refund", func() {
			coord.EvaluateScheduleNow()
			_, err := coord.SyncSteps(3200)
			Expect(err).NotTo(HaveOccurred())
			Expect(coord.SpendAndUnlock(20)).To(Succeed())

			// Crash: no expiry handling ran. Time passes, new process starts.
			clock.Advance(30 * time.Minute)
			restarted := buildCoordinator()
			restarted.EvaluateScheduleNow()
			reactor.Reconcile(ctx)

			Expect(restarted.IsBlocking()).To(BeTrue())
			Expect(restarted.IsInManualSession()).To(BeFalse())
			Expect(shield.isEngaged()).To(BeTrue())
			// Natural expiry: the 20 spent minutes stay spent.
			Expect(restarted.Ledger().CreditsAvailable).To(Equal(12))
		})
	})

	Describe("agent conservatism", func() {
		It("engages when no replica was ever published", func() {
			// Fresh bus directory, nothing published yet.
			reactor.Reconcile(ctx)
			Expect(shield.isEngaged()).To(BeTrue())
		})

		It("overrides a stale pre-window replica with its own schedule check", func() {
			clock.Advance(-2 * time.Hour) // 08:00, before the window
			coord.EvaluateScheduleNow()
			reactor.Reconcile(ctx)
			Expect(shield.isEngaged()).To(BeFalse())

			// Coordinator dies; the window opens with only the old replica.
			clock.Advance(2 * time.Hour)
			reactor.Reconcile(ctx)
			Expect(shield.isEngaged()).To(BeTrue())
		})
	})
})
