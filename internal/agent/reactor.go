// Package agent implements the out-of-process enforcement reactor. It
// never mutates coordinator state: it reads the replicated snapshot from
// the state bus, re-derives whether the shield should be on, and drives the
// shield controller. Holding only a replica, it keeps enforcing even when
// the coordinator process is down.
package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/domain"
	"github.com/stridegate/stridegate/internal/metrics"
)

// DefaultReconcileInterval paces the periodic re-derivation. Scheduler
// events only make reaction faster; correctness rests on this tick.
const DefaultReconcileInterval = 5 * time.Second

// Reactor drives the shield from replicated state.
type Reactor struct {
	bus      domain.StateBus
	shield   domain.ShieldController
	clock    domain.Clock
	logger   *zap.Logger
	interval time.Duration
	events   <-chan domain.SchedulerEvent

	engaged *bool // last applied decision, nil before the first one
	sink    PayloadSink
}

// PayloadSink receives each snapshot's replicated shield payload.
type PayloadSink interface {
	UpdatePayload(raw []byte)
}

// New creates a reactor. events may be nil; the reactor then relies on the
// reconcile tick alone.
func New(
	bus domain.StateBus,
	shield domain.ShieldController,
	clock domain.Clock,
	logger *zap.Logger,
	interval time.Duration,
	events <-chan domain.SchedulerEvent,
) *Reactor {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reactor{
		bus:      bus,
		shield:   shield,
		clock:    clock,
		logger:   logger,
		interval: interval,
		events:   events,
	}
}

// SetPayloadSink forwards each snapshot's shield payload to sink before
// deriving. Lets the shield track coordinator-side selection changes.
func (r *Reactor) SetPayloadSink(sink PayloadSink) {
	r.sink = sink
}

// Run reconciles immediately, then on every tick and scheduler event until
// ctx is canceled.
func (r *Reactor) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("enforcement reactor started",
		zap.Duration("reconcile_interval", r.interval))

	r.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("enforcement reactor stopping")
			return ctx.Err()
		case <-ticker.C:
			r.Reconcile(ctx)
		case ev, ok := <-r.events:
			if !ok {
				r.events = nil
				continue
			}
			r.logger.Debug("scheduler event",
				zap.String("kind", string(ev.Kind)),
				zap.String("name", ev.Name))
			r.Reconcile(ctx)
		}
	}
}

// Reconcile reads the snapshot, derives the decision and applies it. The
// apply is repeated every call even when unchanged; the shield contract is
// idempotent and self-healing re-application is the point.
func (r *Reactor) Reconcile(ctx context.Context) {
	want := r.derive()

	var err error
	if want {
		err = r.shield.Engage(ctx)
	} else {
		err = r.shield.Disengage(ctx)
	}
	if err != nil {
		r.logger.Error("shield apply failed",
			zap.Bool("engage", want),
			zap.Error(err))
		return
	}

	if r.engaged == nil || *r.engaged != want {
		r.logger.Info("shield state changed", zap.Bool("engaged", want))
		if want {
			metrics.ShieldEngagementsTotal.Inc()
		}
	}
	r.engaged = &want
}

// derive answers "should the shield be on right now" from the replica
// alone. Every ambiguity resolves toward blocking: an unreadable snapshot
// blocks, and a manual session only suppresses the shield while its
// absolute expiry is still in the future.
func (r *Reactor) derive() bool {
	replica, err := r.bus.Snapshot()
	if err != nil {
		r.logger.Warn("state snapshot unavailable, engaging shield", zap.Error(err))
		return true
	}

	if r.sink != nil {
		r.sink.UpdatePayload(replica.ShieldPayload)
	}

	now := r.clock.Now()
	if replica.Mode == domain.ModeManualSession && now.Before(replica.SessionExpiresAt) {
		return false
	}

	// A stale IsBlocking=false from before an expiry is overridden by the
	// schedule; either signal alone is enough to block.
	return replica.IsBlocking || replica.Schedule.ActiveAt(now)
}
