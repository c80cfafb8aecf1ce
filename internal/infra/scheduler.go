package infra

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/domain"
	"github.com/stridegate/stridegate/internal/schedule"
)

const eventBufferSize = 16

// TimerScheduler implements domain.Scheduler on in-process timers. It
// stands in for a host timed-callback facility: one-shots fire via
// time.AfterFunc, recurring windows via a goroutine that walks the
// schedule's open/close boundaries. Registrations replace by name, so at
// most one countdown and one duty cycle is ever armed per name.
type TimerScheduler struct {
	mu     sync.Mutex
	logger *zap.Logger
	events chan domain.SchedulerEvent

	oneShots  map[string]*time.Timer
	recurring map[string]chan struct{}
	closed    bool
}

// NewTimerScheduler creates a scheduler.
func NewTimerScheduler(logger *zap.Logger) *TimerScheduler {
	return &TimerScheduler{
		logger:    logger,
		events:    make(chan domain.SchedulerEvent, eventBufferSize),
		oneShots:  make(map[string]*time.Timer),
		recurring: make(map[string]chan struct{}),
	}
}

// Events delivers fired registrations. Consumers treat deliveries as
// hints and re-derive state themselves; a dropped event is recovered by
// their reconcile tick.
func (s *TimerScheduler) Events() <-chan domain.SchedulerEvent {
	return s.events
}

// RegisterOnce arms a single delivery at fireAt, replacing any prior
// one-shot under the same name. A fireAt in the past fires immediately.
func (s *TimerScheduler) RegisterOnce(name string, fireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scheduler closed")
	}

	if prior, ok := s.oneShots[name]; ok {
		prior.Stop()
	}

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	s.oneShots[name] = time.AfterFunc(delay, func() {
		s.emit(domain.SchedulerEvent{
			Kind: domain.EventOneShotFired,
			Name: name,
			At:   fireAt,
		})
	})

	s.logger.Debug("one-shot armed",
		zap.String("name", name),
		zap.Time("fire_at", fireAt))
	return nil
}

// RegisterRecurring arms window open/close deliveries for the config,
// replacing any prior registration under the same name.
func (s *TimerScheduler) RegisterRecurring(name string, cfg domain.ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scheduler closed")
	}

	if prior, ok := s.recurring[name]; ok {
		close(prior)
	}

	stop := make(chan struct{})
	s.recurring[name] = stop
	go s.runRecurring(name, cfg, stop)

	s.logger.Debug("recurring window armed", zap.String("name", name))
	return nil
}

// Cancel disarms the named registration. Unknown names are a no-op.
func (s *TimerScheduler) Cancel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.oneShots[name]; ok {
		timer.Stop()
		delete(s.oneShots, name)
	}
	if stop, ok := s.recurring[name]; ok {
		close(stop)
		delete(s.recurring, name)
	}
	return nil
}

// Close disarms everything and closes the event channel.
func (s *TimerScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	for name, timer := range s.oneShots {
		timer.Stop()
		delete(s.oneShots, name)
	}
	for name, stop := range s.recurring {
		close(stop)
		delete(s.recurring, name)
	}
	close(s.events)
}

// runRecurring walks the schedule's boundaries, emitting an event at each
// open/close instant until stopped.
func (s *TimerScheduler) runRecurring(name string, cfg domain.ScheduleConfig, stop <-chan struct{}) {
	for {
		boundary, ok := schedule.NextBoundary(cfg, time.Now())
		if !ok {
			// Degenerate config, nothing to fire.
			return
		}

		timer := time.NewTimer(time.Until(boundary.At))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		kind := domain.EventWindowClose
		if boundary.Opening {
			kind = domain.EventWindowOpen
		}
		s.emit(domain.SchedulerEvent{Kind: kind, Name: name, At: boundary.At})
	}
}

// emit delivers without blocking. Timer callbacks must never wedge on a
// slow consumer; consumers recover dropped events on their next tick.
func (s *TimerScheduler) emit(ev domain.SchedulerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warn("scheduler event dropped",
			zap.String("kind", string(ev.Kind)),
			zap.String("name", ev.Name))
	}
}

var _ domain.Scheduler = (*TimerScheduler)(nil)
