package infra

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/domain"
)

// ShieldPayload is the wire form of the selection-to-shield mapping. The
// coordinator replicates it as an opaque blob; only this layer parses it.
type ShieldPayload struct {
	Apps []string `json:"apps"`
}

// EncodeShieldPayload serializes the app patterns for replication.
func EncodeShieldPayload(apps []string) []byte {
	data, _ := json.Marshal(ShieldPayload{Apps: apps})
	return data
}

// ProcessShield implements domain.ShieldController by killing processes
// matching the blocked patterns. Engage is a sweep, not a latch: while
// blocking is in effect the agent reconciles repeatedly, so a relaunched
// process survives at most one reconcile interval.
type ProcessShield struct {
	mu             sync.Mutex
	processManager domain.ProcessManager
	patterns       []string
	logger         *zap.Logger
}

// NewProcessShield creates a shield over the given process name patterns.
func NewProcessShield(pm domain.ProcessManager, patterns []string, logger *zap.Logger) *ProcessShield {
	return &ProcessShield{
		processManager: pm,
		patterns:       patterns,
		logger:         logger,
	}
}

// UpdatePayload replaces the blocked patterns from a replicated payload.
// Unparsable payloads keep the previous patterns.
func (s *ProcessShield) UpdatePayload(raw []byte) {
	if len(raw) == 0 {
		return
	}

	var payload ShieldPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.logger.Warn("unparsable shield payload", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.patterns = payload.Apps
	s.mu.Unlock()
}

// Engage kills every process matching a blocked pattern. Idempotent: a
// clean sweep finds nothing and does nothing.
func (s *ProcessShield) Engage(ctx context.Context) error {
	s.mu.Lock()
	patterns := make([]string, len(s.patterns))
	copy(patterns, s.patterns)
	s.mu.Unlock()

	ownPID := s.processManager.GetCurrentPID()

	for _, pattern := range patterns {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pids, err := s.processManager.FindByName(pattern)
		if err != nil {
			s.logger.Warn("failed to find processes",
				zap.String("pattern", pattern),
				zap.Error(err))
			continue
		}

		for _, pid := range pids {
			if pid == ownPID {
				continue
			}
			if err := s.processManager.Kill(pid); err != nil {
				s.logger.Warn("failed to kill process",
					zap.Int("pid", pid),
					zap.Error(err))
				continue
			}
			s.logger.Info("killed blocked process",
				zap.Int("pid", pid),
				zap.String("pattern", pattern))
		}
	}
	return nil
}

// Disengage removes the shield. A kill-based shield has nothing to undo;
// the user simply relaunches their app.
func (s *ProcessShield) Disengage(ctx context.Context) error {
	return nil
}

var _ domain.ShieldController = (*ProcessShield)(nil)
