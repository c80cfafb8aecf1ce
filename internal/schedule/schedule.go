// Package schedule evaluates and persists the recurring blocking window.
package schedule

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/domain"
)

// ConfigKey is the persisted slot for the schedule configuration.
const ConfigKey = "stridegate:v1:schedule"

// DefaultConfig is the 09:00-21:00 every-day window used at first run and
// whenever persisted data is corrupt.
func DefaultConfig() domain.ScheduleConfig {
	return domain.ScheduleConfig{
		StartHour: 9,
		EndHour:   21,
		ActiveDays: []time.Weekday{
			time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		},
	}
}

// Store persists the schedule configuration. Config is replaced wholesale
// on edit; corrupt or missing data falls back to the defaults and is never
// surfaced as an error.
type Store struct {
	kv     domain.KeyValueStore
	logger *zap.Logger
}

// NewStore creates a schedule store.
func NewStore(kv domain.KeyValueStore, logger *zap.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Load returns the persisted schedule, or the defaults.
func (s *Store) Load() domain.ScheduleConfig {
	data, err := s.kv.Get(ConfigKey)
	if err != nil {
		return DefaultConfig()
	}

	var cfg domain.ScheduleConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.logger.Warn("corrupt schedule payload, using defaults", zap.Error(err))
		return DefaultConfig()
	}
	return cfg
}

// Save replaces the persisted schedule.
func (s *Store) Save(cfg domain.ScheduleConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.kv.Set(ConfigKey, data)
}

// Boundary is the next instant at which the window's active state flips.
type Boundary struct {
	At      time.Time
	Opening bool // true: window opens (blocking resumes); false: it closes
}

// NextBoundary returns the next open/close instant strictly after now.
// Returns ok=false for a degenerate config that is never active.
func NextBoundary(cfg domain.ScheduleConfig, now time.Time) (Boundary, bool) {
	start := cfg.StartHour*60 + cfg.StartMinute
	end := cfg.EndHour*60 + cfg.EndMinute
	if end <= start || len(cfg.ActiveDays) == 0 {
		return Boundary{}, false
	}

	// Walk at most a week of candidate edges.
	for offset := 0; offset <= 7; offset++ {
		day := now.AddDate(0, 0, offset)
		if !dayActive(cfg, day.Weekday()) {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(),
			cfg.StartHour, cfg.StartMinute, 0, 0, now.Location())
		close := time.Date(day.Year(), day.Month(), day.Day(),
			cfg.EndHour, cfg.EndMinute, 0, 0, now.Location())

		if open.After(now) {
			return Boundary{At: open, Opening: true}, true
		}
		if close.After(now) {
			return Boundary{At: close, Opening: false}, true
		}
	}
	return Boundary{}, false
}

func dayActive(cfg domain.ScheduleConfig, d time.Weekday) bool {
	for _, day := range cfg.ActiveDays {
		if day == d {
			return true
		}
	}
	return false
}
