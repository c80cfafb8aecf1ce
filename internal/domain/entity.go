// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// LedgerDateFormat is the identity key format for a DailyLedger.
const LedgerDateFormat = "2006-01-02"

// DailyLedger is the per-day record of earned vs. spent credits.
// Identity is the normalized start-of-day date. StepsSynced is the last
// known absolute daily total, not an increment.
type DailyLedger struct {
	Date         string `json:"date"`
	StepsSynced  int    `json:"steps_synced"`
	CreditsSpent int    `json:"credits_spent"`
}

// SessionMode identifies the coordinator's authoritative state.
type SessionMode string

const (
	// ModeScheduledBlocked: shield engaged per schedule (or conservatively).
	ModeScheduledBlocked SessionMode = "scheduled_blocked"
	// ModeScheduledUnblocked: shield disengaged, no countdown armed.
	ModeScheduledUnblocked SessionMode = "scheduled_unblocked"
	// ModeManualSession: shield disengaged with an armed countdown,
	// purchased with credits. Always overrides the schedule until it ends.
	ModeManualSession SessionMode = "manual_session"
)

// SessionState is the persisted coordinator state.
// The manual fields are only meaningful in ModeManualSession. Remaining time
// is always recomputed from the absolute SessionExpiresAt timestamp, never
// from a decrementing counter.
type SessionState struct {
	Mode                  SessionMode `json:"mode"`
	SessionID             string      `json:"session_id,omitempty"`
	ManualDurationMinutes int         `json:"manual_duration_minutes,omitempty"`
	SessionStartedAt      time.Time   `json:"session_started_at,omitempty"`
	SessionExpiresAt      time.Time   `json:"session_expires_at,omitempty"`
}

// ManualSessionLive reports whether a manual session is active at t.
func (s SessionState) ManualSessionLive(t time.Time) bool {
	return s.Mode == ModeManualSession && t.Before(s.SessionExpiresAt)
}

// ScheduleConfig is the recurring time-of-day/day-of-week window during
// which blocking is the default state. Same-day range: [start, end).
type ScheduleConfig struct {
	StartHour   int            `json:"start_hour"`
	StartMinute int            `json:"start_minute"`
	EndHour     int            `json:"end_hour"`
	EndMinute   int            `json:"end_minute"`
	ActiveDays  []time.Weekday `json:"active_days"`
}

// ActiveAt reports whether t falls inside the blocking window.
// An empty ActiveDays set or a degenerate range (end <= start) means the
// schedule is never active; the configuring layer is expected to prevent
// that, but we tolerate it.
func (c ScheduleConfig) ActiveAt(t time.Time) bool {
	if !c.dayActive(t.Weekday()) {
		return false
	}
	start := c.StartHour*60 + c.StartMinute
	end := c.EndHour*60 + c.EndMinute
	if end <= start {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= start && minute < end
}

func (c ScheduleConfig) dayActive(d time.Weekday) bool {
	for _, day := range c.ActiveDays {
		if day == d {
			return true
		}
	}
	return false
}

// SharedReplica is the denormalized StateBus payload. It is written
// field-by-field on every coordinator transition and read-only from the
// enforcement agent's perspective. ShieldPayload is an opaque blob
// (the selection-to-shield mapping) that this core never interprets.
type SharedReplica struct {
	ShieldPayload         []byte
	Schedule              ScheduleConfig
	IsBlocking            bool
	Mode                  SessionMode
	SessionStartedAt      time.Time
	SessionExpiresAt      time.Time
	ManualDurationMinutes int
	PublishedAt           time.Time
}

// UnlockHistoryEntry is one append-only record of a purchased unlock.
// Write-only from the coordinator's perspective; never read back by the
// state machine.
type UnlockHistoryEntry struct {
	ID              string
	Timestamp       time.Time
	DurationMinutes int
	CostInMinutes   int
	AppLabel        string
}

// ProcessRole identifies one of the two cooperating processes.
type ProcessRole string

const (
	RoleCoordinator ProcessRole = "coordinator"
	RoleAgent       ProcessRole = "agent"
)

// ProcessInfo describes a running coordinator or agent process.
type ProcessInfo struct {
	PID        int
	Role       ProcessRole
	StartedAt  time.Time
	AppVersion string
}

// RegistryEntry stores the state of both processes for mutual discovery.
// Persisted to a shared file for cross-process liveness checks.
type RegistryEntry struct {
	Version        int    `json:"version"`
	CoordinatorPID int    `json:"coordinator_pid"`
	AgentPID       int    `json:"agent_pid"`
	LastHeartbeat  int64  `json:"last_heartbeat"`
	AppVersion     string `json:"app_version,omitempty"`
}

// SchedulerEventKind classifies Scheduler deliveries. The enforcement
// reactor only ever reacts to these kinds plus its own reconcile tick.
type SchedulerEventKind string

const (
	EventWindowOpen   SchedulerEventKind = "window_open"
	EventWindowClose  SchedulerEventKind = "window_close"
	EventOneShotFired SchedulerEventKind = "one_shot_fired"
)

// SchedulerEvent is delivered on the scheduler's event channel when a
// registered window opens/closes or a one-shot fires.
type SchedulerEvent struct {
	Kind SchedulerEventKind
	Name string
	At   time.Time
}
