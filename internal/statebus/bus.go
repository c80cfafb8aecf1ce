// Package statebus replicates coordinator state to the out-of-process
// enforcement agent through a durable key/value channel. Each replica field
// lands under its own versioned key, so a reader racing a publish may see a
// torn snapshot; the agent derives its decision conservatively, so this is
// acceptable by contract.
package statebus

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/domain"
)

// Versioned bus keys. The agent's read contract depends on these names, not
// on the coordinator's internal representation; bump the version segment on
// any incompatible change.
const (
	KeyShieldPayload  = "stridegate:v1:bus:shield_payload"
	KeySchedule       = "stridegate:v1:bus:schedule"
	KeyIsBlocking     = "stridegate:v1:bus:is_blocking"
	KeyMode           = "stridegate:v1:bus:mode"
	KeySessionStart   = "stridegate:v1:bus:session_started_at"
	KeySessionExpires = "stridegate:v1:bus:session_expires_at"
	KeyManualDuration = "stridegate:v1:bus:manual_duration_minutes"
	KeyPublishedAt    = "stridegate:v1:bus:published_at"
)

// KVBus implements domain.StateBus over a KeyValueStore.
type KVBus struct {
	kv     domain.KeyValueStore
	logger *zap.Logger
}

// NewKVBus creates a bus over the given store.
func NewKVBus(kv domain.KeyValueStore, logger *zap.Logger) *KVBus {
	return &KVBus{kv: kv, logger: logger}
}

// Publish writes the snapshot field by field. Best-effort: every field is
// attempted even after a failure, and the first error is returned for
// logging by the caller. No transactional guarantee.
func (b *KVBus) Publish(replica domain.SharedReplica) error {
	scheduleJSON, err := json.Marshal(replica.Schedule)
	if err != nil {
		return err
	}

	writes := []struct {
		key   string
		value []byte
	}{
		{KeyShieldPayload, replica.ShieldPayload},
		{KeySchedule, scheduleJSON},
		{KeyIsBlocking, []byte(strconv.FormatBool(replica.IsBlocking))},
		{KeyMode, []byte(replica.Mode)},
		{KeySessionStart, marshalTime(replica.SessionStartedAt)},
		{KeySessionExpires, marshalTime(replica.SessionExpiresAt)},
		{KeyManualDuration, []byte(strconv.Itoa(replica.ManualDurationMinutes))},
		{KeyPublishedAt, marshalTime(replica.PublishedAt)},
	}

	var firstErr error
	for _, w := range writes {
		if err := b.kv.Set(w.key, w.value); err != nil {
			b.logger.Warn("state bus write failed",
				zap.String("key", w.key),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Snapshot reads the last published replica. Missing or unparsable fields
// degrade to zero values except is_blocking, which defaults to true: when
// in doubt the agent must block. Returns ErrKeyNotFound only when nothing
// has ever been published.
func (b *KVBus) Snapshot() (domain.SharedReplica, error) {
	publishedAt, err := b.kv.Get(KeyPublishedAt)
	if err != nil {
		return domain.SharedReplica{}, domain.ErrKeyNotFound
	}

	replica := domain.SharedReplica{
		IsBlocking:  true,
		PublishedAt: unmarshalTime(publishedAt),
	}

	if v, err := b.kv.Get(KeyShieldPayload); err == nil {
		replica.ShieldPayload = v
	}
	if v, err := b.kv.Get(KeySchedule); err == nil {
		var cfg domain.ScheduleConfig
		if err := json.Unmarshal(v, &cfg); err == nil {
			replica.Schedule = cfg
		}
	}
	if v, err := b.kv.Get(KeyIsBlocking); err == nil {
		if blocking, err := strconv.ParseBool(string(v)); err == nil {
			replica.IsBlocking = blocking
		}
	}
	if v, err := b.kv.Get(KeyMode); err == nil {
		replica.Mode = domain.SessionMode(v)
	}
	if v, err := b.kv.Get(KeySessionStart); err == nil {
		replica.SessionStartedAt = unmarshalTime(v)
	}
	if v, err := b.kv.Get(KeySessionExpires); err == nil {
		replica.SessionExpiresAt = unmarshalTime(v)
	}
	if v, err := b.kv.Get(KeyManualDuration); err == nil {
		if minutes, err := strconv.Atoi(string(v)); err == nil {
			replica.ManualDurationMinutes = minutes
		}
	}

	return replica, nil
}

func marshalTime(t time.Time) []byte {
	if t.IsZero() {
		return []byte{}
	}
	return []byte(t.Format(time.RFC3339Nano))
}

func unmarshalTime(data []byte) time.Time {
	if len(data) == 0 {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsNotPublished reports whether the error means no replica exists yet.
func IsNotPublished(err error) bool {
	return errors.Is(err, domain.ErrKeyNotFound)
}

var _ domain.StateBus = (*KVBus)(nil)
