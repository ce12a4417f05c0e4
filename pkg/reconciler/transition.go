package reconciler

import (
	"errors"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/stats"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
)

// ErrUnknownRule is returned when a record would have to be created for a
// source bucket without an enabled rule
var ErrUnknownRule = errors.New("no enabled rule for source bucket")

// ErrUnknownSignal is returned for a signal type the state machine does not handle
var ErrUnknownSignal = errors.New("unknown signal type")

// Transition is the outcome of applying a signal to a record
type Transition struct {
	// Next is the record to write, nil when nothing changes
	Next *types.ReplicationRecord

	// Alarm is set when Next entered FAILED or TIMED_OUT
	Alarm *types.AlarmEvent
}

// Changed reports whether the transition writes anything
func (t Transition) Changed() bool { return t.Next != nil }

// Apply computes the effect of sig on current, which is nil when no record
// exists. rule is only consulted when a record has to be created. Terminal
// records never change, and a created signal for an existing record is a
// replay.
func Apply(current *types.ReplicationRecord, sig types.Signal, rule *types.ReplicationRule, now time.Time) (Transition, error) {
	switch sig.Type {
	case types.SignalObjectCreated, types.SignalObjectReplicated, types.SignalReplicationFailed:
	default:
		return Transition{}, ErrUnknownSignal
	}

	if current == nil {
		if rule == nil || !rule.Enabled {
			return Transition{}, ErrUnknownRule
		}
		return create(sig, rule, now), nil
	}

	if current.Status != types.StatusPending {
		return Transition{}, nil
	}

	switch sig.Type {
	case types.SignalObjectReplicated:
		next := current.Clone()
		complete(next, sig, now)
		return Transition{Next: next}, nil

	case types.SignalReplicationFailed:
		next := current.Clone()
		fail(next, sig, now)
		return Transition{Next: next, Alarm: newAlarm(next, types.ReasonFailed, now)}, nil
	}
	return Transition{}, nil
}

// Timeout moves a PENDING record whose deadline has passed to TIMED_OUT
func Timeout(current *types.ReplicationRecord, now time.Time) Transition {
	if current == nil || current.Status != types.StatusPending || !now.After(current.Deadline) {
		return Transition{}
	}
	next := current.Clone()
	next.Status = types.StatusTimedOut
	next.TerminalAt = now
	next.LastUpdatedAt = now
	return Transition{Next: next, Alarm: newAlarm(next, types.ReasonTimeout, now)}
}

func create(sig types.Signal, rule *types.ReplicationRule, now time.Time) Transition {
	created := sig.Timestamp
	if created.IsZero() {
		created = now
	}
	record := &types.ReplicationRecord{
		Key:               sig.Key.Normalized(),
		Status:            types.StatusPending,
		CreatedAt:         created,
		LastUpdatedAt:     now,
		Deadline:          created.Add(rule.SLAWindow),
		SourceRegion:      sig.SourceRegion,
		DestinationRegion: sig.DestinationRegion,
		DestinationBucket: rule.DestinationBucket,
		RuleID:            rule.ID,
		RuleRevision:      rule.Revision,
		ObjectSize:        sig.ObjectSize,
	}

	// replicated or failed observed before created
	switch sig.Type {
	case types.SignalObjectReplicated:
		complete(record, sig, now)
	case types.SignalReplicationFailed:
		fail(record, sig, now)
		return Transition{Next: record, Alarm: newAlarm(record, types.ReasonFailed, now)}
	}
	return Transition{Next: record}
}

func complete(r *types.ReplicationRecord, sig types.Signal, now time.Time) {
	r.Status = types.StatusReplicated
	r.TerminalAt = eventTime(sig, now)
	r.LastUpdatedAt = now
	if sig.ObjectSize > r.ObjectSize {
		r.ObjectSize = sig.ObjectSize
	}
	if r.DestinationRegion == "" {
		r.DestinationRegion = sig.DestinationRegion
	}
	elapsed := int64(r.TerminalAt.Sub(r.CreatedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	r.ElapsedSeconds = elapsed
	r.RateBitsPerSecond = stats.Rate(r.ObjectSize, elapsed)
}

func fail(r *types.ReplicationRecord, sig types.Signal, now time.Time) {
	r.Status = types.StatusFailed
	r.TerminalAt = eventTime(sig, now)
	r.LastUpdatedAt = now
	if r.DestinationRegion == "" {
		r.DestinationRegion = sig.DestinationRegion
	}
}

func eventTime(sig types.Signal, now time.Time) time.Time {
	if sig.Timestamp.IsZero() {
		return now
	}
	return sig.Timestamp
}

func newAlarm(r *types.ReplicationRecord, reason types.AlarmReason, now time.Time) *types.AlarmEvent {
	return &types.AlarmEvent{
		IdempotencyKey: types.AlarmIdempotencyKey(r.Key, r.Status),
		Record:         *r,
		Reason:         reason,
		DetectedAt:     now,
	}
}
