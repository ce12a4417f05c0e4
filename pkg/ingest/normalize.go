package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/rules"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
)

// Discard reasons, used as the metric label and in ValidationError
const (
	ReasonUnknownType  = "unknown_type"
	ReasonMissingField = "missing_field"
	ReasonBadTimestamp = "bad_timestamp"
	ReasonUnknownRule  = "unknown_rule"
	ReasonRuleDisabled = "rule_disabled"
	ReasonMalformed    = "malformed"
)

// MaxClockSkew is how far in the future an event timestamp may lie
const MaxClockSkew = 15 * time.Minute

// ValidationError describes why a raw event was discarded
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event (%s): %s", e.Reason, e.Detail)
}

var eventTypeAliases = map[string]types.SignalType{
	"object-created":          types.SignalObjectCreated,
	"objectcreated":           types.SignalObjectCreated,
	"putobject":               types.SignalObjectCreated,
	"copyobject":              types.SignalObjectCreated,
	"completemultipartupload": types.SignalObjectCreated,

	"object-replicated": types.SignalObjectReplicated,
	"objectreplicated":  types.SignalObjectReplicated,
	"replica":           types.SignalObjectReplicated,
	"completed":         types.SignalObjectReplicated,

	"replication-failed": types.SignalReplicationFailed,
	"replicationfailed":  types.SignalReplicationFailed,
	"failed":             types.SignalReplicationFailed,
}

// ParseSignalType maps an external event type or one of its aliases to
// a signal type. Matching ignores case.
func ParseSignalType(eventType string) (types.SignalType, bool) {
	t, ok := eventTypeAliases[strings.ToLower(strings.TrimSpace(eventType))]
	return t, ok
}

// Normalize validates a raw event and binds it to the rule monitoring its
// source bucket. Created events for a disabled rule are rejected.
func Normalize(raw types.RawEvent, snap *rules.Snapshot, now time.Time) (types.Signal, error) {
	sigType, ok := ParseSignalType(raw.EventType)
	if !ok {
		return types.Signal{}, &ValidationError{Reason: ReasonUnknownType, Detail: fmt.Sprintf("event type %q", raw.EventType)}
	}

	switch {
	case raw.SourceBucket == "":
		return types.Signal{}, &ValidationError{Reason: ReasonMissingField, Detail: "sourceBucket is required"}
	case raw.ObjectKey == "":
		return types.Signal{}, &ValidationError{Reason: ReasonMissingField, Detail: "objectKey is required"}
	case raw.ObjectSize < 0:
		return types.Signal{}, &ValidationError{Reason: ReasonMalformed, Detail: "objectSize must not be negative"}
	}

	if raw.Timestamp.IsZero() {
		return types.Signal{}, &ValidationError{Reason: ReasonBadTimestamp, Detail: "timestamp is required"}
	}
	if raw.Timestamp.After(now.Add(MaxClockSkew)) {
		return types.Signal{}, &ValidationError{Reason: ReasonBadTimestamp, Detail: fmt.Sprintf("timestamp %s is in the future", raw.Timestamp.Format(time.RFC3339))}
	}

	rule, ok := snap.ForSource(raw.SourceBucket)
	if !ok {
		return types.Signal{}, &ValidationError{Reason: ReasonUnknownRule, Detail: fmt.Sprintf("no rule for source bucket %q", raw.SourceBucket)}
	}
	// a disabled rule stops new records only; completions of records
	// created before it was disabled still apply
	if !rule.Enabled && sigType == types.SignalObjectCreated {
		return types.Signal{}, &ValidationError{Reason: ReasonRuleDisabled, Detail: fmt.Sprintf("rule %s is disabled", rule.ID)}
	}

	key := types.RecordKey{
		SourceBucket: raw.SourceBucket,
		ObjectKey:    raw.ObjectKey,
		VersionID:    raw.VersionID,
	}
	return types.Signal{
		Type:              sigType,
		Key:               key.Normalized(),
		SourceRegion:      raw.SourceRegion,
		DestinationRegion: raw.DestinationRegion,
		Timestamp:         raw.Timestamp.UTC(),
		ObjectSize:        raw.ObjectSize,
		RuleID:            rule.ID,
		ReceivedAt:        now,
	}, nil
}
