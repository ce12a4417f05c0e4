package types

import (
	"fmt"
	"strings"
	"time"
)

// RecordStatus represents the replication state of a single object version
type RecordStatus string

const (
	StatusPending    RecordStatus = "PENDING"
	StatusReplicated RecordStatus = "REPLICATED"
	StatusFailed     RecordStatus = "FAILED"
	StatusTimedOut   RecordStatus = "TIMED_OUT"
)

// IsTerminal reports whether no further transition is legal from s
func (s RecordStatus) IsTerminal() bool {
	switch s {
	case StatusReplicated, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses
func (s RecordStatus) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// NullVersion is used for objects written to unversioned buckets
const NullVersion = "null"

// RecordKey identifies one replicated object version
type RecordKey struct {
	SourceBucket string `json:"sourceBucket" cbor:"1,keyasint"`
	ObjectKey    string `json:"objectKey" cbor:"2,keyasint"`
	VersionID    string `json:"versionId" cbor:"3,keyasint"`
}

// String returns the canonical bucket/key@version form
func (k RecordKey) String() string {
	version := k.VersionID
	if version == "" {
		version = NullVersion
	}
	return k.SourceBucket + "/" + k.ObjectKey + "@" + version
}

// ParseRecordKey parses the bucket/key@version form produced by String
func ParseRecordKey(s string) (RecordKey, error) {
	slash := strings.Index(s, "/")
	at := strings.LastIndex(s, "@")
	if slash <= 0 || at <= slash+1 || at == len(s)-1 {
		return RecordKey{}, fmt.Errorf("invalid record key %q: want bucket/key@version", s)
	}
	return RecordKey{
		SourceBucket: s[:slash],
		ObjectKey:    s[slash+1 : at],
		VersionID:    s[at+1:],
	}, nil
}

// Normalized returns the key with an empty version replaced by NullVersion
func (k RecordKey) Normalized() RecordKey {
	if k.VersionID == "" {
		k.VersionID = NullVersion
	}
	return k
}

// ReplicationRecord tracks the replication of one object version
type ReplicationRecord struct {
	Key               RecordKey    `json:"key" cbor:"1,keyasint"`
	Status            RecordStatus `json:"status" cbor:"2,keyasint"`
	CreatedAt         time.Time    `json:"createdAt" cbor:"3,keyasint"`
	LastUpdatedAt     time.Time    `json:"lastUpdatedAt" cbor:"4,keyasint"`
	Deadline          time.Time    `json:"deadline" cbor:"5,keyasint"`
	TerminalAt        time.Time    `json:"terminalAt,omitempty" cbor:"6,keyasint,omitempty"`
	SourceRegion      string       `json:"sourceRegion" cbor:"7,keyasint"`
	DestinationRegion string       `json:"destinationRegion" cbor:"8,keyasint"`
	DestinationBucket string       `json:"destinationBucket,omitempty" cbor:"9,keyasint,omitempty"`
	RuleID            string       `json:"ruleId" cbor:"10,keyasint"`
	RuleRevision      uint64       `json:"ruleRevision" cbor:"11,keyasint"`
	RetryCount        int          `json:"retryCount" cbor:"12,keyasint"`
	ObjectSize        int64        `json:"objectSize,omitempty" cbor:"13,keyasint,omitempty"`
	ElapsedSeconds    int64        `json:"elapsedSeconds,omitempty" cbor:"14,keyasint,omitempty"`
	RateBitsPerSecond float64      `json:"rateBitsPerSecond,omitempty" cbor:"15,keyasint,omitempty"`

	// Version is the store revision the record was read at. Zero means
	// the record has never been written.
	Version uint64 `json:"version" cbor:"16,keyasint"`
}

// Clone returns a copy of the record
func (r *ReplicationRecord) Clone() *ReplicationRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// ReplicationRule describes a monitored bucket pair
type ReplicationRule struct {
	ID                string        `json:"id" yaml:"id" cbor:"1,keyasint"`
	SourceBucket      string        `json:"sourceBucket" yaml:"sourceBucket" cbor:"2,keyasint"`
	DestinationBucket string        `json:"destinationBucket" yaml:"destinationBucket" cbor:"3,keyasint"`
	SLAWindow         time.Duration `json:"slaWindow" yaml:"slaWindow" cbor:"4,keyasint"`
	Enabled           bool          `json:"enabled" yaml:"enabled" cbor:"5,keyasint"`
	Revision          uint64        `json:"revision" yaml:"revision" cbor:"6,keyasint"`
	CreatedAt         time.Time     `json:"createdAt" yaml:"createdAt" cbor:"7,keyasint"`
	UpdatedAt         time.Time     `json:"updatedAt" yaml:"updatedAt" cbor:"8,keyasint"`
}

// SignalType is the normalized kind of a replication event
type SignalType string

const (
	SignalObjectCreated     SignalType = "object-created"
	SignalObjectReplicated  SignalType = "object-replicated"
	SignalReplicationFailed SignalType = "replication-failed"
)

// RawEvent is an event as delivered by the external audit/event log
type RawEvent struct {
	EventType         string    `json:"eventType"`
	SourceBucket      string    `json:"sourceBucket"`
	ObjectKey         string    `json:"objectKey"`
	VersionID         string    `json:"versionId"`
	SourceRegion      string    `json:"sourceRegion"`
	DestinationRegion string    `json:"destinationRegion"`
	Timestamp         time.Time `json:"timestamp"`
	ObjectSize        int64     `json:"objectSize,omitempty"`
}

// Signal is a validated, normalized event bound to a rule
type Signal struct {
	Type              SignalType `json:"type" cbor:"1,keyasint"`
	Key               RecordKey  `json:"key" cbor:"2,keyasint"`
	SourceRegion      string     `json:"sourceRegion" cbor:"3,keyasint"`
	DestinationRegion string     `json:"destinationRegion" cbor:"4,keyasint"`
	Timestamp         time.Time  `json:"timestamp" cbor:"5,keyasint"`
	ObjectSize        int64      `json:"objectSize,omitempty" cbor:"6,keyasint,omitempty"`
	RuleID            string     `json:"ruleId" cbor:"7,keyasint"`
	ReceivedAt        time.Time  `json:"receivedAt" cbor:"8,keyasint"`
}

// AlarmReason explains why an alarm was raised
type AlarmReason string

const (
	ReasonFailed  AlarmReason = "failed"
	ReasonTimeout AlarmReason = "timeout"
)

// AlarmEvent is raised once per record transition into FAILED or TIMED_OUT
type AlarmEvent struct {
	IdempotencyKey string            `json:"idempotencyKey" cbor:"1,keyasint"`
	Record         ReplicationRecord `json:"record" cbor:"2,keyasint"`
	Reason         AlarmReason       `json:"reason" cbor:"3,keyasint"`
	DetectedAt     time.Time         `json:"detectedAt" cbor:"4,keyasint"`

	// Delivery bookkeeping for the pending-alarm backlog
	Attempts      int       `json:"attempts" cbor:"5,keyasint"`
	LastError     string    `json:"lastError,omitempty" cbor:"6,keyasint,omitempty"`
	LastAttemptAt time.Time `json:"lastAttemptAt,omitempty" cbor:"7,keyasint,omitempty"`
	// Channels that already accepted the alarm
	Delivered []string `json:"delivered,omitempty" cbor:"8,keyasint,omitempty"`
}

// Clone returns a deep copy of the alarm
func (a *AlarmEvent) Clone() *AlarmEvent {
	if a == nil {
		return nil
	}
	c := *a
	c.Delivered = append([]string(nil), a.Delivered...)
	return &c
}

// AlarmIdempotencyKey identifies the single alarm a record may raise for
// a given terminal status
func AlarmIdempotencyKey(key RecordKey, status RecordStatus) string {
	return key.Normalized().String() + "#" + string(status)
}

// OutboundAlarm is the payload delivered to the notification channel
type OutboundAlarm struct {
	RecordKey  string       `json:"recordKey"`
	RuleID     string       `json:"ruleId"`
	Status     RecordStatus `json:"status"`
	Reason     AlarmReason  `json:"reason"`
	DetectedAt time.Time    `json:"detectedAt"`
}

// Outbound converts the alarm into its external payload
func (a *AlarmEvent) Outbound() OutboundAlarm {
	return OutboundAlarm{
		RecordKey:  a.Record.Key.String(),
		RuleID:     a.Record.RuleID,
		Status:     a.Record.Status,
		Reason:     a.Reason,
		DetectedAt: a.DetectedAt,
	}
}

// DeadLetter holds a signal that could not be applied after exhausting retries
type DeadLetter struct {
	ID       string    `json:"id" cbor:"1,keyasint"`
	Signal   Signal    `json:"signal" cbor:"2,keyasint"`
	Error    string    `json:"error" cbor:"3,keyasint"`
	Attempts int       `json:"attempts" cbor:"4,keyasint"`
	FailedAt time.Time `json:"failedAt" cbor:"5,keyasint"`
}

// FailedDestination is the destination label used for failure statistics
const FailedDestination = "FAILED"

// StatBucket aggregates replication statistics for one pair and time window
type StatBucket struct {
	SourceBucket      string    `json:"sourceBucket" cbor:"1,keyasint"`
	DestinationBucket string    `json:"destinationBucket" cbor:"2,keyasint"`
	TimeBucket        time.Time `json:"timeBucket" cbor:"3,keyasint"`
	Objects           int64     `json:"objects" cbor:"4,keyasint"`
	Bytes             int64     `json:"bytes" cbor:"5,keyasint"`
	ElapsedSeconds    int64     `json:"elapsedSeconds" cbor:"6,keyasint"`
}

// Key returns the source:destination:timebucket identifier
func (b *StatBucket) Key() string {
	return b.SourceBucket + ":" + b.DestinationBucket + ":" + b.TimeBucket.UTC().Format(time.RFC3339)
}
