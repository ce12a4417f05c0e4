package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
)

var (
	// ErrNotFound is returned when the requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict matches every *ConflictError
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotTerminal is returned when deleting a record that is still PENDING
	ErrNotTerminal = errors.New("record is not in a terminal state")

	// ErrRetention is returned when deleting a record inside the retention window
	ErrRetention = errors.New("record is inside the retention window")

	// ErrStopScan may be returned by a scan callback to end the scan early
	// without reporting an error
	ErrStopScan = errors.New("stop scan")
)

// ConflictError reports a failed optimistic write
type ConflictError struct {
	Key             types.RecordKey
	ExpectedVersion uint64
	CurrentVersion  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d",
		e.Key, e.ExpectedVersion, e.CurrentVersion)
}

// Is makes errors.Is(err, ErrVersionConflict) match
func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// RecordFilter selects records for ScanRecords.
//
// When DeadlineBefore is set only PENDING records whose deadline is strictly
// before it are visited, in deadline order. When TerminalBefore is set only
// terminal records whose TerminalAt is strictly before it are visited, in
// terminal-time order. Otherwise records are visited in key order.
type RecordFilter struct {
	Status         types.RecordStatus
	SourceBucket   string
	DeadlineBefore time.Time
	TerminalBefore time.Time

	// Limit caps the number of records visited. Zero means no limit.
	Limit int

	// After resumes a previous scan from the cursor it returned.
	After string
}

// Store defines the interface for replication state storage
type Store interface {
	// Records
	GetRecord(key types.RecordKey) (*types.ReplicationRecord, error)
	PutIfVersion(record *types.ReplicationRecord, expectedVersion uint64, alarm *types.AlarmEvent) error
	DeleteRecord(key types.RecordKey, expectedVersion uint64, retentionCutoff time.Time) error
	ScanRecords(filter RecordFilter, fn func(*types.ReplicationRecord) error) (string, error)
	CountRecords() (map[types.RecordStatus]int, error)
	RebuildIndexes() (int, error)

	// Rules
	PutRule(rule *types.ReplicationRule) error
	GetRule(id string) (*types.ReplicationRule, error)
	ListRules() ([]*types.ReplicationRule, error)
	DeleteRule(id string) error

	// Dead letters
	PutDeadLetter(dl *types.DeadLetter) error
	ListDeadLetters() ([]*types.DeadLetter, error)
	DeleteDeadLetter(id string) error

	// Alarm outbox and sent index
	ListPendingAlarms() ([]*types.AlarmEvent, error)
	GetPendingAlarm(idempotencyKey string) (*types.AlarmEvent, error)
	UpdatePendingAlarm(alarm *types.AlarmEvent) error
	MarkAlarmSent(idempotencyKey string, sentAt time.Time) error
	AlarmSent(idempotencyKey string) (bool, error)
	PruneSentAlarms(before time.Time) (int, error)

	// Statistics
	AddStat(delta types.StatBucket) error
	ListStats(before time.Time) ([]*types.StatBucket, error)
	DeleteStat(key string) error

	// Utility
	Close() error
}
