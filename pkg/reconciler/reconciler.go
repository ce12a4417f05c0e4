package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/clock"
	"github.com/aws-solutions/aws-crr-monitor/pkg/events"
	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/aws-solutions/aws-crr-monitor/pkg/rules"
	"github.com/aws-solutions/aws-crr-monitor/pkg/storage"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrDeadLettered is returned when a signal could not be applied and
	// was moved to the dead-letter store
	ErrDeadLettered = errors.New("signal dead-lettered")

	// ErrConflictRetriesExhausted is returned when a record kept changing
	// underneath the reconciler
	ErrConflictRetriesExhausted = errors.New("conflict retries exhausted")
)

// Store is the part of the state store the reconciler uses
type Store interface {
	GetRecord(key types.RecordKey) (*types.ReplicationRecord, error)
	PutIfVersion(record *types.ReplicationRecord, expectedVersion uint64, alarm *types.AlarmEvent) error
	PutDeadLetter(dl *types.DeadLetter) error
	ListDeadLetters() ([]*types.DeadLetter, error)
	DeleteDeadLetter(id string) error
}

// AlarmSink accepts committed alarms for delivery. Enqueue must not block.
type AlarmSink interface {
	Enqueue(alarm *types.AlarmEvent)
}

// StatsRecorder accumulates replication statistics
type StatsRecorder interface {
	RecordReplicated(r *types.ReplicationRecord) error
	RecordFailed(r *types.ReplicationRecord) error
}

// Config configures a Reconciler
type Config struct {
	Store  Store
	Rules  *rules.Table
	Clock  clock.Clock
	Alarms AlarmSink
	Stats  StatsRecorder
	Broker *events.Broker
	Logger zerolog.Logger

	// MaxAttempts bounds tries against transient store errors
	MaxAttempts int
	// MaxConflictRetries bounds re-reads after a version conflict
	MaxConflictRetries int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
}

// Result describes what a reconciliation did
type Result struct {
	Record  *types.ReplicationRecord
	Changed bool
	Alarm   *types.AlarmEvent
}

// Reconciler applies signals and deadline checks to replication records
type Reconciler struct {
	store  Store
	rules  *rules.Table
	clock  clock.Clock
	alarms AlarmSink
	stats  StatsRecorder
	broker *events.Broker
	logger zerolog.Logger

	maxAttempts        int
	maxConflictRetries int
	backoffInitial     time.Duration
	backoffMax         time.Duration
}

// NewReconciler creates a new reconciler
func NewReconciler(cfg Config) *Reconciler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Rules == nil {
		cfg.Rules = rules.NewTable()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 10
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 50 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	return &Reconciler{
		store:              cfg.Store,
		rules:              cfg.Rules,
		clock:              cfg.Clock,
		alarms:             cfg.Alarms,
		stats:              cfg.Stats,
		broker:             cfg.Broker,
		logger:             cfg.Logger,
		maxAttempts:        cfg.MaxAttempts,
		maxConflictRetries: cfg.MaxConflictRetries,
		backoffInitial:     cfg.BackoffInitial,
		backoffMax:         cfg.BackoffMax,
	}
}

// Apply applies a normalized signal to its record. Signals for a source
// bucket without an enabled rule fail with ErrUnknownRule when a record
// would have to be created. When the store keeps failing the signal is
// dead-lettered and the returned error wraps ErrDeadLettered.
func (r *Reconciler) Apply(ctx context.Context, sig types.Signal) (Result, error) {
	res, err := r.apply(ctx, sig)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrUnknownRule) || errors.Is(err, ErrUnknownSignal) {
		metrics.SignalsProcessed.WithLabelValues(string(sig.Type), "rejected").Inc()
		return Result{}, err
	}
	return Result{}, r.deadLetter(sig, err)
}

func (r *Reconciler) apply(ctx context.Context, sig types.Signal) (Result, error) {
	rule := r.ruleFor(sig)
	res, err := r.mutate(ctx, sig.Key, func(current *types.ReplicationRecord, now time.Time) (Transition, error) {
		return Apply(current, sig, rule, now)
	})
	if err != nil {
		return Result{}, err
	}

	result := "noop"
	if res.Changed {
		result = "applied"
	}
	metrics.SignalsProcessed.WithLabelValues(string(sig.Type), result).Inc()
	return res, nil
}

// Timeout moves the record to TIMED_OUT if it is still PENDING and its
// deadline has passed. Calling it again is a no-op.
func (r *Reconciler) Timeout(ctx context.Context, key types.RecordKey) (Result, error) {
	return r.mutate(ctx, key, func(current *types.ReplicationRecord, now time.Time) (Transition, error) {
		return Timeout(current, now), nil
	})
}

func (r *Reconciler) ruleFor(sig types.Signal) *types.ReplicationRule {
	snap := r.rules.Snapshot()
	if sig.RuleID != "" {
		if rule, ok := snap.Get(sig.RuleID); ok {
			return rule
		}
	}
	if rule, ok := snap.ForSource(sig.Key.SourceBucket); ok {
		return rule
	}
	return nil
}

type transitionFunc func(current *types.ReplicationRecord, now time.Time) (Transition, error)

// mutate runs an optimistic read-modify-write of one record. Version
// conflicts re-read immediately; other store errors are retried with
// exponential backoff.
func (r *Reconciler) mutate(ctx context.Context, key types.RecordKey, fn transitionFunc) (Result, error) {
	var res Result
	retries := 0

	op := func() error {
		for conflicts := 0; ; conflicts++ {
			if err := ctx.Err(); err != nil {
				return backoff.Permanent(err)
			}

			current, err := r.store.GetRecord(key)
			if errors.Is(err, storage.ErrNotFound) {
				current, err = nil, nil
			}
			if err != nil {
				return fmt.Errorf("failed to read record %s: %w", key, err)
			}

			t, err := fn(current, r.clock.Now())
			if err != nil {
				return backoff.Permanent(err)
			}
			if !t.Changed() {
				res = Result{Record: current}
				return nil
			}

			var expected uint64
			if current != nil {
				expected = current.Version
				t.Next.RetryCount = current.RetryCount
			}
			t.Next.RetryCount += retries

			err = r.store.PutIfVersion(t.Next, expected, t.Alarm)
			if errors.Is(err, storage.ErrVersionConflict) {
				metrics.StoreConflicts.Inc()
				retries++
				if conflicts+1 >= r.maxConflictRetries {
					return backoff.Permanent(fmt.Errorf("%s: %w: %w", key, ErrConflictRetriesExhausted, err))
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to write record %s: %w", key, err)
			}

			if t.Alarm != nil {
				t.Alarm.Record = *t.Next
			}
			res = Result{Record: t.Next, Changed: true, Alarm: t.Alarm}
			return nil
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.backoffInitial
	policy.MaxInterval = r.backoffMax
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.maxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		retries++
		metrics.StoreRetries.Inc()
		r.logger.Warn().Err(err).Str("record_key", key.String()).Dur("backoff", wait).Msg("Retrying store operation")
	})
	if err != nil {
		return Result{}, err
	}

	if res.Changed {
		r.committed(res.Record, res.Alarm)
	}
	return res, nil
}

// committed runs the side effects of a durable transition. None of them
// can undo it.
func (r *Reconciler) committed(record *types.ReplicationRecord, alarm *types.AlarmEvent) {
	logger := r.logger.With().
		Str("record_key", record.Key.String()).
		Str("rule_id", record.RuleID).
		Str("status", string(record.Status)).
		Logger()

	var eventType events.EventType
	switch record.Status {
	case types.StatusPending:
		metrics.RecordsCreated.Inc()
		eventType = events.EventRecordCreated
		logger.Debug().Time("deadline", record.Deadline).Msg("Record created")

	case types.StatusReplicated:
		if record.Version == 1 {
			metrics.RecordsCreated.Inc()
		}
		metrics.RecordsTerminated.WithLabelValues(string(record.Status)).Inc()
		eventType = events.EventRecordReplicated
		logger.Debug().Int64("elapsed_seconds", record.ElapsedSeconds).Msg("Record replicated")
		if r.stats != nil {
			if err := r.stats.RecordReplicated(record); err != nil {
				logger.Warn().Err(err).Msg("Failed to record replication statistics")
			}
		}

	case types.StatusFailed:
		if record.Version == 1 {
			metrics.RecordsCreated.Inc()
		}
		metrics.RecordsTerminated.WithLabelValues(string(record.Status)).Inc()
		eventType = events.EventRecordFailed
		logger.Warn().Msg("Replication failed")
		if r.stats != nil {
			if err := r.stats.RecordFailed(record); err != nil {
				logger.Warn().Err(err).Msg("Failed to record failure statistics")
			}
		}

	case types.StatusTimedOut:
		metrics.RecordsTerminated.WithLabelValues(string(record.Status)).Inc()
		eventType = events.EventRecordTimedOut
		logger.Warn().Time("deadline", record.Deadline).Msg("Replication timed out")
	}

	r.publish(eventType, record)
	if alarm != nil {
		r.publish(events.EventAlarmRaised, record)
		if r.alarms != nil {
			// the sink owns its copy; the caller keeps the one in Result
			r.alarms.Enqueue(alarm.Clone())
		}
	}
}

func (r *Reconciler) publish(t events.EventType, record *types.ReplicationRecord) {
	if r.broker == nil || t == "" {
		return
	}
	r.broker.Publish(&events.Event{
		ID:      uuid.NewString(),
		Type:    t,
		Message: string(record.Status),
		Metadata: map[string]string{
			"record_key": record.Key.String(),
			"rule_id":    record.RuleID,
			"status":     string(record.Status),
		},
	})
}
