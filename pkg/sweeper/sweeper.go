// Package sweeper runs the periodic housekeeping pass.
//
// A pass times out PENDING records whose deadline has passed, archives and
// deletes terminal records older than the retention window, flushes closed
// statistics windows into metrics and prunes old alarm dedup markers. Work
// is done in bounded batches and the context is checked between them, so
// a cancelled pass stops early with a partial report. Running a pass twice
// has the same effect as running it once.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/clock"
	"github.com/aws-solutions/aws-crr-monitor/pkg/events"
	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/aws-solutions/aws-crr-monitor/pkg/reconciler"
	"github.com/aws-solutions/aws-crr-monitor/pkg/storage"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the part of the state store the sweeper uses
type Store interface {
	ScanRecords(filter storage.RecordFilter, fn func(*types.ReplicationRecord) error) (string, error)
	DeleteRecord(key types.RecordKey, expectedVersion uint64, retentionCutoff time.Time) error
	PruneSentAlarms(before time.Time) (int, error)
}

// TimeoutApplier applies the deadline check to one record
type TimeoutApplier interface {
	Timeout(ctx context.Context, key types.RecordKey) (reconciler.Result, error)
}

// StatsFlusher publishes closed statistics windows
type StatsFlusher interface {
	Flush(now time.Time) (int, error)
}

// Config configures a Sweeper
type Config struct {
	Store      Store
	Reconciler TimeoutApplier
	Stats      StatsFlusher
	Archiver   *Archiver
	Clock      clock.Clock
	Broker     *events.Broker
	Logger     zerolog.Logger

	Interval        time.Duration
	RetentionWindow time.Duration
	BatchSize       int
}

// SweepReport summarizes one pass
type SweepReport struct {
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Scanned      int           `json:"scanned"`
	TimedOut     int           `json:"timedOut"`
	Archived     int           `json:"archived"`
	Deleted      int           `json:"deleted"`
	StatsFlushed int           `json:"statsFlushed"`
	AlarmsPruned int           `json:"alarmsPruned"`
	Errors       int           `json:"errors"`
	Aborted      bool          `json:"aborted"`
}

// Sweeper performs periodic housekeeping
type Sweeper struct {
	store      Store
	reconciler TimeoutApplier
	stats      StatsFlusher
	archiver   *Archiver
	clock      clock.Clock
	broker     *events.Broker
	logger     zerolog.Logger

	interval  time.Duration
	retention time.Duration
	batchSize int

	runMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSweeper creates a new sweeper
func NewSweeper(cfg Config) *Sweeper {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Sweeper{
		store:      cfg.Store,
		reconciler: cfg.Reconciler,
		stats:      cfg.Stats,
		archiver:   cfg.Archiver,
		clock:      cfg.Clock,
		broker:     cfg.Broker,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		retention:  cfg.RetentionWindow,
		batchSize:  cfg.BatchSize,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the housekeeping loop
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ticker := s.clock.NewTicker(s.interval)
	s.wg.Add(1)
	go s.run(ctx, ticker)
	metrics.UpdateComponent(metrics.ComponentSweeper, true, "")
}

// Stop stops the loop, cancelling a pass in progress
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("Housekeeping pass failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce performs one housekeeping pass. Passes never overlap.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	timer := metrics.NewTimer()
	now := s.clock.Now()
	report := SweepReport{StartedAt: now}

	err := s.sweep(ctx, now, &report)
	report.Duration = timer.Duration()
	timer.ObserveDuration(metrics.SweepDuration)

	result := "success"
	switch {
	case report.Aborted:
		result = "aborted"
	case err != nil:
		result = "failed"
	case report.Errors > 0:
		result = "partial"
	}
	metrics.SweepRuns.WithLabelValues(result).Inc()
	metrics.SweepTransitions.Add(float64(report.TimedOut))
	metrics.SweepDeletions.Add(float64(report.Deleted))
	metrics.UpdateComponent(metrics.ComponentSweeper, err == nil || report.Aborted, result)

	s.logger.Info().
		Str("result", result).
		Int("scanned", report.Scanned).
		Int("timed_out", report.TimedOut).
		Int("archived", report.Archived).
		Int("deleted", report.Deleted).
		Int("stats_flushed", report.StatsFlushed).
		Int("alarms_pruned", report.AlarmsPruned).
		Int("errors", report.Errors).
		Dur("duration", report.Duration).
		Msg("Housekeeping pass completed")
	s.publish(report, result)

	return report, err
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time, report *SweepReport) error {
	steps := []func(context.Context, time.Time, *SweepReport) error{
		s.sweepTimeouts,
		s.sweepRetention,
		s.flushStats,
		s.pruneAlarms,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			return err
		}
		if err := step(ctx, now, report); err != nil {
			if ctx.Err() != nil {
				report.Aborted = true
			}
			return err
		}
	}
	return nil
}

// nextBatch collects up to batchSize records matching filter after cursor
func (s *Sweeper) nextBatch(filter storage.RecordFilter, cursor string) ([]*types.ReplicationRecord, string, error) {
	filter.Limit = s.batchSize
	filter.After = cursor
	var batch []*types.ReplicationRecord
	next, err := s.store.ScanRecords(filter, func(r *types.ReplicationRecord) error {
		batch = append(batch, r)
		return nil
	})
	return batch, next, err
}

func (s *Sweeper) sweepTimeouts(ctx context.Context, now time.Time, report *SweepReport) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, next, err := s.nextBatch(storage.RecordFilter{DeadlineBefore: now}, cursor)
		if err != nil {
			return fmt.Errorf("failed to scan expired records: %w", err)
		}

		for _, r := range batch {
			report.Scanned++
			res, err := s.reconciler.Timeout(ctx, r.Key)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				report.Errors++
				s.logger.Error().Err(err).Str("record_key", r.Key.String()).Msg("Failed to time out record")
				continue
			}
			if res.Changed {
				report.TimedOut++
			}
		}

		if next == "" {
			return nil
		}
		cursor = next
	}
}

func (s *Sweeper) sweepRetention(ctx context.Context, now time.Time, report *SweepReport) error {
	cutoff := now.Add(-s.retention)
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, next, err := s.nextBatch(storage.RecordFilter{TerminalBefore: cutoff}, cursor)
		if err != nil {
			return fmt.Errorf("failed to scan expired terminal records: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		if s.archiver != nil {
			if err := s.archiver.Archive(now, batch); err != nil {
				// nothing is deleted that was not archived
				return fmt.Errorf("failed to archive records: %w", err)
			}
			report.Archived += len(batch)
		}

		for _, r := range batch {
			err := s.store.DeleteRecord(r.Key, r.Version, cutoff)
			switch {
			case err == nil:
				report.Deleted++
			case errors.Is(err, storage.ErrNotFound):
			case errors.Is(err, storage.ErrNotTerminal), errors.Is(err, storage.ErrRetention), errors.Is(err, storage.ErrVersionConflict):
				s.logger.Debug().Err(err).Str("record_key", r.Key.String()).Msg("Record no longer eligible for deletion")
			default:
				report.Errors++
				s.logger.Error().Err(err).Str("record_key", r.Key.String()).Msg("Failed to delete expired record")
			}
		}

		if next == "" {
			return nil
		}
		cursor = next
	}
}

func (s *Sweeper) flushStats(_ context.Context, now time.Time, report *SweepReport) error {
	if s.stats == nil {
		return nil
	}
	n, err := s.stats.Flush(now)
	if err != nil {
		report.Errors++
		s.logger.Error().Err(err).Msg("Failed to flush statistics")
		return nil
	}
	report.StatsFlushed = n
	return nil
}

func (s *Sweeper) pruneAlarms(_ context.Context, now time.Time, report *SweepReport) error {
	n, err := s.store.PruneSentAlarms(now.Add(-s.retention))
	if err != nil {
		report.Errors++
		s.logger.Error().Err(err).Msg("Failed to prune sent alarm markers")
		return nil
	}
	report.AlarmsPruned = n
	return nil
}

func (s *Sweeper) publish(report SweepReport, result string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventSweepCompleted,
		Timestamp: report.StartedAt,
		Message:   result,
		Metadata: map[string]string{
			"timed_out": strconv.Itoa(report.TimedOut),
			"deleted":   strconv.Itoa(report.Deleted),
			"errors":    strconv.Itoa(report.Errors),
		},
	})
}
