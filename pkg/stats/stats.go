// Package stats rolls replication outcomes up into per bucket-pair time
// windows and flushes closed windows into Prometheus.
package stats

import (
	"fmt"
	"sort"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/rs/zerolog"
)

// Store is the statistics side of the state store
type Store interface {
	AddStat(delta types.StatBucket) error
	ListStats(before time.Time) ([]*types.StatBucket, error)
	DeleteStat(key string) error
}

// Aggregator writes stat deltas and flushes closed windows
type Aggregator struct {
	store  Store
	window time.Duration
	logger zerolog.Logger
}

// NewAggregator creates an aggregator with the given window size
func NewAggregator(store Store, window time.Duration, logger zerolog.Logger) *Aggregator {
	return &Aggregator{store: store, window: window, logger: logger}
}

// Window returns the start of the window t is rounded to. Timestamps are
// rounded to the nearest window boundary, so a window labelled T holds
// events in [T-window/2, T+window/2).
func (a *Aggregator) Window(t time.Time) time.Time {
	return t.UTC().Round(a.window)
}

// Rate returns the replication rate in bits per second. One second is
// added to the elapsed time so instant replications stay finite.
func Rate(bytes, elapsedSeconds int64) float64 {
	return float64(bytes) * 8 / float64(elapsedSeconds+1)
}

// RecordReplicated adds a completed replication to its pair window. The
// source's FAILED window is touched with a zero delta so failure series
// exist before the first failure.
func (a *Aggregator) RecordReplicated(r *types.ReplicationRecord) error {
	window := a.Window(r.TerminalAt)
	err := a.store.AddStat(types.StatBucket{
		SourceBucket:      r.Key.SourceBucket,
		DestinationBucket: r.DestinationBucket,
		TimeBucket:        window,
		Objects:           1,
		Bytes:             r.ObjectSize,
		ElapsedSeconds:    r.ElapsedSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to add replication stat: %w", err)
	}
	err = a.store.AddStat(types.StatBucket{
		SourceBucket:      r.Key.SourceBucket,
		DestinationBucket: types.FailedDestination,
		TimeBucket:        window,
	})
	if err != nil {
		return fmt.Errorf("failed to seed failure stat: %w", err)
	}
	return nil
}

// RecordFailed adds a failed replication to the source's FAILED window
func (a *Aggregator) RecordFailed(r *types.ReplicationRecord) error {
	err := a.store.AddStat(types.StatBucket{
		SourceBucket:      r.Key.SourceBucket,
		DestinationBucket: types.FailedDestination,
		TimeBucket:        a.Window(r.TerminalAt),
		Objects:           1,
		Bytes:             r.ObjectSize,
	})
	if err != nil {
		return fmt.Errorf("failed to add failure stat: %w", err)
	}
	return nil
}

// Flush publishes every window that closed before now and deletes it. It
// returns the number of windows flushed. A window that fails to delete is
// logged and published again on the next flush.
func (a *Aggregator) Flush(now time.Time) (int, error) {
	closed, err := a.store.ListStats(now.Add(-a.window / 2))
	if err != nil {
		return 0, fmt.Errorf("failed to list stats: %w", err)
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].TimeBucket.Before(closed[j].TimeBucket)
	})

	flushed := 0
	for _, b := range closed {
		if b.DestinationBucket == types.FailedDestination {
			metrics.FailedReplications.WithLabelValues(b.SourceBucket).Add(float64(b.Objects))
		} else {
			metrics.ReplicationObjects.WithLabelValues(b.SourceBucket, b.DestinationBucket).Add(float64(b.Objects))
			metrics.ReplicationBytes.WithLabelValues(b.SourceBucket, b.DestinationBucket).Add(float64(b.Bytes))
			metrics.ReplicationSpeed.WithLabelValues(b.SourceBucket, b.DestinationBucket).Set(Rate(b.Bytes, b.ElapsedSeconds))
		}

		if err := a.store.DeleteStat(b.Key()); err != nil {
			a.logger.Warn().Err(err).Str("bucket", b.Key()).Msg("failed to delete flushed stat window")
			continue
		}
		flushed++
	}
	return flushed, nil
}
