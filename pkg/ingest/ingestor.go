// Package ingest turns raw replication events into signals and feeds them
// to the reconciler.
//
// Each signal is routed to a shard chosen by hashing its record key, so
// signals for one object are always handled by the same worker while
// distinct objects proceed in parallel. A worker drains whatever is queued
// on its shard and applies it in event-time order.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"slices"
	"sync"

	"github.com/aws-solutions/aws-crr-monitor/pkg/clock"
	"github.com/aws-solutions/aws-crr-monitor/pkg/eventlog"
	"github.com/aws-solutions/aws-crr-monitor/pkg/events"
	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/aws-solutions/aws-crr-monitor/pkg/reconciler"
	"github.com/aws-solutions/aws-crr-monitor/pkg/rules"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("ingestor closed")

// Applier applies a normalized signal
type Applier interface {
	Apply(ctx context.Context, sig types.Signal) (reconciler.Result, error)
}

// Config configures an Ingestor
type Config struct {
	Rules   *rules.Table
	Applier Applier
	Clock   clock.Clock
	Broker  *events.Broker
	Logger  zerolog.Logger

	// Workers is the number of shards
	Workers int
	// QueueSize is the capacity of each shard queue
	QueueSize int
	// BatchSize bounds how many queued signals a worker sorts at once
	BatchSize int
}

// ConsumeReport summarizes a Consume call
type ConsumeReport struct {
	Read      int `json:"read"`
	Submitted int `json:"submitted"`
	Discarded int `json:"discarded"`
	Malformed int `json:"malformed"`
}

// Ingestor validates raw events and dispatches them to shard workers
type Ingestor struct {
	rules   *rules.Table
	applier Applier
	clock   clock.Clock
	broker  *events.Broker
	logger  zerolog.Logger

	shards    []chan types.Signal
	batchSize int

	mu       sync.RWMutex
	closed   bool
	stopping chan struct{}
}

// NewIngestor creates a new ingestor
func NewIngestor(cfg Config) *Ingestor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Rules == nil {
		cfg.Rules = rules.NewTable()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}

	shards := make([]chan types.Signal, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan types.Signal, cfg.QueueSize)
	}
	return &Ingestor{
		rules:     cfg.Rules,
		applier:   cfg.Applier,
		clock:     cfg.Clock,
		broker:    cfg.Broker,
		logger:    cfg.Logger,
		shards:    shards,
		batchSize: cfg.BatchSize,
		stopping:  make(chan struct{}),
	}
}

// Run starts one worker per shard and blocks until Close is called or ctx
// is cancelled. Signals already queued are applied before Run returns.
func (i *Ingestor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// queued work is finished even when ctx is cancelled
	applyCtx := context.WithoutCancel(ctx)

	for n, shard := range i.shards {
		g.Go(func() error {
			i.worker(applyCtx, n, shard)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			i.Close()
		case <-i.stopping:
		}
		return nil
	})

	metrics.UpdateComponent(metrics.ComponentIngest, true, "")
	err := g.Wait()
	metrics.UpdateComponent(metrics.ComponentIngest, false, "stopped")
	return err
}

// Close stops accepting signals. Workers drain their queues and exit.
func (i *Ingestor) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	close(i.stopping)
}

// Submit normalizes a raw event and queues it on its shard. Invalid events
// are discarded and reported as a *ValidationError.
func (i *Ingestor) Submit(ctx context.Context, raw types.RawEvent) error {
	sig, err := Normalize(raw, i.rules.Snapshot(), i.clock.Now())
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			i.discard(raw, verr)
		}
		return err
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrClosed
	}

	select {
	case i.shards[i.shardFor(sig.Key)] <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume submits every event of seq. Undecodable entries and invalid
// events are counted and skipped; ctx cancellation, Close and read errors
// stop consumption.
func (i *Ingestor) Consume(ctx context.Context, seq iter.Seq2[types.RawEvent, error]) (ConsumeReport, error) {
	var report ConsumeReport
	for raw, err := range seq {
		if err != nil {
			var lineErr *eventlog.LineError
			if errors.As(err, &lineErr) {
				report.Malformed++
				metrics.SignalsDiscarded.WithLabelValues(ReasonMalformed).Inc()
				i.logger.Warn().Err(err).Msg("Skipping malformed event")
				continue
			}
			return report, fmt.Errorf("failed to read events: %w", err)
		}

		report.Read++
		err := i.Submit(ctx, raw)
		var verr *ValidationError
		switch {
		case err == nil:
			report.Submitted++
		case errors.As(err, &verr):
			report.Discarded++
		default:
			return report, err
		}
	}
	return report, nil
}

func (i *Ingestor) shardFor(key types.RecordKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.Normalized().String()))
	return int(h.Sum32() % uint32(len(i.shards)))
}

func (i *Ingestor) worker(ctx context.Context, n int, shard chan types.Signal) {
	logger := i.logger.With().Int("shard", n).Logger()
	batch := make([]types.Signal, 0, i.batchSize)

	for {
		select {
		case sig := <-shard:
			batch = append(batch[:0], sig)
			batch = i.fill(batch, shard)
			i.applyBatch(ctx, logger, batch)
		case <-i.stopping:
			for {
				batch = i.fill(batch[:0], shard)
				if len(batch) == 0 {
					return
				}
				i.applyBatch(ctx, logger, batch)
			}
		}
	}
}

// fill drains up to batchSize queued signals without blocking
func (i *Ingestor) fill(batch []types.Signal, shard chan types.Signal) []types.Signal {
	for len(batch) < i.batchSize {
		select {
		case sig := <-shard:
			batch = append(batch, sig)
		default:
			return batch
		}
	}
	return batch
}

func (i *Ingestor) applyBatch(ctx context.Context, logger zerolog.Logger, batch []types.Signal) {
	slices.SortStableFunc(batch, func(a, b types.Signal) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	for _, sig := range batch {
		_, err := i.applier.Apply(ctx, sig)
		switch {
		case err == nil:
		case errors.Is(err, reconciler.ErrUnknownRule), errors.Is(err, reconciler.ErrUnknownSignal):
			logger.Warn().Err(err).Str("record_key", sig.Key.String()).Str("type", string(sig.Type)).Msg("Signal rejected")
		case errors.Is(err, reconciler.ErrDeadLettered):
			// already logged and counted by the reconciler
		default:
			logger.Error().Err(err).Str("record_key", sig.Key.String()).Msg("Failed to apply signal")
		}
	}
}

func (i *Ingestor) discard(raw types.RawEvent, verr *ValidationError) {
	metrics.SignalsDiscarded.WithLabelValues(verr.Reason).Inc()
	i.logger.Warn().
		Str("reason", verr.Reason).
		Str("event_type", raw.EventType).
		Str("source_bucket", raw.SourceBucket).
		Str("object_key", raw.ObjectKey).
		Msg("Discarding event: " + verr.Detail)

	if i.broker != nil {
		i.broker.Publish(&events.Event{
			ID:      uuid.NewString(),
			Type:    events.EventSignalDiscarded,
			Message: verr.Error(),
			Metadata: map[string]string{
				"reason":        verr.Reason,
				"source_bucket": raw.SourceBucket,
				"object_key":    raw.ObjectKey,
			},
		})
	}
}
