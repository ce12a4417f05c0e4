package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws-solutions/aws-crr-monitor/pkg/events"
	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/google/uuid"
)

// ReplayReport summarizes a dead-letter replay
type ReplayReport struct {
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
	Discarded int `json:"discarded"`
}

func (r *Reconciler) deadLetter(sig types.Signal, cause error) error {
	dl := &types.DeadLetter{
		ID:       uuid.NewString(),
		Signal:   sig,
		Error:    cause.Error(),
		Attempts: r.maxAttempts,
		FailedAt: r.clock.Now(),
	}

	logger := r.logger.With().
		Str("record_key", sig.Key.String()).
		Str("signal", string(sig.Type)).
		Str("dead_letter_id", dl.ID).
		Logger()

	if err := r.store.PutDeadLetter(dl); err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("Failed to store dead letter, signal lost")
		metrics.SignalsProcessed.WithLabelValues(string(sig.Type), "lost").Inc()
		return fmt.Errorf("%w: %w (dead letter write failed: %v)", ErrDeadLettered, cause, err)
	}

	metrics.DeadLettered.Inc()
	metrics.SignalsProcessed.WithLabelValues(string(sig.Type), "dead_lettered").Inc()
	logger.Error().Err(cause).Msg("Signal dead-lettered")

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			ID:      uuid.NewString(),
			Type:    events.EventDeadLettered,
			Message: cause.Error(),
			Metadata: map[string]string{
				"record_key":     sig.Key.String(),
				"dead_letter_id": dl.ID,
			},
		})
	}
	return fmt.Errorf("%w: %w", ErrDeadLettered, cause)
}

// ReplayDeadLetters re-applies every dead-lettered signal. Signals that
// apply are removed; signals whose rule no longer exists are discarded;
// the rest stay for a later replay.
func (r *Reconciler) ReplayDeadLetters(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport

	dls, err := r.store.ListDeadLetters()
	if err != nil {
		return report, fmt.Errorf("failed to list dead letters: %w", err)
	}

	for _, dl := range dls {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		_, err := r.apply(ctx, dl.Signal)
		switch {
		case err == nil:
			report.Replayed++
		case errors.Is(err, ErrUnknownRule) || errors.Is(err, ErrUnknownSignal):
			report.Discarded++
		default:
			report.Failed++
			r.logger.Warn().Err(err).Str("dead_letter_id", dl.ID).Msg("Dead letter replay failed")
			continue
		}

		if err := r.store.DeleteDeadLetter(dl.ID); err != nil {
			return report, fmt.Errorf("failed to delete dead letter %s: %w", dl.ID, err)
		}
	}

	r.logger.Info().
		Int("replayed", report.Replayed).
		Int("failed", report.Failed).
		Int("discarded", report.Discarded).
		Msg("Dead letter replay finished")
	return report, nil
}
