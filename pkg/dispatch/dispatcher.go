// Package dispatch delivers replication alarms to external notification
// channels.
//
// Alarms reach the dispatcher two ways: Enqueue, called by the reconciler
// right after a terminal record is committed, and the redelivery loop,
// which drains the store's alarm outbox on start and every
// RedeliverInterval. Either path ends in Dispatch, which delivers an alarm
// at most once per idempotency key as far as the sent index can tell, and
// leaves every undelivered alarm in the outbox.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/clock"
	"github.com/aws-solutions/aws-crr-monitor/pkg/events"
	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/aws-solutions/aws-crr-monitor/pkg/storage"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrInFlight is returned when the same alarm is already being delivered
var ErrInFlight = errors.New("alarm delivery already in flight")

// Store is the alarm side of the state store
type Store interface {
	AlarmSent(idempotencyKey string) (bool, error)
	MarkAlarmSent(idempotencyKey string, sentAt time.Time) error
	GetPendingAlarm(idempotencyKey string) (*types.AlarmEvent, error)
	UpdatePendingAlarm(alarm *types.AlarmEvent) error
	ListPendingAlarms() ([]*types.AlarmEvent, error)
}

// remainingNotifier is implemented by notifiers that fan out to named
// channels and can skip the ones that already accepted an alarm
type remainingNotifier interface {
	NotifyRemaining(ctx context.Context, alarm types.OutboundAlarm, delivered []string) ([]string, error)
}

// Config configures a Dispatcher
type Config struct {
	Store    Store
	Notifier Notifier
	Clock    clock.Clock
	Broker   *events.Broker
	Logger   zerolog.Logger

	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	QueueSize         int
	RedeliverInterval time.Duration
	BreakerFailures   uint32
	BreakerCooldown   time.Duration
}

// Report summarizes a redelivery pass
type Report struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Dispatcher delivers alarms with retry, a circuit breaker and dedup
type Dispatcher struct {
	store    Store
	notifier Notifier
	clock    clock.Clock
	broker   *events.Broker
	logger   zerolog.Logger
	breaker  *gobreaker.CircuitBreaker

	maxAttempts       int
	backoffInitial    time.Duration
	backoffMax        time.Duration
	redeliverInterval time.Duration

	queue    chan *types.AlarmEvent
	inflight sync.Map
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RedeliverInterval <= 0 {
		cfg.RedeliverInterval = time.Minute
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	d := &Dispatcher{
		store:             cfg.Store,
		notifier:          cfg.Notifier,
		clock:             cfg.Clock,
		broker:            cfg.Broker,
		logger:            cfg.Logger,
		maxAttempts:       cfg.MaxAttempts,
		backoffInitial:    cfg.BackoffInitial,
		backoffMax:        cfg.BackoffMax,
		redeliverInterval: cfg.RedeliverInterval,
		queue:             make(chan *types.AlarmEvent, cfg.QueueSize),
		stopCh:            make(chan struct{}),
	}

	failures := cfg.BreakerFailures
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "alarm-notifier",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// a rejected payload says nothing about the channel's health
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			metrics.UpdateComponent(metrics.ComponentDispatcher, to != gobreaker.StateOpen, "notification circuit open")
		},
	})
	return d
}

// Enqueue hands a committed alarm to the delivery worker without
// blocking. When the queue is full the alarm stays in the outbox and is
// picked up by the next redelivery pass.
func (d *Dispatcher) Enqueue(alarm *types.AlarmEvent) {
	select {
	case d.queue <- alarm:
	default:
		d.logger.Warn().Str("alarm", alarm.IdempotencyKey).Msg("Alarm queue full, deferring to redelivery")
	}
}

// Start runs the delivery worker and the periodic redelivery loop
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	ticker := d.clock.NewTicker(d.redeliverInterval)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ticker.Stop()

		d.redeliver(ctx)
		for {
			select {
			case alarm := <-d.queue:
				_ = d.Dispatch(ctx, alarm)
			case <-ticker.C:
				d.redeliver(ctx)
			case <-d.stopCh:
				return
			}
		}
	}()
	metrics.UpdateComponent(metrics.ComponentDispatcher, true, "")
}

// Stop stops the worker and waits for the in-progress delivery to end
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		if d.cancel != nil {
			d.cancel()
		}
	})
	d.wg.Wait()
}

func (d *Dispatcher) redeliver(ctx context.Context) {
	report, err := d.Redeliver(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Alarm redelivery failed")
		return
	}
	if report.Delivered+report.Failed > 0 {
		d.logger.Info().
			Int("delivered", report.Delivered).
			Int("failed", report.Failed).
			Msg("Alarm backlog redelivered")
	}
}

// Redeliver attempts every alarm in the outbox once
func (d *Dispatcher) Redeliver(ctx context.Context) (Report, error) {
	var report Report

	pending, err := d.store.ListPendingAlarms()
	if err != nil {
		return report, fmt.Errorf("failed to list pending alarms: %w", err)
	}
	metrics.AlarmBacklog.Set(float64(len(pending)))

	for _, alarm := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		switch err := d.Dispatch(ctx, alarm); {
		case err == nil:
			report.Delivered++
		case errors.Is(err, ErrInFlight):
			report.Skipped++
		default:
			report.Failed++
		}
	}
	return report, nil
}

// Dispatch delivers one alarm. Alarms already marked sent are skipped. The
// outbox copy of the alarm is preferred over the argument so channels that
// accepted it on an earlier attempt are not sent it again. On success the
// alarm is moved to the sent index; on failure its attempt count and last
// error are written back to the outbox.
func (d *Dispatcher) Dispatch(ctx context.Context, alarm *types.AlarmEvent) error {
	key := alarm.IdempotencyKey
	if _, busy := d.inflight.LoadOrStore(key, struct{}{}); busy {
		return ErrInFlight
	}
	defer d.inflight.Delete(key)

	sent, err := d.store.AlarmSent(key)
	if err != nil {
		return fmt.Errorf("failed to check alarm %s: %w", key, err)
	}
	if sent {
		metrics.AlarmsDispatched.WithLabelValues("duplicate").Inc()
		return nil
	}
	switch stored, err := d.store.GetPendingAlarm(key); {
	case err == nil:
		alarm = stored
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("failed to load alarm %s: %w", key, err)
	}

	timer := metrics.NewTimer()
	err = d.deliver(ctx, alarm)
	timer.ObserveDuration(metrics.AlarmDeliveryDuration)

	now := d.clock.Now()
	alarm.Attempts++
	alarm.LastAttemptAt = now
	logger := d.logger.With().
		Str("alarm", key).
		Str("reason", string(alarm.Reason)).
		Int("attempts", alarm.Attempts).
		Logger()

	if err == nil {
		if err := d.store.MarkAlarmSent(key, now); err != nil {
			// delivered but not recorded; redelivery may send it again
			logger.Error().Err(err).Msg("Failed to mark alarm sent")
			return fmt.Errorf("failed to mark alarm %s sent: %w", key, err)
		}
		metrics.AlarmsDispatched.WithLabelValues("delivered").Inc()
		logger.Info().Msg("Alarm delivered")
		d.publish(alarm)
		return nil
	}

	result := "failed"
	if IsPermanent(err) {
		result = "permanent"
	} else if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		result = "circuit_open"
	}
	metrics.AlarmsDispatched.WithLabelValues(result).Inc()

	alarm.LastError = err.Error()
	if uerr := d.store.UpdatePendingAlarm(alarm); uerr != nil && !errors.Is(uerr, storage.ErrNotFound) {
		logger.Error().Err(uerr).Msg("Failed to record alarm delivery failure")
	}
	logger.Error().Err(err).Str("result", result).Msg("Alarm delivery failed, kept in backlog")
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, alarm *types.AlarmEvent) error {
	payload := alarm.Outbound()
	notify := func() error { return d.notifier.Notify(ctx, payload) }
	if multi, ok := d.notifier.(remainingNotifier); ok {
		notify = func() error {
			accepted, err := multi.NotifyRemaining(ctx, payload, alarm.Delivered)
			if len(accepted) > 0 {
				alarm.Delivered = append(alarm.Delivered, accepted...)
				if err != nil {
					d.recordDelivered(alarm)
				}
			}
			return err
		}
	}

	op := func() error {
		_, err := d.breaker.Execute(func() (interface{}, error) {
			return nil, notify()
		})
		if err == nil {
			return nil
		}
		if IsPermanent(err) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.backoffInitial
	policy.MaxInterval = d.backoffMax
	policy.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.maxAttempts-1)), ctx))
}

// recordDelivered persists partial progress before the next retry
func (d *Dispatcher) recordDelivered(alarm *types.AlarmEvent) {
	if err := d.store.UpdatePendingAlarm(alarm); err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.logger.Error().Err(err).Str("alarm", alarm.IdempotencyKey).Strs("delivered", alarm.Delivered).Msg("Failed to record partial alarm delivery")
	}
}

func (d *Dispatcher) publish(alarm *types.AlarmEvent) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{
		ID:      uuid.NewString(),
		Type:    events.EventAlarmDelivered,
		Message: string(alarm.Reason),
		Metadata: map[string]string{
			"record_key": alarm.Record.Key.String(),
			"rule_id":    alarm.Record.RuleID,
		},
	})
}
