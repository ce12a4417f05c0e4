package main

import (
	"context"
	"fmt"

	"github.com/aws-solutions/aws-crr-monitor/pkg/clock"
	"github.com/aws-solutions/aws-crr-monitor/pkg/config"
	"github.com/aws-solutions/aws-crr-monitor/pkg/dispatch"
	"github.com/aws-solutions/aws-crr-monitor/pkg/events"
	"github.com/aws-solutions/aws-crr-monitor/pkg/log"
	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/aws-solutions/aws-crr-monitor/pkg/reconciler"
	"github.com/aws-solutions/aws-crr-monitor/pkg/registration"
	"github.com/aws-solutions/aws-crr-monitor/pkg/rules"
	"github.com/aws-solutions/aws-crr-monitor/pkg/stats"
	"github.com/aws-solutions/aws-crr-monitor/pkg/storage"
	"github.com/aws-solutions/aws-crr-monitor/pkg/sweeper"
)

// stack is the set of components shared by the daemon and the offline
// maintenance commands
type stack struct {
	cfg        *config.Config
	clock      clock.Clock
	store      *storage.BoltStore
	broker     *events.Broker
	table      *rules.Table
	agent      *registration.Agent
	stats      *stats.Aggregator
	dispatcher *dispatch.Dispatcher
	reconciler *reconciler.Reconciler
	sweeper    *sweeper.Sweeper
}

// openStack opens the store and wires every component. The rule table is
// loaded before it returns.
func openStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "")

	s := &stack{
		cfg:    cfg,
		clock:  clock.Real(),
		store:  store,
		broker: events.NewBroker(),
		table:  rules.NewTable(),
	}
	s.broker.Start()

	s.agent = registration.NewAgent(registration.Config{
		Store:  store,
		Table:  s.table,
		Clock:  s.clock,
		Broker: s.broker,
		Logger: log.WithComponent("registration"),
	})
	if _, err := s.agent.Load(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.stats = stats.NewAggregator(store, cfg.StatWindow, log.WithComponent("stats"))

	s.dispatcher = dispatch.NewDispatcher(dispatch.Config{
		Store:             store,
		Notifier:          s.notifier(),
		Clock:             s.clock,
		Broker:            s.broker,
		Logger:            log.WithComponent("dispatcher"),
		MaxAttempts:       cfg.DispatchAttempts,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		QueueSize:         cfg.DispatchQueueSize,
		RedeliverInterval: cfg.RedeliverInterval,
		BreakerFailures:   cfg.BreakerFailures,
		BreakerCooldown:   cfg.BreakerCooldown,
	})

	s.reconciler = reconciler.NewReconciler(reconciler.Config{
		Store:              store,
		Rules:              s.table,
		Clock:              s.clock,
		Alarms:             s.dispatcher,
		Stats:              s.stats,
		Broker:             s.broker,
		Logger:             log.WithComponent("reconciler"),
		MaxAttempts:        cfg.MaxAttempts,
		MaxConflictRetries: cfg.MaxConflictRetries,
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
	})
	metrics.UpdateComponent(metrics.ComponentReconciler, true, "")

	var archiver *sweeper.Archiver
	if cfg.ArchiveDir != "" {
		if archiver, err = sweeper.NewArchiver(cfg.ArchiveDir); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.sweeper = sweeper.NewSweeper(sweeper.Config{
		Store:           store,
		Reconciler:      s.reconciler,
		Stats:           s.stats,
		Archiver:        archiver,
		Clock:           s.clock,
		Broker:          s.broker,
		Logger:          log.WithComponent("sweeper"),
		Interval:        cfg.SweepInterval,
		RetentionWindow: cfg.RetentionWindow,
		BatchSize:       cfg.BatchSize,
	})
	return s, nil
}

func (s *stack) notifier() dispatch.Notifier {
	n := dispatch.MultiNotifier{
		{Name: "log", Notifier: &dispatch.LogNotifier{Logger: log.WithComponent("alarm")}},
		{Name: "broker", Notifier: &dispatch.BrokerNotifier{Broker: s.broker}},
	}
	if s.cfg.WebhookURL != "" {
		n = append(n, dispatch.Channel{
			Name:     "webhook",
			Notifier: dispatch.NewWebhookNotifier(s.cfg.WebhookURL, s.cfg.WebhookTimeout),
		})
	}
	return n
}

// Close stops the broker and closes the store
func (s *stack) Close() {
	s.broker.Stop()
	if err := s.store.Close(); err != nil {
		log.Logger.Error().Err(err).Msg("Failed to close store")
	}
	metrics.UpdateComponent(metrics.ComponentStore, false, "closed")
}
