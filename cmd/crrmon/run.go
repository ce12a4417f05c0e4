package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/api"
	"github.com/aws-solutions/aws-crr-monitor/pkg/eventlog"
	"github.com/aws-solutions/aws-crr-monitor/pkg/events"
	"github.com/aws-solutions/aws-crr-monitor/pkg/ingest"
	"github.com/aws-solutions/aws-crr-monitor/pkg/log"
	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/aws-solutions/aws-crr-monitor/pkg/registration"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the replication monitor daemon",
	Long: `Run the monitor: ingest events, reconcile records, sweep expired
records on a schedule and deliver alarms.

Events are accepted on POST /v1/events. With --events, events are also read
as JSON lines from a file, or from stdin when the value is "-".

Examples:
  # Serve the API and sweep hourly
  crrmon run --config crrmon.yaml

  # Register rules from a manifest and consume an event log
  crrmon run --rules rules.yaml --events audit.jsonl`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().String("listen-addr", "", "HTTP listen address (overrides config)")
	runCmd.Flags().String("webhook-url", "", "Alarm webhook URL (overrides config)")
	runCmd.Flags().String("rules", "", "Rule manifest to register at startup (YAML or JSONC)")
	runCmd.Flags().String("events", "", "JSON-lines event file to consume, - for stdin")
	runCmd.Flags().Bool("read-only-api", false, "Reject state-changing API requests")
	runCmd.Flags().String("audit-log", "", "Append every monitor event to this JSON-lines file")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rulesPath, _ := cmd.Flags().GetString("rules")
	eventsPath, _ := cmd.Flags().GetString("events")
	readOnly, _ := cmd.Flags().GetBool("read-only-api")
	auditPath, _ := cmd.Flags().GetString("audit-log")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	logger := log.WithComponent("daemon")
	logger.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Str("listen_addr", cfg.ListenAddr).
		Int("rules", s.table.Snapshot().Len()).
		Msg("Starting crrmon")

	if rulesPath != "" {
		if err := syncRules(ctx, s, rulesPath); err != nil {
			return err
		}
	}

	ingestor := ingest.NewIngestor(ingest.Config{
		Rules:     s.table,
		Applier:   s.reconciler,
		Clock:     s.clock,
		Broker:    s.broker,
		Logger:    log.WithComponent("ingest"),
		Workers:   cfg.IngestWorkers,
		QueueSize: cfg.IngestQueueSize,
	})

	server := api.NewServer(api.Config{
		Rules:      s.table,
		Registrar:  s.agent,
		Events:     ingestor,
		Store:      s.store,
		DefaultSLA: cfg.DefaultSLA,
		ReadOnly:   readOnly,
		Logger:     log.WithComponent("api"),

		WriteRateLimit: cfg.APIWriteRate,
		WriteBurst:     cfg.APIWriteBurst,
	})

	var journal *events.Journal
	if auditPath != "" {
		f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer f.Close()
		journal = events.NewJournal(s.broker, f, log.WithComponent("audit"))
	}

	collector := metrics.NewCollector(s.store, func() metrics.RuleCounter { return s.table.Snapshot() }, log.WithComponent("collector"))
	collector.Start()
	defer collector.Stop()

	s.dispatcher.Start()
	defer s.dispatcher.Stop()
	s.sweeper.Start()
	defer s.sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingestor.Run(gctx)
	})
	g.Go(func() error {
		return server.Start(cfg.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if journal != nil {
		g.Go(func() error {
			return journal.Run(gctx)
		})
	}
	if eventsPath != "" {
		g.Go(func() error {
			return consumeEvents(gctx, ingestor, eventsPath)
		})
	}

	logger.Info().Msg("crrmon is running. Press Ctrl+C to stop.")
	<-gctx.Done()
	logger.Info().Msg("Shutting down...")
	ingestor.Close()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

func syncRules(ctx context.Context, s *stack, path string) error {
	manifest, err := registration.ReadManifest(path)
	if err != nil {
		return err
	}
	results, err := s.agent.Sync(ctx, manifest, s.cfg.DefaultSLA)
	if err != nil {
		return fmt.Errorf("failed to register rules from %s: %w", path, err)
	}
	for _, res := range results {
		if !res.Accepted {
			log.Logger.Warn().Str("reason", res.Reason).Msg("Manifest rule rejected")
		}
	}
	return nil
}

func consumeEvents(ctx context.Context, ingestor *ingest.Ingestor, path string) error {
	src := os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open events: %w", err)
		}
		defer f.Close()
		src = f
	}

	report, err := ingestor.Consume(ctx, eventlog.NewJSONLReader[types.RawEvent](src).Iterator())
	log.Logger.Info().
		Str("source", path).
		Int("read", report.Read).
		Int("submitted", report.Submitted).
		Int("discarded", report.Discarded).
		Int("malformed", report.Malformed).
		Msg("Event source drained")
	if errors.Is(err, ingest.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
