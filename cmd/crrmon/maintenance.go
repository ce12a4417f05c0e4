package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/eventlog"
	"github.com/aws-solutions/aws-crr-monitor/pkg/sweeper"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/spf13/cobra"
)

// withStack opens the data directory for an offline command. The daemon
// must not be running: the store holds an exclusive file lock.
func withStack(cmd *cobra.Command, fn func(ctx context.Context, s *stack) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w (is the daemon running?)", err)
	}
	defer s.Close()
	return fn(ctx, s)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one housekeeping pass against the data directory",
	Long: `Time out overdue records, archive and delete expired terminal records,
flush statistics and prune delivered alarms, then exit.

Alarms raised by the pass stay in the outbox for the daemon to deliver,
unless --deliver is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deliver, _ := cmd.Flags().GetBool("deliver")
		return withStack(cmd, func(ctx context.Context, s *stack) error {
			report, err := s.sweeper.RunOnce(ctx)
			fmt.Printf("Scanned:        %d\n", report.Scanned)
			fmt.Printf("Timed out:      %d\n", report.TimedOut)
			fmt.Printf("Archived:       %d\n", report.Archived)
			fmt.Printf("Deleted:        %d\n", report.Deleted)
			fmt.Printf("Stats flushed:  %d\n", report.StatsFlushed)
			fmt.Printf("Alarms pruned:  %d\n", report.AlarmsPruned)
			fmt.Printf("Errors:         %d\n", report.Errors)
			fmt.Printf("Duration:       %s\n", report.Duration.Round(time.Millisecond))
			if err != nil {
				return fmt.Errorf("sweep failed: %v", err)
			}
			if deliver {
				return redeliver(ctx, s)
			}
			return nil
		})
	},
}

var deadletterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dlq"},
	Short:   "Inspect and replay dead-lettered signals",
}

var deadletterListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List dead-lettered signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, s *stack) error {
			dls, err := s.store.ListDeadLetters()
			if err != nil {
				return err
			}
			if len(dls) == 0 {
				fmt.Println("No dead letters")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKEY\tSIGNAL\tATTEMPTS\tFAILED\tERROR")
			for _, dl := range dls {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					dl.ID, dl.Signal.Key, dl.Signal.Type, dl.Attempts,
					dl.FailedAt.Format(time.RFC3339), dl.Error)
			}
			return w.Flush()
		})
	},
}

var deadletterReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-apply every dead-lettered signal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, s *stack) error {
			report, err := s.reconciler.ReplayDeadLetters(ctx)
			fmt.Printf("Replayed: %d, failed: %d, discarded: %d\n", report.Replayed, report.Failed, report.Discarded)
			return err
		})
	},
}

var deadletterExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write dead letters as JSON lines",
	Long: `Write every dead letter as one JSON object per line, to a file or to
stdout. The export leaves the dead letters in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		return withStack(cmd, func(ctx context.Context, s *stack) error {
			dls, err := s.store.ListDeadLetters()
			if err != nil {
				return err
			}

			dest := os.Stdout
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %v", output, err)
				}
				defer f.Close()
				dest = f
			}

			w := eventlog.NewJSONLWriter[*types.DeadLetter](dest)
			for _, dl := range dls {
				if err := w.Append(dl); err != nil {
					return err
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if dest != os.Stdout {
				fmt.Printf("✓ Exported %d dead letters to %s\n", len(dls), output)
			}
			return nil
		})
	},
}

var alarmCmd = &cobra.Command{
	Use:   "alarm",
	Short: "Inspect and redeliver pending alarms",
}

var alarmBacklogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "List alarms waiting for delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, s *stack) error {
			pending, err := s.store.ListPendingAlarms()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending alarms")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tREASON\tDETECTED\tATTEMPTS\tLAST ERROR")
			for _, a := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					a.IdempotencyKey, a.Reason, a.DetectedAt.Format(time.RFC3339), a.Attempts, a.LastError)
			}
			return w.Flush()
		})
	},
}

var alarmRedeliverCmd = &cobra.Command{
	Use:   "redeliver",
	Short: "Attempt delivery of every pending alarm once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, redeliver)
	},
}

func redeliver(ctx context.Context, s *stack) error {
	report, err := s.dispatcher.Redeliver(ctx)
	fmt.Printf("Delivered: %d, failed: %d, skipped: %d\n", report.Delivered, report.Failed, report.Skipped)
	return err
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Read archived records",
}

var archiveReadCmd = &cobra.Command{
	Use:   "read FILE",
	Short: "Print the records in an archive file as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, closer, err := sweeper.ReadArchive(args[0])
		if err != nil {
			return err
		}
		defer closer.Close()

		w := eventlog.NewJSONLWriter[*types.ReplicationRecord](os.Stdout)
		for record, err := range seq {
			if err != nil {
				return fmt.Errorf("failed to read %s: %v", args[0], err)
			}
			if err := w.Append(record); err != nil {
				return err
			}
		}
		return w.Flush()
	},
}

func init() {
	sweepCmd.Flags().Bool("deliver", false, "Deliver pending alarms after the pass")
	deadletterExportCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")

	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterReplayCmd)
	deadletterCmd.AddCommand(deadletterExportCmd)
	alarmCmd.AddCommand(alarmBacklogCmd)
	alarmCmd.AddCommand(alarmRedeliverCmd)
	archiveCmd.AddCommand(archiveReadCmd)
	rootCmd.AddCommand(archiveCmd)
}
