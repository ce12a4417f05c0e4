package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/api"
	"github.com/aws-solutions/aws-crr-monitor/pkg/client"
	"github.com/aws-solutions/aws-crr-monitor/pkg/eventlog"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Inspect replication records",
}

var recordGetCmd = &cobra.Command{
	Use:   "get BUCKET/KEY@VERSION",
	Short: "Show one record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := types.ParseRecordKey(args[0])
		if err != nil {
			return err
		}
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		record, err := c.GetRecord(ctx, key)
		if client.IsNotFound(err) {
			return fmt.Errorf("record %s not found", key)
		}
		if err != nil {
			return fmt.Errorf("failed to get record: %v", err)
		}
		return printJSON(os.Stdout, record)
	},
}

var recordListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List records",
	Long: `List records, optionally filtered by status or source bucket.

Examples:
  crrmon record list --status FAILED
  crrmon record list --source photos --limit 50 --cursor <next cursor>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")

		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		page, err := c.ListRecords(ctx, client.ListOptions{
			Status: types.RecordStatus(status),
			Source: source,
			Limit:  limit,
			Cursor: cursor,
		})
		if err != nil {
			return fmt.Errorf("failed to list records: %v", err)
		}
		if len(page.Records) == 0 {
			fmt.Println("No records found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSTATUS\tRULE\tCREATED\tDEADLINE\tRETRIES")
		for _, r := range page.Records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				r.Key, r.Status, r.RuleID,
				r.CreatedAt.Format(time.RFC3339), r.Deadline.Format(time.RFC3339), r.RetryCount)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if page.NextCursor != "" {
			fmt.Printf("\nMore records: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show record counts and the rule table version",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		status, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %v", err)
		}

		fmt.Printf("Rules: %d (version %d)\n", status.Rules, status.RulesVersion)
		fmt.Println("Records:")
		statuses := make([]string, 0, len(status.Records))
		for s := range status.Records {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("  %-12s %d\n", s, status.Records[types.RecordStatus(s)])
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Send replication events to the daemon",
}

var eventsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit events from a JSON-lines file",
	Long: `Read raw events, one JSON object per line, and submit them in batches.
Lines that are not valid JSON are reported and skipped.

Examples:
  crrmon events submit -f events.jsonl
  tail -f audit.jsonl | crrmon events submit -f -`,
	RunE: runEventsSubmit,
}

func init() {
	recordListCmd.Flags().String("status", "", "Filter by status: PENDING, REPLICATED, FAILED, TIMED_OUT")
	recordListCmd.Flags().String("source", "", "Filter by source bucket")
	recordListCmd.Flags().Int("limit", 100, "Maximum records to return")
	recordListCmd.Flags().String("cursor", "", "Resume after this cursor")

	eventsSubmitCmd.Flags().StringP("file", "f", "", "JSON-lines file, - for stdin (required)")
	eventsSubmitCmd.Flags().Int("batch", 500, "Events per request")
	_ = eventsSubmitCmd.MarkFlagRequired("file")

	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordListCmd)
	eventsCmd.AddCommand(eventsSubmitCmd)
}

func runEventsSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	batchSize, _ := cmd.Flags().GetInt("batch")
	if batchSize <= 0 {
		return fmt.Errorf("--batch must be positive")
	}

	src := io.Reader(os.Stdin)
	if filename != "-" {
		f, err := os.Open(filename)
		if err != nil {
			return fmt.Errorf("failed to open events: %v", err)
		}
		defer f.Close()
		src = f
	}

	c, err := daemonClient(cmd)
	if err != nil {
		return err
	}

	var total api.SubmitResponse
	malformed := 0
	batch := make([]types.RawEvent, 0, batchSize)
	send := func() error {
		if len(batch) == 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		resp, err := c.SubmitEvents(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to submit events: %v", err)
		}
		total.Accepted += resp.Accepted
		total.Rejected = append(total.Rejected, resp.Rejected...)
		batch = batch[:0]
		return nil
	}

	for raw, err := range eventlog.NewJSONLReader[types.RawEvent](src).Iterator() {
		var lineErr *eventlog.LineError
		if errors.As(err, &lineErr) {
			malformed++
			fmt.Fprintf(os.Stderr, "skipping: %v\n", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read events: %v", err)
		}
		batch = append(batch, raw)
		if len(batch) == batchSize {
			if err := send(); err != nil {
				return err
			}
		}
	}
	if err := send(); err != nil {
		return err
	}

	fmt.Printf("✓ Events accepted: %d\n", total.Accepted)
	if len(total.Rejected) > 0 || malformed > 0 {
		fmt.Printf("Rejected: %d, malformed lines: %d\n", len(total.Rejected), malformed)
		for _, r := range total.Rejected {
			fmt.Printf("  %s\n", rejectionString(r))
		}
	}
	return nil
}

func rejectionString(r api.EventRejection) string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%+v", r)
	}
	return string(data)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
