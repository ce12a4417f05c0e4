package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/client"
	"github.com/aws-solutions/aws-crr-monitor/pkg/registration"
	"github.com/spf13/cobra"
)

// requestTimeout bounds a single client command
const requestTimeout = 30 * time.Second

// daemonClient connects to the daemon named by --server, or to the
// configured listen address
func daemonClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	addr, _ := cmd.Flags().GetString("server")
	if addr == "" {
		addr = cfg.ListenAddr
	}
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %v", err)
	}
	return c, nil
}

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage replication rules",
}

var ruleRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register or update a replication rule",
	Long: `Register a bucket pair for monitoring. Registering a source bucket
again updates its rule; the record of an object keeps the rule revision it
was created under.

Examples:
  crrmon rule register --source photos --destination photos-replica --sla 3600
  crrmon rule register --source photos --destination photos-replica --disabled`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		destination, _ := cmd.Flags().GetString("destination")
		sla, _ := cmd.Flags().GetInt64("sla")
		disabled, _ := cmd.Flags().GetBool("disabled")

		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		spec := registration.RuleSpec{
			SourceBucket:      source,
			DestinationBucket: destination,
			SLAWindowSeconds:  sla,
		}
		if cmd.Flags().Changed("disabled") {
			enabled := !disabled
			spec.Enabled = &enabled
		}

		res, err := c.RegisterRule(ctx, spec)
		if err != nil {
			return fmt.Errorf("failed to register rule: %v", err)
		}
		if !res.Accepted {
			return fmt.Errorf("rule rejected: %s", res.Reason)
		}
		fmt.Printf("✓ Rule registered: %s (%s -> %s, sla=%s, revision=%d)\n",
			res.Rule.ID, res.Rule.SourceBucket, res.Rule.DestinationBucket, res.Rule.SLAWindow, res.Rule.Revision)
		return nil
	},
}

var ruleListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List replication rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		rules, version, err := c.ListRules(ctx)
		if err != nil {
			return fmt.Errorf("failed to list rules: %v", err)
		}
		if len(rules) == 0 {
			fmt.Println("No rules registered")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tDESTINATION\tSLA\tENABLED\tREVISION")
		for _, r := range rules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\n",
				r.ID, r.SourceBucket, r.DestinationBucket, r.SLAWindow, r.Enabled, r.Revision)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\nRule table version: %d\n", version)
		return nil
	},
}

var ruleDeleteCmd = &cobra.Command{
	Use:     "delete [ID]",
	Aliases: []string{"rm"},
	Short:   "Remove a replication rule",
	Long: `Remove a rule by id or by source bucket. Objects already being
tracked under the rule keep their deadline and still time out; new writes to
the source bucket are no longer tracked.

Examples:
  crrmon rule delete 1b4e28ba-2fa1-5bd2-9f8b-7a2d3c4e5f60
  crrmon rule delete --source photos`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		var id string
		switch {
		case len(args) == 1 && source != "":
			return fmt.Errorf("give either a rule id or --source, not both")
		case len(args) == 1:
			id = args[0]
		case source != "":
			id = registration.RuleID(source)
		default:
			return fmt.Errorf("a rule id or --source is required")
		}

		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		rule, err := c.DeleteRule(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to delete rule: %v", err)
		}
		fmt.Printf("✓ Rule removed: %s (%s -> %s)\n", rule.ID, rule.SourceBucket, rule.DestinationBucket)
		return nil
	},
}

func init() {
	ruleRegisterCmd.Flags().String("source", "", "Source bucket (required)")
	ruleRegisterCmd.Flags().String("destination", "", "Destination bucket (required)")
	ruleRegisterCmd.Flags().Int64("sla", 0, "SLA window in seconds (default: daemon defaultSLA)")
	ruleRegisterCmd.Flags().Bool("disabled", false, "Register the rule disabled")
	_ = ruleRegisterCmd.MarkFlagRequired("source")
	_ = ruleRegisterCmd.MarkFlagRequired("destination")

	ruleCmd.AddCommand(ruleRegisterCmd)
	ruleDeleteCmd.Flags().String("source", "", "Source bucket of the rule to remove")

	ruleCmd.AddCommand(ruleListCmd)
	ruleCmd.AddCommand(ruleDeleteCmd)
}
