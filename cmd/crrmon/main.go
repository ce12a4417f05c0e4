package main

import (
	"fmt"
	"os"

	"github.com/aws-solutions/aws-crr-monitor/pkg/config"
	"github.com/aws-solutions/aws-crr-monitor/pkg/log"
	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crrmon",
	Short: "crrmon - cross-region replication monitor",
	Long: `crrmon tracks every object written to a monitored source bucket until
its replica is confirmed, and raises an alarm when replication fails or
does not finish within the rule's SLA window.

Run the daemon with 'crrmon run'. The rule, record and events commands talk
to a running daemon; sweep, deadletter and alarm commands open the data
directory directly and need the daemon to be stopped.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"crrmon version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("env-file", ".env", "dotenv file with CRRMON_* overrides")
	flags.String("data-dir", "", "Data directory (overrides config)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Log in JSON")
	flags.String("server", "", "Daemon address for client commands (default: config listenAddr)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(deadletterCmd)
	rootCmd.AddCommand(alarmCmd)
}

// loadConfig resolves the configuration for cmd and initializes logging.
// Flags set on the command line win over file and environment values.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")

	cfg, err := config.Load(path, envFile)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}
	if cmd.Flags().Changed("listen-addr") {
		cfg.ListenAddr, _ = cmd.Flags().GetString("listen-addr")
	}
	if cmd.Flags().Changed("webhook-url") {
		cfg.WebhookURL, _ = cmd.Flags().GetString("webhook-url")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: level, JSONOutput: cfg.LogJSON})
	metrics.SetVersion(Version)
	return cfg, nil
}
