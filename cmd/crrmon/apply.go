package main

import (
	"context"
	"fmt"

	"github.com/aws-solutions/aws-crr-monitor/pkg/registration"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Register the rules in a manifest",
	Long: `Register every rule listed in a manifest with a running daemon.

Manifests are YAML, or JSON with comments when the document starts with a
brace or a comment:

  apiVersion: crrmon/v1
  kind: ReplicationRuleSet
  rules:
    - sourceBucket: photos
      destinationBucket: photos-replica
      slaWindowSeconds: 3600

Examples:
  crrmon apply -f rules.yaml
  crrmon apply -f rules.jsonc --server 10.0.0.5:9090`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Manifest file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	manifest, err := registration.ReadManifest(filename)
	if err != nil {
		return err
	}

	c, err := daemonClient(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	rejected := 0
	for _, spec := range manifest.Rules {
		res, err := c.RegisterRule(ctx, spec)
		if err != nil {
			return fmt.Errorf("failed to register %s: %v", spec.SourceBucket, err)
		}
		if !res.Accepted {
			rejected++
			fmt.Printf("✗ Rule rejected: %s -> %s (%s)\n", spec.SourceBucket, spec.DestinationBucket, res.Reason)
			continue
		}
		fmt.Printf("✓ Rule applied: %s (revision=%d)\n", res.Rule.ID, res.Rule.Revision)
	}

	if rejected > 0 {
		return fmt.Errorf("%d of %d rules rejected", rejected, len(manifest.Rules))
	}
	return nil
}
