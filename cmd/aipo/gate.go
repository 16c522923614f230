package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aipo-project/aipo/pkg/evidence"
	"github.com/aipo-project/aipo/pkg/gate"
	"github.com/aipo-project/aipo/pkg/paths"
	"github.com/aipo-project/aipo/pkg/report"
)

func newGateCmd() *cobra.Command {
	var (
		summaryPath      string
		policyPath       string
		generateEvidence bool
	)

	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Evaluate a stored run summary against policy thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := report.LoadSummary(summaryPath)
			if err != nil {
				return exitWith(gate.ExitUsage, err)
			}
			policy, policyHash, err := loadPolicy(policyPath)
			if err != nil {
				return exitWith(gate.ExitUsage, err)
			}

			result, err := gate.Evaluate(summary, policy, nil)
			if err != nil {
				return exitWith(gate.ExitUsage, err)
			}

			if generateEvidence {
				layout := paths.Resolve(flagOutputDir)
				if err := layout.EnsureAll(); err != nil {
					return exitWith(gate.ExitUsage, err)
				}
				pack, err := evidence.NewPack(layout.Evidence, summary.RunID, nil)
				if err != nil {
					return exitWith(gate.ExitUsage, err)
				}
				if _, err := report.WriteSummary(pack.ReportsDir(), summary); err != nil {
					return exitWith(gate.ExitUsage, err)
				}
				archive, err := pack.Seal("", policyHash, result)
				if err != nil {
					return exitWith(gate.ExitUsage, err)
				}
				fmt.Printf("evidence: %s\n", archive)
			}

			if !result.Passed {
				for _, check := range result.FailedChecks {
					fmt.Printf("failed: %s\n", check.Reason)
				}
				return exitWith(gate.ExitFail, fmt.Errorf("gate failed: %s", result.Reason))
			}
			fmt.Println("gate passed:", result.Reason)
			return nil
		},
	}

	cmd.Flags().StringVar(&summaryPath, "summary", "", "path to summary.json (required)")
	cmd.Flags().StringVar(&policyPath, "policy", "", "path to the policy YAML (required)")
	cmd.Flags().BoolVar(&generateEvidence, "generate-evidence", false, "seal an evidence pack for this evaluation")
	_ = cmd.MarkFlagRequired("summary")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func newVerifyEvidenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-evidence <archive.zip>",
		Short: "Check an evidence pack's manifest hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := evidence.Verify(args[0])
			if err != nil {
				return exitWith(gate.ExitFail, err)
			}
			fmt.Printf("verified: run %s, %d files, engine %s\n",
				manifest.RunID, len(manifest.Files), manifest.EngineVersion)
			return nil
		},
	}
}
