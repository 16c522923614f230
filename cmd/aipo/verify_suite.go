package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/gate"
	"github.com/aipo-project/aipo/pkg/report"
	"github.com/aipo-project/aipo/pkg/runner"
)

func newVerifySuiteCmd() *cobra.Command {
	var (
		targetName   string
		model        string
		judgeKind    string
		sampleRate   float64
		threshold    float64
		seed         int64
		reportFormat string
		noCache      bool
	)

	cmd := &cobra.Command{
		Use:   "verify-suite <suite>",
		Short: "Measure a suite's attack success rate with confidence intervals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if seed != 0 {
				cfg.Seed = seed
			}
			if sampleRate != 0 {
				cfg.SampleRate = sampleRate
			}

			suite, err := config.LoadSuite(args[0])
			if err != nil {
				return exitWith(gate.ExitUsage, err)
			}

			opts := engineOptions{
				TargetName:   targetName,
				Model:        model,
				JudgeKind:    judgeKind,
				Threshold:    threshold,
				DisableCache: noCache,
			}
			e, err := buildEngine(ctx, cfg, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			r, err := runner.New(runner.Options{
				Executor:   e.orch,
				Config:     cfg.Runner,
				Model:      e.targetCfg.Model,
				Seed:       cfg.Seed,
				SampleRate: cfg.SampleRate,
				Threshold:  e.threshold(opts),
			})
			if err != nil {
				return exitWith(gate.ExitUsage, err)
			}

			summary, err := r.Run(ctx, suite)
			if err != nil {
				return exitWith(gate.ExitUsage, err)
			}

			out, err := report.Render(summary, reportFormat)
			if err != nil {
				return exitWith(gate.ExitUsage, err)
			}
			fmt.Print(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&targetName, "adapter", "", "target name from config (default: default_target)")
	cmd.Flags().StringVar(&model, "model", "", "model ID override")
	cmd.Flags().StringVar(&judgeKind, "judge", "", "judge: keyword|llm|classifier|ensemble")
	cmd.Flags().Float64Var(&sampleRate, "sample-rate", 0, "stratified sample rate in (0,1)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "judge score threshold for attack success")
	cmd.Flags().Int64Var(&seed, "seed", 0, "sampler seed")
	cmd.Flags().StringVar(&reportFormat, "report-format", "json", "output format: json|yaml|md|html")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the response cache")
	return cmd
}
