package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aipo-project/aipo/pkg/capture"
	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/evidence"
	"github.com/aipo-project/aipo/pkg/gate"
	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/report"
	"github.com/aipo-project/aipo/pkg/runner"
)

func newRunCmd() *cobra.Command {
	var (
		suitePath      string
		targetName     string
		model          string
		judgeKind      string
		policyPath     string
		sampleRate     float64
		seed           int64
		maxTurns       int
		orchMode       string
		scoring        string
		strategy       string
		threshold      float64
		budgetUSD      float64
		budgetTokens   int64
		budgetWall     time.Duration
		maxRate        string
		stealth        bool
		randomDelay    string
		captureTraffic bool
		noCache        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a test suite against a target and evaluate the gate",
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
			if budgetUSD > 0 {
				cfg.Runner.BudgetUSD = budgetUSD
			}
			if budgetTokens > 0 {
				cfg.Runner.BudgetTokens = budgetTokens
			}
			if budgetWall > 0 {
				cfg.Runner.BudgetWall = config.Duration(budgetWall)
			}

			suite, err := config.LoadSuite(suitePath)
			if err != nil {
				return exitWith(gate.ExitUsage, err)
			}

			opts := engineOptions{
				TargetName: targetName,
				Model:      model,
				JudgeKind:  judgeKind,
				Threshold:  threshold,
				PolicyPath: policyPath,
				MultiTurn:  orchMode == "multi",
				MaxTurns:   maxTurns,
				Scoring:    scoring,
				Strategy:   strategy,

				DisableCache: noCache,
				Stealth:      stealth,
			}
			switch orchMode {
			case "", "single", "multi":
			default:
				return exitWith(gate.ExitUsage, fmt.Errorf("unknown orchestrator mode %q (want single or multi)", orchMode))
			}
			if maxRate != "" {
				rpm, err := parseMaxRate(maxRate)
				if err != nil {
					return exitWith(gate.ExitUsage, err)
				}
				opts.RPM = rpm
			}
			if randomDelay != "" {
				min, max, err := parseDelayRange(randomDelay)
				if err != nil {
					return exitWith(gate.ExitUsage, err)
				}
				opts.DelayMin, opts.DelayMax = min, max
			}

			var traffic *capture.Capture
			if captureTraffic || cfg.Capture.Enabled {
				traffic = capture.New(cfg.Capture.QueueSize, nil)
				opts.Capture = traffic
			}

			e, err := buildEngine(ctx, cfg, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			return executeRun(ctx, e, suite, opts, traffic)
		},
	}

	cmd.Flags().StringVar(&suitePath, "suite", "", "path to the suite YAML (required)")
	cmd.Flags().StringVar(&targetName, "adapter", "", "target name from config (default: default_target)")
	cmd.Flags().StringVar(&model, "model", "", "model ID override")
	cmd.Flags().StringVar(&judgeKind, "judge", "", "judge: keyword|llm|classifier|ensemble")
	cmd.Flags().StringVar(&policyPath, "policy", "", "path to the policy YAML")
	cmd.Flags().Float64Var(&sampleRate, "sample-rate", 0, "stratified sample rate in (0,1)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "sampler seed (also $AIPO_SEED)")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "multi-turn conversation budget")
	cmd.Flags().StringVar(&orchMode, "orchestrator", "single", "orchestrator: single|multi")
	cmd.Flags().StringVar(&scoring, "scoring", "", "multi-turn scoring: any|majority|final")
	cmd.Flags().StringVar(&strategy, "strategy", "", "multi-turn strategy: repeat|escalate|inject")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "judge score threshold for attack success")
	cmd.Flags().Float64Var(&budgetUSD, "budget-usd", 0, "stop the run past this estimated cost")
	cmd.Flags().Int64Var(&budgetTokens, "budget-tokens", 0, "stop the run past this token total")
	cmd.Flags().DurationVar(&budgetWall, "budget-wall", 0, "stop the run past this wall-clock duration")
	cmd.Flags().StringVar(&maxRate, "max-rate", "", `request rate cap, "N/sec" or "N/min"`)
	cmd.Flags().BoolVar(&stealth, "stealth", false, "serialize target calls")
	cmd.Flags().StringVar(&randomDelay, "random-delay", "", `random pause range in seconds, "a-b"`)
	cmd.Flags().BoolVar(&captureTraffic, "capture-traffic", false, "record target exchanges as session.har")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the response cache")
	_ = cmd.MarkFlagRequired("suite")
	return cmd
}

// executeRun drives the suite, writes every artifact into the evidence pack,
// evaluates the gate, and seals the archive. The pack is finalized even when
// the gate fails so operators can always inspect the evidence.
func executeRun(ctx context.Context, e *engine, suite *models.Suite, opts engineOptions, traffic *capture.Capture) error {
	runID := uuid.NewString()
	pack, err := evidence.NewPack(e.layout.Evidence, runID, nil)
	if err != nil {
		return exitWith(gate.ExitUsage, err)
	}

	r, err := runner.New(runner.Options{
		Executor:   e.orch,
		Config:     e.cfg.Runner,
		RunID:      runID,
		Model:      e.targetCfg.Model,
		Seed:       e.cfg.Seed,
		SampleRate: e.cfg.SampleRate,
		Threshold:  e.threshold(opts),
		OnResult:   printResultLine,
	})
	if err != nil {
		return exitWith(gate.ExitUsage, err)
	}

	summary, err := r.Run(ctx, suite)
	if err != nil {
		return exitWith(gate.ExitUsage, err)
	}

	if err := writeArtifacts(ctx, e, pack, suite, summary, traffic); err != nil {
		return exitWith(gate.ExitUsage, err)
	}

	gateResult, gateErr := gate.Evaluate(summary, e.policy, nil)
	if archive, sealErr := pack.Seal(e.fingerprint(), e.policyHash, gateResult); sealErr != nil {
		fmt.Printf("warning: failed to seal evidence pack: %v\n", sealErr)
	} else {
		fmt.Printf("evidence: %s\n", archive)
	}

	printStatusLine(summary, gateResult)
	if gateErr != nil {
		return exitWith(gate.ExitUsage, gateErr)
	}
	if !gateResult.Passed {
		return exitWith(gate.ExitFail, fmt.Errorf("gate failed: %s", gateResult.Reason))
	}
	return nil
}

// writeArtifacts stages summary.json, junit.xml, transcripts, and the HAR
// capture inside the evidence pack.
func writeArtifacts(ctx context.Context, e *engine, pack *evidence.Pack, suite *models.Suite, summary *models.RunSummary, traffic *capture.Capture) error {
	if _, err := report.WriteSummary(pack.ReportsDir(), summary); err != nil {
		return err
	}
	if _, err := report.WriteJUnit(pack.ReportsDir(), summary); err != nil {
		return err
	}

	for i := range summary.Results {
		res := &summary.Results[i]
		turns, err := resultTurns(ctx, e, suite, res)
		if err != nil {
			return err
		}
		if len(turns) == 0 {
			continue
		}
		if _, err := report.WriteTranscript(pack.TranscriptsDir(), res.TestID, turns); err != nil {
			return err
		}
	}

	if traffic != nil {
		if _, err := traffic.Finalize(filepath.Join(pack.Root(), "traffic")); err != nil {
			return err
		}
	}
	return nil
}

// resultTurns reconstructs the transcript for one result: persisted turns for
// multi-turn conversations, a synthetic user/assistant pair for single-turn.
func resultTurns(ctx context.Context, e *engine, suite *models.Suite, res *models.TestResult) ([]models.Turn, error) {
	if res.ConversationID != "" && e.memory != nil {
		return e.memory.List(ctx, res.ConversationID)
	}
	if res.Response == nil {
		return nil, nil
	}
	tc := suite.Case(res.TestID)
	if tc == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	return []models.Turn{
		{TurnIndex: 0, Role: models.RoleUser, Content: tc.Prompt, CreatedAt: now},
		{TurnIndex: 1, Role: models.RoleAssistant, Content: res.Response.Text, CreatedAt: now},
	}, nil
}

func printResultLine(res *models.TestResult) {
	switch {
	case res.Status == models.StatusPassed:
		fmt.Printf("PASS  %s\n", res.TestID)
	case res.Status == models.StatusFailed:
		score := "-"
		if res.JudgeScore != nil {
			score = fmt.Sprintf("%.1f", *res.JudgeScore)
		}
		fmt.Printf("FAIL  %s  score=%s label=%s findings=%d\n",
			res.TestID, score, res.JudgeLabel, len(res.Findings))
	case res.Status.IsError():
		fmt.Printf("ERROR %s  %s: %s\n", res.TestID, res.Status, res.Error)
	default:
		fmt.Printf("SKIP  %s  %s\n", res.TestID, res.Error)
	}
}

func printStatusLine(summary *models.RunSummary, gateResult *models.GateResult) {
	budget := "within-budget"
	if summary.BudgetExceeded {
		budget = "budget-exceeded"
	}
	outcome := "no-gate"
	if gateResult != nil {
		if gateResult.Passed {
			outcome = "gate-passed"
		} else {
			outcome = "gate-failed"
		}
	}
	fmt.Printf("run %s: passed=%d failed=%d errors=%d skipped=%d %s %s\n",
		summary.RunID, summary.Passed, summary.Failed, summary.Errors,
		summary.Skipped, budget, outcome)
	if asr, ok := summary.Metric(models.MetricASR); ok {
		low := summary.Metrics[models.MetricASRCILow]
		high := summary.Metrics[models.MetricASRCIHigh]
		fmt.Printf("asr=%.4f ci=[%.4f, %.4f] method=%s n=%d\n", asr, low, high, summary.CIMethod, summary.N)
	}
}

// parseMaxRate converts "N/sec" or "N/min" to requests per minute.
func parseMaxRate(s string) (int, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf(`invalid --max-rate %q (want "N/sec" or "N/min")`, s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid --max-rate count %q", parts[0])
	}
	switch strings.TrimSpace(parts[1]) {
	case "sec", "s":
		return n * 60, nil
	case "min", "m":
		return n, nil
	default:
		return 0, fmt.Errorf("invalid --max-rate unit %q (want sec or min)", parts[1])
	}
}

// parseDelayRange converts "a-b" (seconds) to a duration range.
func parseDelayRange(s string) (time.Duration, time.Duration, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf(`invalid --random-delay %q (want "a-b" seconds)`, s)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || lo < 0 {
		return 0, 0, fmt.Errorf("invalid --random-delay lower bound %q", parts[0])
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || hi < lo {
		return 0, 0, fmt.Errorf("invalid --random-delay upper bound %q", parts[1])
	}
	return time.Duration(lo * float64(time.Second)), time.Duration(hi * float64(time.Second)), nil
}
