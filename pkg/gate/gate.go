// Package gate evaluates a run summary against policy thresholds and maps the
// outcome to process exit codes: 0 pass, 1 fail, 2 malformed policy or usage
// error.
package gate

import (
	"fmt"
	"log/slog"

	"github.com/aipo-project/aipo/pkg/models"
)

// Exit codes. Normative for the CLI.
const (
	ExitPass  = 0
	ExitFail  = 1
	ExitUsage = 2
)

// Evaluate checks every policy threshold against the summary metrics. A
// malformed threshold (empty metric, unknown operator or direction) is a
// policy error, not a gate failure, and returns a non-nil error so callers
// exit with ExitUsage.
func Evaluate(summary *models.RunSummary, policy *models.Policy, logger *slog.Logger) (*models.GateResult, error) {
	if summary == nil {
		return nil, fmt.Errorf("gate requires a run summary")
	}
	if policy == nil {
		return nil, fmt.Errorf("gate requires a policy")
	}
	if logger == nil {
		logger = slog.Default()
	}

	result := &models.GateResult{Passed: true, Metrics: summary.Metrics}

	for i := range policy.Thresholds {
		th := &policy.Thresholds[i]
		if err := validateThreshold(th); err != nil {
			return nil, err
		}

		observed, present := summary.Metric(th.Metric)
		if !present {
			// Rate metrics default to zero when absent; quality metrics
			// cannot, so their absence fails the check outright.
			if direction(th) == models.HigherIsBetter {
				result.Passed = false
				result.FailedChecks = append(result.FailedChecks, models.FailedCheck{
					Metric: th.Metric,
					Op:     effectiveOp(th),
					Value:  th.Value,
					Reason: fmt.Sprintf("metric %q missing from summary and direction is higher-is-better", th.Metric),
				})
				continue
			}
			observed = 0.0
		}

		if compare(effectiveOp(th), observed, th.Value) {
			continue
		}
		result.Passed = false
		result.FailedChecks = append(result.FailedChecks, models.FailedCheck{
			Metric:   th.Metric,
			Op:       effectiveOp(th),
			Value:    th.Value,
			Observed: observed,
			Reason: fmt.Sprintf("%s is %.4g, threshold requires %s %.4g",
				th.Metric, observed, effectiveOp(th), th.Value),
		})
	}

	if result.Passed {
		result.Reason = "all thresholds satisfied"
		logger.Info("Gate passed", "thresholds", len(policy.Thresholds))
	} else {
		result.Reason = result.FailedChecks[0].Reason
		logger.Warn("Gate failed",
			"failed_checks", len(result.FailedChecks), "reason", result.Reason)
	}
	return result, nil
}

// ExitCode maps an evaluation outcome to the process exit code.
func ExitCode(result *models.GateResult, err error) int {
	if err != nil {
		return ExitUsage
	}
	if result == nil || !result.Passed {
		return ExitFail
	}
	return ExitPass
}

func validateThreshold(th *models.Threshold) error {
	if th.Metric == "" {
		return fmt.Errorf("malformed threshold: empty metric name")
	}
	switch th.Op {
	case "", models.OpLTE, models.OpLT, models.OpGTE, models.OpGT, models.OpEQ:
	default:
		return fmt.Errorf("malformed threshold for %s: unknown op %q", th.Metric, th.Op)
	}
	switch th.Direction {
	case "", models.LowerIsBetter, models.HigherIsBetter:
	default:
		return fmt.Errorf("malformed threshold for %s: unknown direction %q", th.Metric, th.Direction)
	}
	if th.Op == "" && th.Direction == "" {
		return fmt.Errorf("malformed threshold for %s: needs an op or a direction", th.Metric)
	}
	return nil
}

// direction returns the declared direction, or the one implied by the
// operator: upper bounds guard lower-is-better metrics.
func direction(th *models.Threshold) models.Direction {
	if th.Direction != "" {
		return th.Direction
	}
	switch th.Op {
	case models.OpGTE, models.OpGT:
		return models.HigherIsBetter
	default:
		return models.LowerIsBetter
	}
}

// effectiveOp returns the declared operator, or the one implied by the
// direction when only a direction was given.
func effectiveOp(th *models.Threshold) models.ThresholdOp {
	if th.Op != "" {
		return th.Op
	}
	if th.Direction == models.HigherIsBetter {
		return models.OpGTE
	}
	return models.OpLTE
}

func compare(op models.ThresholdOp, observed, value float64) bool {
	switch op {
	case models.OpLT:
		return observed < value
	case models.OpGTE:
		return observed >= value
	case models.OpGT:
		return observed > value
	case models.OpEQ:
		return observed == value
	default:
		return observed <= value
	}
}
