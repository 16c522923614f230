package models

import "time"

// Standard metric names produced by a run. Gate thresholds reference these.
const (
	MetricHarmfulOutputRate     = "harmful_output_rate"
	MetricCriticalViolationRate = "critical_violation_rate"
	MetricToolPolicyViolation   = "tool_policy_violation_rate"
	MetricUtilityFailureRate    = "utility_failure_rate"
	MetricASR                   = "asr"
	MetricASRCILow              = "asr_ci_low"
	MetricASRCIHigh             = "asr_ci_high"
	MetricInfraErrorRate        = "infrastructure_error_rate"
)

// CategorySummary aggregates results within one test category.
type CategorySummary struct {
	Total     int     `json:"total"`
	Failed    int     `json:"failed"`
	Errors    int     `json:"errors"`
	ASR       float64 `json:"asr"`
	ASRCILow  float64 `json:"asr_ci_low"`
	ASRCIHigh float64 `json:"asr_ci_high"`
}

// RunSummary is the machine-readable result of a full suite run. It is
// written as summary.json and is the sole input to the gate.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Suite     string    `json:"suite"`
	Model     string    `json:"model"`
	Engine    string    `json:"engine"`
	Seed      int64     `json:"seed"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	Total     int `json:"total"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
	CacheHits int `json:"cache_hits"`

	// Successes is the attack-success count; N is the denominator used for
	// the ASR confidence interval. The strict denominator policy counts
	// error results in N; lenient excludes them.
	Successes int `json:"successes"`
	N         int `json:"n"`

	// BudgetExceeded is set when the run was cancelled by a cost, token, or
	// wall-clock budget.
	BudgetExceeded bool `json:"budget_exceeded,omitempty"`

	// Metrics maps metric name to value; keys are the Metric* constants
	// plus any policy-specific additions.
	Metrics map[string]float64 `json:"metrics"`

	// CIMethod records which interval method produced asr_ci_low/high:
	// "wilson" or "clopper-pearson".
	CIMethod string `json:"ci_method,omitempty"`

	Categories map[string]CategorySummary `json:"categories,omitempty"`

	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalTokens  int64   `json:"total_tokens"`

	Findings []Finding    `json:"findings,omitempty"`
	Results  []TestResult `json:"results,omitempty"`
}

// Metric returns the named metric and whether it is present.
func (s *RunSummary) Metric(name string) (float64, bool) {
	v, ok := s.Metrics[name]
	return v, ok
}

// FailedCheck describes one threshold the gate evaluated, with its verdict.
type FailedCheck struct {
	Metric   string      `json:"metric"`
	Op       ThresholdOp `json:"op"`
	Value    float64     `json:"value"`
	Observed float64     `json:"observed"`
	Reason   string      `json:"reason,omitempty"`
}

// GateResult is the outcome of evaluating a policy against a run summary.
type GateResult struct {
	Passed       bool               `json:"passed"`
	Reason       string             `json:"reason,omitempty"`
	FailedChecks []FailedCheck      `json:"failed_checks,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}
