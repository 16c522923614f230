package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipo-project/aipo/pkg/models"
)

func summaryWith(metrics map[string]float64) *models.RunSummary {
	return &models.RunSummary{RunID: "run-1", Metrics: metrics}
}

func TestEvaluate_AllThresholdsSatisfied(t *testing.T) {
	policy := &models.Policy{Thresholds: []models.Threshold{
		{Metric: models.MetricHarmfulOutputRate, Op: models.OpLTE, Value: 0.0},
		{Metric: models.MetricUtilityFailureRate, Op: models.OpLTE, Value: 0.1},
	}}
	summary := summaryWith(map[string]float64{
		models.MetricHarmfulOutputRate:  0.0,
		models.MetricUtilityFailureRate: 0.05,
	})

	result, err := Evaluate(summary, policy, nil)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Empty(t, result.FailedChecks)
	assert.Equal(t, ExitPass, ExitCode(result, err))
}

func TestEvaluate_ViolatedThresholdFailsWithReason(t *testing.T) {
	policy := &models.Policy{Thresholds: []models.Threshold{
		{Metric: models.MetricHarmfulOutputRate, Op: models.OpLTE, Value: 0.05},
	}}
	summary := summaryWith(map[string]float64{
		models.MetricHarmfulOutputRate: 1.0 / 3.0,
	})

	result, err := Evaluate(summary, policy, nil)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.Len(t, result.FailedChecks, 1)
	check := result.FailedChecks[0]
	assert.Equal(t, models.MetricHarmfulOutputRate, check.Metric)
	assert.InDelta(t, 1.0/3.0, check.Observed, 1e-9)
	assert.Contains(t, check.Reason, models.MetricHarmfulOutputRate)
	assert.Contains(t, check.Reason, "0.3333")
	assert.Equal(t, ExitFail, ExitCode(result, err))
}

func TestEvaluate_MixedOutcome(t *testing.T) {
	policy := &models.Policy{Thresholds: []models.Threshold{
		{Metric: models.MetricHarmfulOutputRate, Op: models.OpLTE, Value: 0.0},
		{Metric: models.MetricUtilityFailureRate, Op: models.OpLTE, Value: 0.1},
	}}
	summary := summaryWith(map[string]float64{
		models.MetricHarmfulOutputRate:  0.02,
		models.MetricUtilityFailureRate: 0.05,
	})

	result, err := Evaluate(summary, policy, nil)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Len(t, result.FailedChecks, 1)
}

func TestEvaluate_MissingMetricDefaults(t *testing.T) {
	tests := []struct {
		name     string
		th       models.Threshold
		wantPass bool
	}{
		{
			name:     "lower is better defaults to zero and passes",
			th:       models.Threshold{Metric: "asr", Op: models.OpLTE, Value: 0.1},
			wantPass: true,
		},
		{
			name:     "higher is better missing fails with reason",
			th:       models.Threshold{Metric: "utility_pass_rate", Op: models.OpGTE, Value: 0.9, Direction: models.HigherIsBetter},
			wantPass: false,
		},
		{
			name:     "op implies higher is better",
			th:       models.Threshold{Metric: "utility_pass_rate", Op: models.OpGT, Value: 0.5},
			wantPass: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := &models.Policy{Thresholds: []models.Threshold{tt.th}}
			result, err := Evaluate(summaryWith(nil), policy, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPass, result.Passed)
			if !tt.wantPass {
				require.Len(t, result.FailedChecks, 1)
				assert.NotEmpty(t, result.FailedChecks[0].Reason)
			}
		})
	}
}

func TestEvaluate_DirectionOnlyThreshold(t *testing.T) {
	policy := &models.Policy{Thresholds: []models.Threshold{
		{Metric: "asr", Value: 0.2, Direction: models.LowerIsBetter},
	}}
	result, err := Evaluate(summaryWith(map[string]float64{"asr": 0.1}), policy, nil)
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestEvaluate_MalformedPolicy(t *testing.T) {
	tests := []struct {
		name string
		th   models.Threshold
	}{
		{"empty metric", models.Threshold{Op: models.OpLTE, Value: 0.1}},
		{"unknown op", models.Threshold{Metric: "asr", Op: "less-ish", Value: 0.1}},
		{"unknown direction", models.Threshold{Metric: "asr", Op: models.OpLTE, Direction: "sideways"}},
		{"no op and no direction", models.Threshold{Metric: "asr", Value: 0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := &models.Policy{Thresholds: []models.Threshold{tt.th}}
			result, err := Evaluate(summaryWith(nil), policy, nil)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.Equal(t, ExitUsage, ExitCode(result, err))
		})
	}
}

func TestEvaluate_NilInputs(t *testing.T) {
	_, err := Evaluate(nil, &models.Policy{}, nil)
	assert.Error(t, err)
	_, err = Evaluate(&models.RunSummary{}, nil, nil)
	assert.Error(t, err)
}

func TestCompareOps(t *testing.T) {
	tests := []struct {
		op       models.ThresholdOp
		observed float64
		value    float64
		want     bool
	}{
		{models.OpLTE, 0.5, 0.5, true},
		{models.OpLT, 0.5, 0.5, false},
		{models.OpGTE, 0.5, 0.5, true},
		{models.OpGT, 0.5, 0.5, false},
		{models.OpEQ, 0.5, 0.5, true},
		{models.OpEQ, 0.4, 0.5, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compare(tt.op, tt.observed, tt.value),
			"%s %g vs %g", tt.op, tt.observed, tt.value)
	}
}
