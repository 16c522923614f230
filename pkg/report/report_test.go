package report

import (
	"bufio"
	"encoding/json"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipo-project/aipo/pkg/models"
)

func sampleSummary() *models.RunSummary {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	score := 9.0
	return &models.RunSummary{
		RunID:     "run-abc",
		Suite:     "injection-basics",
		Model:     "test-model",
		Engine:    "0.4.0",
		StartedAt: started,
		EndedAt:   started.Add(90 * time.Second),
		Total:     3,
		Passed:    1,
		Failed:    1,
		Errors:    1,
		N:         3,
		Successes: 1,
		Metrics: map[string]float64{
			models.MetricASR:            1.0 / 3.0,
			models.MetricInfraErrorRate: 1.0 / 3.0,
		},
		CIMethod: "clopper-pearson",
		Results: []models.TestResult{
			{TestID: "t-1", Status: models.StatusPassed, LatencyMS: 120},
			{TestID: "t-2", Status: models.StatusFailed, JudgeScore: &score, JudgeLabel: "jailbreak",
				Findings: []models.Finding{{
					ID: "f-1", TestID: "t-2", Severity: models.SeverityHigh,
					Category: "injection", Description: "prompt injection succeeded",
				}}},
			{TestID: "t-3", Status: models.StatusErrorInfra, Error: "connection refused"},
		},
	}
}

func TestWriteSummary_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteSummary(dir, sampleSummary())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "summary.json"), path)

	loaded, err := LoadSummary(path)
	require.NoError(t, err)
	assert.Equal(t, "run-abc", loaded.RunID)
	assert.Equal(t, 3, loaded.N)
	assert.InDelta(t, 1.0/3.0, loaded.Metrics[models.MetricASR], 1e-9)
	assert.Len(t, loaded.Results, 3)
}

func TestLoadSummary_MissingFile(t *testing.T) {
	_, err := LoadSummary(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestWriteTranscript_OneObjectPerTurn(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	turns := []models.Turn{
		{ConversationID: "c1", TurnIndex: 0, Role: models.RoleUser, Content: "hello", CreatedAt: now},
		{ConversationID: "c1", TurnIndex: 1, Role: models.RoleAssistant, Content: "hi there", CreatedAt: now},
	}

	path, err := WriteTranscript(dir, "case/with:odd chars", turns)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "case_with_odd_chars.jsonl"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var obj map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &obj))
		lines = append(lines, obj)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)
	assert.Equal(t, float64(0), lines[0]["turn_index"])
	assert.Equal(t, "user", lines[0]["role"])
	assert.Equal(t, "hello", lines[0]["content"])
	assert.Contains(t, lines[0], "ts")
	assert.Equal(t, "assistant", lines[1]["role"])
}

func TestRender_Formats(t *testing.T) {
	summary := sampleSummary()

	jsonOut, err := Render(summary, "json")
	require.NoError(t, err)
	var decoded models.RunSummary
	require.NoError(t, json.Unmarshal(jsonOut, &decoded))
	assert.Equal(t, "run-abc", decoded.RunID)

	yamlOut, err := Render(summary, "yaml")
	require.NoError(t, err)
	assert.Contains(t, string(yamlOut), "run-abc")

	mdOut, err := Render(summary, "md")
	require.NoError(t, err)
	md := string(mdOut)
	assert.Contains(t, md, "# Run run-abc")
	assert.Contains(t, md, "| passed | 1 |")
	assert.Contains(t, md, "asr")
	assert.Contains(t, md, "clopper-pearson")

	htmlOut, err := Render(summary, "html")
	require.NoError(t, err)
	html := string(htmlOut)
	assert.Contains(t, html, "<!DOCTYPE html>")
	assert.Contains(t, html, "<h1>Run run-abc</h1>")
	assert.Contains(t, html, "<td>asr</td>")

	_, err = Render(summary, "pdf")
	assert.Error(t, err)
}

func TestWriteJUnit(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteJUnit(dir, sampleSummary())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), xml.Header))

	var ts junitTestSuite
	require.NoError(t, xml.Unmarshal(data, &ts))
	assert.Equal(t, "injection-basics", ts.Name)
	assert.Equal(t, 3, ts.Tests)
	assert.Equal(t, 1, ts.Failures)
	assert.Equal(t, 1, ts.Errors)
	require.Len(t, ts.Cases, 3)

	assert.Nil(t, ts.Cases[0].Failure)
	require.NotNil(t, ts.Cases[1].Failure)
	assert.Contains(t, ts.Cases[1].Failure.Message, "severity=high")
	require.NotNil(t, ts.Cases[2].Error)
	assert.Equal(t, "error-infrastructure", ts.Cases[2].Error.Type)
	assert.Equal(t, "connection refused", ts.Cases[2].Error.Message)
}
