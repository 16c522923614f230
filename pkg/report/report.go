// Package report writes run artifacts: summary.json, per-test transcript
// JSONL files, a JUnit XML report, and rendered summaries for the terminal.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/paths"
)

// WriteSummary writes the run summary as summary.json under dir.
func WriteSummary(dir string, summary *models.RunSummary) (string, error) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode summary: %w", err)
	}
	path := filepath.Join(dir, "summary.json")
	if err := paths.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// LoadSummary reads a summary.json previously written by WriteSummary.
func LoadSummary(path string) (*models.RunSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read summary %s: %w", path, err)
	}
	var s models.RunSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse summary %s: %w", path, err)
	}
	return &s, nil
}

// transcriptLine is one JSONL record in a transcript file.
type transcriptLine struct {
	TurnIndex int       `json:"turn_index"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	TS        time.Time `json:"ts"`
}

// WriteTranscript writes the turns of one test as <test_id>.jsonl under dir,
// one JSON object per turn in turn order.
func WriteTranscript(dir, testID string, turns []models.Turn) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, turn := range turns {
		line := transcriptLine{
			TurnIndex: turn.TurnIndex,
			Role:      string(turn.Role),
			Content:   turn.Content,
			TS:        turn.CreatedAt.UTC(),
		}
		if err := enc.Encode(line); err != nil {
			return "", fmt.Errorf("failed to encode transcript turn %d: %w", turn.TurnIndex, err)
		}
	}
	path := filepath.Join(dir, sanitizeFilename(testID)+".jsonl")
	if err := paths.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Render serializes the summary in the requested format: json, yaml, md, or
// html.
func Render(summary *models.RunSummary, format string) ([]byte, error) {
	switch format {
	case "", "json":
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode summary: %w", err)
		}
		return append(data, '\n'), nil
	case "yaml":
		data, err := yaml.Marshal(summary)
		if err != nil {
			return nil, fmt.Errorf("failed to encode summary: %w", err)
		}
		return data, nil
	case "md":
		return renderMarkdown(summary), nil
	case "html":
		return renderHTML(summary)
	default:
		return nil, fmt.Errorf("unknown report format %q (want json, yaml, md, or html)", format)
	}
}

// htmlTemplate is a self-contained page: no external assets, so the file can
// be attached to tickets or archived in the evidence pack as-is.
var htmlTemplate = template.Must(template.New("summary").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Run {{.RunID}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 1.5em; }
th, td { border: 1px solid #ccc; padding: 0.3em 0.8em; text-align: left; }
.warn { color: #b00; font-weight: bold; }
</style>
</head>
<body>
<h1>Run {{.RunID}}</h1>
<p>Suite <code>{{.Suite}}</code>, model <code>{{.Model}}</code>, engine {{.Engine}}.</p>
<table>
<tr><th>Status</th><th>Count</th></tr>
<tr><td>passed</td><td>{{.Passed}}</td></tr>
<tr><td>failed</td><td>{{.Failed}}</td></tr>
<tr><td>errors</td><td>{{.Errors}}</td></tr>
<tr><td>skipped</td><td>{{.Skipped}}</td></tr>
</table>
{{if .Metrics}}<table>
<tr><th>Metric</th><th>Value</th></tr>
{{range .Metrics}}<tr><td>{{.Name}}</td><td>{{printf "%.4f" .Value}}</td></tr>
{{end}}</table>{{end}}
{{if .CIMethod}}<p>ASR CI method: {{.CIMethod}} (n={{.N}}, successes={{.Successes}}).</p>{{end}}
{{if .BudgetExceeded}}<p class="warn">Run stopped early: budget exceeded.</p>{{end}}
</body>
</html>
`))

func renderHTML(s *models.RunSummary) ([]byte, error) {
	type metricRow struct {
		Name  string
		Value float64
	}
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	metrics := make([]metricRow, 0, len(names))
	for _, name := range names {
		metrics = append(metrics, metricRow{Name: name, Value: s.Metrics[name]})
	}

	var buf bytes.Buffer
	err := htmlTemplate.Execute(&buf, struct {
		RunID, Suite, Model, Engine string
		Passed, Failed, Errors      int
		Skipped, N, Successes       int
		Metrics                     []metricRow
		CIMethod                    string
		BudgetExceeded              bool
	}{
		RunID: s.RunID, Suite: s.Suite, Model: s.Model, Engine: s.Engine,
		Passed: s.Passed, Failed: s.Failed, Errors: s.Errors,
		Skipped: s.Skipped, N: s.N, Successes: s.Successes,
		Metrics:        metrics,
		CIMethod:       s.CIMethod,
		BudgetExceeded: s.BudgetExceeded,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render html summary: %w", err)
	}
	return buf.Bytes(), nil
}

func renderMarkdown(s *models.RunSummary) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", s.RunID)
	fmt.Fprintf(&b, "Suite `%s`, model `%s`, engine %s.\n\n", s.Suite, s.Model, s.Engine)
	fmt.Fprintf(&b, "| Status | Count |\n|---|---|\n")
	fmt.Fprintf(&b, "| passed | %d |\n", s.Passed)
	fmt.Fprintf(&b, "| failed | %d |\n", s.Failed)
	fmt.Fprintf(&b, "| errors | %d |\n", s.Errors)
	fmt.Fprintf(&b, "| skipped | %d |\n\n", s.Skipped)

	if len(s.Metrics) > 0 {
		fmt.Fprintf(&b, "| Metric | Value |\n|---|---|\n")
		names := make([]string, 0, len(s.Metrics))
		for name := range s.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "| %s | %.4f |\n", name, s.Metrics[name])
		}
		b.WriteString("\n")
	}
	if s.CIMethod != "" {
		fmt.Fprintf(&b, "ASR CI method: %s (n=%d, successes=%d).\n", s.CIMethod, s.N, s.Successes)
	}
	if s.BudgetExceeded {
		b.WriteString("\n**Run stopped early: budget exceeded.**\n")
	}
	return []byte(b.String())
}

// sanitizeFilename keeps test IDs safe as file names.
func sanitizeFilename(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
