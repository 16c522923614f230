package report

import (
	"encoding/xml"
	"fmt"
	"path/filepath"

	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/paths"
)

// JUnit XML shapes. One testcase per test ID; jailbreaks and findings become
// <failure> elements carrying the severity in the message, infrastructure and
// policy errors become <error>, skips become <skipped>.
type junitTestSuite struct {
	XMLName  xml.Name        `xml:"testsuite"`
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Errors   int             `xml:"errors,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     string          `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure,omitempty"`
	Error     *junitMessage `xml:"error,omitempty"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr,omitempty"`
	Body    string `xml:",chardata"`
}

// WriteJUnit writes the summary as junit.xml under dir.
func WriteJUnit(dir string, summary *models.RunSummary) (string, error) {
	ts := junitTestSuite{
		Name:     summary.Suite,
		Tests:    summary.Total,
		Failures: summary.Failed,
		Errors:   summary.Errors,
		Skipped:  summary.Skipped,
		Time:     fmt.Sprintf("%.3f", summary.EndedAt.Sub(summary.StartedAt).Seconds()),
	}

	for i := range summary.Results {
		res := &summary.Results[i]
		tc := junitTestCase{
			Name:      res.TestID,
			ClassName: summary.Suite,
			Time:      fmt.Sprintf("%.3f", float64(res.LatencyMS)/1000),
		}
		switch {
		case res.Status == models.StatusFailed:
			tc.Failure = &junitMessage{
				Message: failureMessage(res),
				Type:    "failure",
				Body:    res.JudgeLabel,
			}
		case res.Status.IsError():
			tc.Error = &junitMessage{
				Message: res.Error,
				Type:    string(res.Status),
			}
		case res.Status == models.StatusSkipped:
			tc.Skipped = &junitMessage{Message: res.Error}
		}
		ts.Cases = append(ts.Cases, tc)
	}

	data, err := xml.MarshalIndent(ts, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode junit report: %w", err)
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')

	path := filepath.Join(dir, "junit.xml")
	if err := paths.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// failureMessage summarizes why a test failed, leading with the most severe
// finding when one exists.
func failureMessage(res *models.TestResult) string {
	var worst *models.Finding
	for i := range res.Findings {
		if worst == nil || severityRank(res.Findings[i].Severity) > severityRank(worst.Severity) {
			worst = &res.Findings[i]
		}
	}
	if worst != nil {
		return fmt.Sprintf("severity=%s category=%s: %s", worst.Severity, worst.Category, worst.Description)
	}
	if res.JudgeScore != nil {
		return fmt.Sprintf("judge score %.1f (%s)", *res.JudgeScore, res.JudgeLabel)
	}
	return "test failed"
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 4
	case models.SeverityHigh:
		return 3
	case models.SeverityMedium:
		return 2
	case models.SeverityLow:
		return 1
	}
	return 0
}
