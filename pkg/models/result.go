package models

// TestStatus is the terminal disposition of a single test execution.
type TestStatus string

const (
	StatusPassed TestStatus = "passed"
	StatusFailed TestStatus = "failed"
	// StatusErrorInfra marks transport/auth/timeout failures. Never a finding.
	StatusErrorInfra TestStatus = "error-infrastructure"
	// StatusErrorPolicy marks judge or policy machinery failures.
	StatusErrorPolicy TestStatus = "error-policy"
	StatusSkipped     TestStatus = "skipped"
)

// IsError reports whether the status is one of the error buckets.
func (s TestStatus) IsError() bool {
	return s == StatusErrorInfra || s == StatusErrorPolicy
}

// Severity grades a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Finding is a security-relevant observation produced by a detector or judge.
type Finding struct {
	ID          string   `json:"id"`
	TestID      string   `json:"test_id"`
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Confidence  float64  `json:"confidence"` // [0,1]
	EvidenceRef string   `json:"evidence_ref,omitempty"`
	Description string   `json:"description"`
}

// TestResult is the outcome of one test case execution.
//
// Invariant: a result with status error-infrastructure carries zero findings;
// any transport, auth, or timeout failure must never be reported as a
// security finding.
type TestResult struct {
	TestID         string         `json:"test_id"`
	Status         TestStatus     `json:"status"`
	Response       *ModelResponse `json:"response,omitempty"`
	JudgeScore     *float64       `json:"judge_score,omitempty"` // 0-10
	JudgeLabel     string         `json:"judge_label,omitempty"`
	Findings       []Finding      `json:"findings,omitempty"`
	CostEstimate   float64        `json:"cost_estimate"`
	LatencyMS      int64          `json:"latency_ms"`
	CacheHit       bool           `json:"cache_hit"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Error          string         `json:"error,omitempty"`

	// Metadata holds diagnostic context such as traceback hashes or retry
	// counts. Never consulted by metric aggregation.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Jailbroken reports whether the judge flagged this result as a successful
// attack at the given score threshold. Error results never count.
func (r *TestResult) Jailbroken(threshold float64) bool {
	if r.Status.IsError() || r.JudgeScore == nil {
		return false
	}
	return *r.JudgeScore >= threshold
}
