// Package models defines the shared data model for the evaluation engine:
// test cases and suites, policies, model responses, conversation turns,
// findings, per-test results, and run summaries.
package models

// ExpectedBehavior describes what a well-behaved target should do with a prompt.
type ExpectedBehavior string

const (
	ExpectRefusal ExpectedBehavior = "refusal"
	ExpectComply  ExpectedBehavior = "comply"
)

// RiskLevel tags a test case with the severity of the behavior it probes.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// TestCase is a single prompt plus expected behavior. Immutable after load.
type TestCase struct {
	ID               string           `json:"id" yaml:"id"`
	Prompt           string           `json:"prompt" yaml:"prompt"`
	ExpectedBehavior ExpectedBehavior `json:"expected_behavior,omitempty" yaml:"expected_behavior,omitempty"`
	Category         string           `json:"category,omitempty" yaml:"category,omitempty"`
	Risk             RiskLevel        `json:"risk,omitempty" yaml:"risk,omitempty"`

	// Metadata carries per-case knobs such as expected_asr and turn_budget.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// TurnBudget returns the per-case turn budget from metadata, or 0 if unset.
func (t *TestCase) TurnBudget() int {
	if t.Metadata == nil {
		return 0
	}
	switch v := t.Metadata["turn_budget"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Suite is an ordered collection of test cases. Immutable after load.
type Suite struct {
	Name    string     `json:"name" yaml:"name"`
	Version string     `json:"version,omitempty" yaml:"version,omitempty"`
	Cases   []TestCase `json:"cases" yaml:"cases"`
}

// Categories returns the distinct category tags present in the suite,
// in first-appearance order.
func (s *Suite) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, tc := range s.Cases {
		if tc.Category == "" || seen[tc.Category] {
			continue
		}
		seen[tc.Category] = true
		out = append(out, tc.Category)
	}
	return out
}

// Case returns the test case with the given ID, or nil.
func (s *Suite) Case(id string) *TestCase {
	for i := range s.Cases {
		if s.Cases[i].ID == id {
			return &s.Cases[i]
		}
	}
	return nil
}
