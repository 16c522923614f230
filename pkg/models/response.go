package models

// ToolCall is a structured tool invocation requested by the target model.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON
}

// ToolSpec describes a tool exposed by a tool-capable target.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema string `json:"input_schema,omitempty"` // JSON Schema
}

// ModelResponse is the provider-neutral result of a single target invocation.
// When the provider returns both a textual refusal and tool calls, Text keeps
// the prose and ToolCalls the structured calls; detectors see both.
type ModelResponse struct {
	Text         string         `json:"text"`
	FinishReason string         `json:"finish_reason,omitempty"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	LatencyMS    int64          `json:"latency_ms"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`
	RawMeta      map[string]any `json:"raw_meta,omitempty"`
}

// InvokeParams are the generation parameters forwarded to the target.
// They participate in cache key derivation, so field order and types are
// stable; see cache.Key.
type InvokeParams struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	System      string  `json:"system,omitempty"`

	// History carries the prior turns for multi-turn orchestration.
	// Empty for single-turn invocations.
	History []Turn `json:"history,omitempty"`
}
