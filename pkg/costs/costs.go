// Package costs estimates run spend from token counts using a per-model
// pricing table. Prices are USD per million tokens. Unknown models estimate
// at zero so cost accounting never blocks a run.
package costs

import "strings"

// Pricing is the USD price per million input and output tokens.
type Pricing struct {
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
}

// Table maps model ID prefixes to pricing. Lookup picks the longest
// matching prefix, so "claude-3-5-haiku" beats "claude-3".
type Table map[string]Pricing

// DefaultTable returns built-in prices for common evaluation targets.
// Override or extend via the costs section of the config file.
func DefaultTable() Table {
	return Table{
		"claude-opus-4":                   {InputPerMTok: 15.00, OutputPerMTok: 75.00},
		"claude-sonnet-4":                 {InputPerMTok: 3.00, OutputPerMTok: 15.00},
		"claude-3-5-haiku":                {InputPerMTok: 0.80, OutputPerMTok: 4.00},
		"gpt-4o":                          {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		"gpt-4o-mini":                     {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"gpt-4.1":                         {InputPerMTok: 2.00, OutputPerMTok: 8.00},
		"o3":                              {InputPerMTok: 2.00, OutputPerMTok: 8.00},
		"anthropic.claude-3-5-sonnet":     {InputPerMTok: 3.00, OutputPerMTok: 15.00},
		"amazon.nova-pro":                 {InputPerMTok: 0.80, OutputPerMTok: 3.20},
		"meta.llama3-70b-instruct":        {InputPerMTok: 2.65, OutputPerMTok: 3.50},
	}
}

// Merge overlays overrides onto the table, returning a new table.
func (t Table) Merge(overrides Table) Table {
	out := make(Table, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Lookup returns the pricing for a model ID by longest prefix match.
func (t Table) Lookup(model string) (Pricing, bool) {
	var (
		best    Pricing
		bestLen = -1
	)
	for prefix, p := range t {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}

// Estimate returns the USD cost for a single invocation. Unknown models
// cost zero.
func (t Table) Estimate(model string, inputTokens, outputTokens int) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}
