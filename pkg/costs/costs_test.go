package costs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_Lookup_LongestPrefix(t *testing.T) {
	table := Table{
		"gpt-4o":      {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		"gpt-4o-mini": {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	}

	p, ok := table.Lookup("gpt-4o-mini-2024-07-18")
	require.True(t, ok)
	assert.Equal(t, 0.15, p.InputPerMTok)

	p, ok = table.Lookup("gpt-4o-2024-08-06")
	require.True(t, ok)
	assert.Equal(t, 2.50, p.InputPerMTok)

	_, ok = table.Lookup("mystery-model")
	assert.False(t, ok)
}

func TestTable_Estimate(t *testing.T) {
	table := Table{"m": {InputPerMTok: 3.00, OutputPerMTok: 15.00}}

	// 1M input + 1M output tokens.
	assert.InDelta(t, 18.00, table.Estimate("m", 1_000_000, 1_000_000), 1e-9)
	// 1000 in, 500 out.
	assert.InDelta(t, 0.003+0.0075, table.Estimate("m", 1000, 500), 1e-9)
	// Unknown model costs zero.
	assert.Zero(t, table.Estimate("unknown", 1000, 1000))
}

func TestTable_Merge(t *testing.T) {
	base := DefaultTable()
	merged := base.Merge(Table{
		"gpt-4o":       {InputPerMTok: 1.00, OutputPerMTok: 2.00},
		"custom-model": {InputPerMTok: 5.00, OutputPerMTok: 5.00},
	})

	p, ok := merged.Lookup("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 1.00, p.InputPerMTok)

	_, ok = merged.Lookup("custom-model-v2")
	assert.True(t, ok)

	// Base table untouched.
	p, _ = base.Lookup("gpt-4o")
	assert.Equal(t, 2.50, p.InputPerMTok)
}
