package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostLongestPatternWins(t *testing.T) {
	// gpt-4o-mini must not fall into the gpt-4o (or gpt-4) bucket.
	got := Cost("gpt-4o-mini", 1_000_000, 1_000_000)
	assert.InDelta(t, 0.15+0.60, got, 1e-9)

	got = Cost("gpt-4o", 1_000_000, 1_000_000)
	assert.InDelta(t, 2.50+10.00, got, 1e-9)

	got = Cost("gpt-4-0613", 1_000_000, 1_000_000)
	assert.InDelta(t, 30.00+60.00, got, 1e-9)
}

func TestCostSubstringAndCase(t *testing.T) {
	got := Cost("claude-3-5-sonnet-20241022", 2_000_000, 0)
	assert.InDelta(t, 6.00, got, 1e-9)

	got = Cost("GPT-4o", 1_000_000, 0)
	assert.InDelta(t, 2.50, got, 1e-9)
}

func TestCostUnknownModelIsFree(t *testing.T) {
	assert.Zero(t, Cost("qwen2.5-coder:14b", 5_000_000, 5_000_000))
	assert.Zero(t, Cost("llama3.1:8b", 100, 100))
	assert.Zero(t, Cost("", 100, 100))
}

func TestCostScalesLinearly(t *testing.T) {
	got := Cost("o3-mini", 500_000, 250_000)
	assert.InDelta(t, 0.5*1.10+0.25*4.40, got, 1e-9)
}
