package llm

import (
	"sort"
	"strings"
)

// rate is USD per million input / output tokens.
type rate struct {
	in  float64
	out float64
}

var costTable = map[string]rate{
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4-turbo":       {10.00, 30.00},
	"gpt-4":             {30.00, 60.00},
	"gpt-3.5-turbo":     {0.50, 1.50},
	"o1":                {15.00, 60.00},
	"o1-mini":           {3.00, 12.00},
	"o3-mini":           {1.10, 4.40},
	"claude-3-5-sonnet": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-opus":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-haiku-4":    {0.80, 4.00},
	"claude-opus-4":     {15.00, 75.00},
}

// costPatterns holds the table keys longest-first so that the most specific
// pattern wins (gpt-4o-mini before gpt-4o before gpt-4).
var costPatterns = func() []string {
	patterns := make([]string, 0, len(costTable))
	for p := range costTable {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	return patterns
}()

// Cost returns the USD cost of a call. Models absent from the table, such
// as anything served by Ollama, cost zero.
func Cost(model string, inputTokens, outputTokens int) float64 {
	lower := strings.ToLower(model)
	for _, pattern := range costPatterns {
		if strings.Contains(lower, pattern) {
			r := costTable[pattern]
			return float64(inputTokens)/1_000_000*r.in + float64(outputTokens)/1_000_000*r.out
		}
	}
	return 0
}
