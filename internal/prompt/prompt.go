// Package prompt assembles grounded chat prompts from ranked retrieval
// results under a token budget.
package prompt

import (
	"fmt"
	"strings"

	"github.com/thebtf/recall/internal/llm"
	"github.com/thebtf/recall/internal/token"
	"github.com/thebtf/recall/pkg/models"
)

// SystemPrompt instructs the model to answer only from retrieved context.
const SystemPrompt = `You are a precise, helpful assistant that answers questions based ONLY on the provided context.

Rules:
1. Only use information from the provided context to answer.
2. If the context doesn't contain enough information, say "I don't have enough information to answer this question based on the provided documents."
3. Cite your sources by referencing [Source N] where N corresponds to the context chunk number.
4. Never make up or hallucinate information.
5. Be concise and direct in your answers.
6. If multiple sources support your answer, cite all relevant ones.`

// budgetReserve is held back from the context budget for the answer and
// prompt scaffolding.
const budgetReserve = 200

// sourcePreviewLen caps the text carried in a Source entry.
const sourcePreviewLen = 200

// Build packs ranked chunks into a system+user message pair, greedily in
// rank order until the token budget is exhausted. It returns the messages
// and the 1-indexed source entries for the chunks that made the cut.
func Build(query string, results []models.RankedResult, maxContextTokens int) ([]llm.Message, []models.Source) {
	budget := maxContextTokens - token.Count(SystemPrompt) - token.Count(query) - budgetReserve

	var (
		blocks  []string
		sources []models.Source
		used    int
	)
	for i, result := range results {
		chunkTokens := token.Count(result.Text)
		if used+chunkTokens > budget {
			break
		}

		source := result.Metadata.String("source")
		if source == "" {
			source = fmt.Sprintf("chunk_%d", result.ChunkIndex)
		}
		detail := source
		if page := result.Metadata.Int("page", 0); page > 0 {
			detail += fmt.Sprintf(" (page %d)", page)
		}

		blocks = append(blocks, fmt.Sprintf("[Source %d] (%s):\n%s", i+1, detail, result.Text))
		sources = append(sources, models.Source{
			Index:      i + 1,
			Text:       preview(result.Text),
			Source:     source,
			Score:      result.Score,
			ChunkIndex: result.ChunkIndex,
		})
		used += chunkTokens
	}

	user := fmt.Sprintf(`Context:
%s

Question: %s

Answer the question based only on the context above. Cite sources using [Source N] notation.`,
		strings.Join(blocks, "\n\n---\n\n"), query)

	return []llm.Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: user},
	}, sources
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > sourcePreviewLen {
		return string(runes[:sourcePreviewLen]) + "..."
	}
	return text
}
