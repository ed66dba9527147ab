package eval

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/llm"
	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/pkg/models"
)

const questionPrompt = `Based on the following document excerpts, generate %d diverse questions that could be answered using this content.

Document Excerpts:
%s

Generate exactly %d questions. For each question, also provide the expected answer based on the content.

Format your response as a JSON array like this:
[
  {"question": "What is ...", "ground_truth": "The answer is ..."},
  ...
]

Respond with ONLY the JSON array, no other text.`

// GenerateQuestions drafts up to n test questions from a sample of the
// collection's stored chunks. Any failure degrades to an empty list.
func GenerateQuestions(ctx context.Context, store vector.Store, judge Judge, collection, model string, n int) []models.Question {
	limit := 2 * n
	if limit > 20 {
		limit = 20
	}
	hits, err := store.Scroll(ctx, collection, limit)
	if err != nil {
		log.Error().Err(err).Str("collection", collection).Msg("question generation scroll failed")
		return nil
	}

	var chunks []string
	for _, hit := range hits {
		if text := vector.PayloadString(hit.Payload, "text", ""); text != "" {
			chunks = append(chunks, text)
		}
	}
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) > 10 {
		chunks = chunks[:10]
	}

	prompt := fmt.Sprintf(questionPrompt, n, strings.Join(chunks, "\n\n---\n\n"), n)
	resp, err := judge.Generate(ctx, []llm.Message{{Role: "user", Content: prompt}}, model)
	if err != nil {
		log.Error().Err(err).Msg("question generation failed")
		return nil
	}

	content := stripFences(strings.TrimSpace(resp.Content))
	var questions []models.Question
	if err := json.Unmarshal([]byte(content), &questions); err != nil {
		log.Error().Err(err).Msg("question generation returned malformed JSON")
		return nil
	}
	if len(questions) > n {
		questions = questions[:n]
	}
	return questions
}

// stripFences removes a markdown code fence wrapper, keeping the body.
func stripFences(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) < 2 {
		return content
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}
