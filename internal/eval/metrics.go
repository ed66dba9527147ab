// Package eval scores answers with LLM judges, falling back to lexical
// heuristics, and runs batch evaluations over stored test sets.
package eval

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/llm"
	"github.com/thebtf/recall/pkg/models"
)

// Judge is the unary generation dependency of the metrics engine.
type Judge interface {
	Generate(ctx context.Context, messages []llm.Message, model string) (*llm.Response, error)
}

// Engine computes evaluation metrics for one query/answer pair.
type Engine struct {
	judge Judge
	model string
}

// NewEngine builds a metrics engine. An empty model uses the judge's
// default generation model.
func NewEngine(judge Judge, model string) *Engine {
	return &Engine{judge: judge, model: model}
}

const faithfulnessPrompt = `You are an evaluation judge. Assess whether the answer is faithful to the provided context.

Context:
%s

Question: %s

Answer: %s

Rate the faithfulness of the answer on a scale of 0.0 to 1.0:
- 1.0 = Every claim in the answer is directly supported by the context
- 0.5 = Some claims are supported, some are not verifiable from context
- 0.0 = The answer contradicts or fabricates information not in the context

Respond with ONLY a number between 0.0 and 1.0.`

const relevancePrompt = `You are an evaluation judge. Assess whether the answer is relevant to the question.

Question: %s

Answer: %s

Rate the relevance of the answer on a scale of 0.0 to 1.0:
- 1.0 = The answer directly and completely addresses the question
- 0.5 = The answer partially addresses the question
- 0.0 = The answer is completely irrelevant to the question

Respond with ONLY a number between 0.0 and 1.0.`

const hallucinationPrompt = `You are an evaluation judge. Identify sentences in the answer that are NOT supported by the context.

Context:
%s

Answer: %s

For each sentence in the answer, determine if it is grounded in the context.
Count the total number of factual claim sentences and how many are NOT grounded.

Respond with ONLY a number between 0.0 and 1.0 representing the hallucination rate:
- 0.0 = No hallucination (all claims grounded in context)
- 1.0 = Complete hallucination (no claims grounded in context)`

const recallPrompt = `You are an evaluation judge. Determine what fraction of the ground truth answer can be attributed to the retrieved context.

Ground Truth Answer: %s

Retrieved Context:
%s

Rate the context recall on a scale of 0.0 to 1.0:
- 1.0 = All information in the ground truth is present in the context
- 0.5 = About half the ground truth information is in the context
- 0.0 = None of the ground truth information is in the context

Respond with ONLY a number between 0.0 and 1.0.`

func (e *Engine) ask(ctx context.Context, prompt string) (float64, error) {
	resp, err := e.judge.Generate(ctx, []llm.Message{{Role: "user", Content: prompt}}, e.model)
	if err != nil {
		return 0, err
	}
	return parseScore(resp.Content), nil
}

// Faithfulness judges how grounded the answer is in the retrieved chunks.
func (e *Engine) Faithfulness(ctx context.Context, query, answer string, chunks []string) float64 {
	if strings.TrimSpace(answer) == "" || len(chunks) == 0 {
		return 0.0
	}

	prompt := fmt.Sprintf(faithfulnessPrompt, strings.Join(chunks, "\n\n"), query, answer)
	score, err := e.ask(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("faithfulness judge failed, using heuristic")
		return heuristicFaithfulness(answer, chunks)
	}
	return score
}

// Relevance judges how well the answer addresses the question.
func (e *Engine) Relevance(ctx context.Context, query, answer string) float64 {
	if strings.TrimSpace(answer) == "" {
		return 0.0
	}

	score, err := e.ask(ctx, fmt.Sprintf(relevancePrompt, query, answer))
	if err != nil {
		log.Warn().Err(err).Msg("relevance judge failed, using heuristic")
		return heuristicRelevance(query, answer)
	}
	return score
}

// HallucinationRate judges the fraction of ungrounded claims in the answer.
func (e *Engine) HallucinationRate(ctx context.Context, answer string, chunks []string) float64 {
	if strings.TrimSpace(answer) == "" {
		return 0.0
	}

	prompt := fmt.Sprintf(hallucinationPrompt, strings.Join(chunks, "\n\n"), answer)
	score, err := e.ask(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("hallucination judge failed, using heuristic")
		return heuristicHallucination(answer, chunks)
	}
	return score
}

// ContextPrecision measures the fraction of retrieved chunks that look
// relevant to the query. When explicit relevant indices are supplied they
// override the lexical-overlap test.
func ContextPrecision(query string, chunks []string, relevantIndices []int) float64 {
	if len(chunks) == 0 {
		return 0.0
	}
	if relevantIndices != nil {
		return float64(len(relevantIndices)) / float64(len(chunks))
	}

	queryTerms := termSet(query)
	threshold := float64(len(queryTerms)) * 0.2
	if threshold < 1 {
		threshold = 1
	}

	var relevant int
	for _, chunk := range chunks {
		var overlap int
		for term := range termSet(chunk) {
			if _, ok := queryTerms[term]; ok {
				overlap++
			}
		}
		if float64(overlap) >= threshold {
			relevant++
		}
	}
	return float64(relevant) / float64(len(chunks))
}

// ContextRecall judges what fraction of the ground truth the retrieved
// context covers. Missing ground truth scores 0; judge failure scores 0.5.
func (e *Engine) ContextRecall(ctx context.Context, groundTruth string, chunks []string) float64 {
	if groundTruth == "" {
		return 0.0
	}

	prompt := fmt.Sprintf(recallPrompt, groundTruth, strings.Join(chunks, "\n\n"))
	score, err := e.ask(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("context recall judge failed")
		return 0.5
	}
	return score
}

// EvaluateQuery computes the full score set for one answer. Lightweight
// mode runs only faithfulness and relevance.
func (e *Engine) EvaluateQuery(ctx context.Context, query, answer string, chunks []string, groundTruth string, lightweight bool, latencyRetrievalMS, latencyGenerationMS float64) models.EvalScores {
	scores := models.EvalScores{
		Faithfulness:        e.Faithfulness(ctx, query, answer, chunks),
		Relevance:           e.Relevance(ctx, query, answer),
		LatencyRetrievalMS:  latencyRetrievalMS,
		LatencyGenerationMS: latencyGenerationMS,
	}

	if !lightweight {
		scores.HallucinationRate = e.HallucinationRate(ctx, answer, chunks)
		scores.ContextPrecision = ContextPrecision(query, chunks, nil)
		if groundTruth != "" {
			recall := e.ContextRecall(ctx, groundTruth, chunks)
			scores.ContextRecall = &recall
		}
	}
	return scores
}

var scorePattern = regexp.MustCompile(`(\d+\.?\d*)`)

// parseScore extracts the first numeric token from a judge response and
// clamps it to [0,1]. Responses with no number score 0.5.
func parseScore(text string) float64 {
	match := scorePattern.FindString(strings.TrimSpace(text))
	if match == "" {
		return 0.5
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0.5
	}
	if score < 0 {
		return 0.0
	}
	if score > 1 {
		return 1.0
	}
	return score
}

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

func heuristicFaithfulness(answer string, chunks []string) float64 {
	if len(chunks) == 0 {
		return 0.0
	}
	answerWords := termSet(answer)
	if len(answerWords) == 0 {
		return 0.0
	}
	contextWords := termSet(strings.Join(chunks, " "))

	var overlap int
	for w := range answerWords {
		if _, ok := contextWords[w]; ok {
			overlap++
		}
	}
	ratio := float64(overlap) / float64(len(answerWords))
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

func heuristicRelevance(query, answer string) float64 {
	queryWords := termSet(query)
	if len(queryWords) == 0 {
		return 0.0
	}
	answerWords := termSet(answer)

	var overlap int
	for w := range queryWords {
		if _, ok := answerWords[w]; ok {
			overlap++
		}
	}
	ratio := float64(overlap) / float64(len(queryWords))
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

func heuristicHallucination(answer string, chunks []string) float64 {
	rate := 1.0 - heuristicFaithfulness(answer, chunks)
	if rate < 0 {
		return 0.0
	}
	return rate
}
