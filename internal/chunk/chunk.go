// Package chunk splits document text into token-bounded pieces for
// embedding and sparse indexing.
package chunk

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/thebtf/recall/internal/token"
	"github.com/thebtf/recall/pkg/models"
)

const (
	StrategyFixed     = "fixed"
	StrategyRecursive = "recursive"
	StrategySemantic  = "semantic"
)

// recursiveSeparators run coarse to fine; the empty separator means raw
// token windows.
var recursiveSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Text splits text with the named strategy. Overlap is strategy-specific:
// window overlap for fixed, a token-tail prefix for recursive, sentence
// carry-over for semantic.
func Text(text, strategy string, chunkSize, chunkOverlap int, sourceMeta models.Metadata) ([]models.Chunk, error) {
	switch strategy {
	case StrategyFixed:
		return fixedChunks(text, chunkSize, chunkOverlap, sourceMeta, StrategyFixed), nil
	case StrategyRecursive:
		return recursiveChunks(text, chunkSize, chunkOverlap, sourceMeta), nil
	case StrategySemantic:
		return semanticChunks(text, chunkSize, chunkOverlap, sourceMeta), nil
	default:
		return nil, fmt.Errorf("unknown chunking strategy: %q", strategy)
	}
}

// Pages chunks each page separately so every chunk keeps its 1-based page
// number, with chunk indices running across the whole document.
func Pages(pages []string, strategy string, chunkSize, chunkOverlap int, sourceMeta models.Metadata) ([]models.Chunk, error) {
	var all []models.Chunk
	for pageNum, pageText := range pages {
		meta := sourceMeta.Clone()
		meta["page"] = pageNum + 1
		pageChunks, err := Text(pageText, strategy, chunkSize, chunkOverlap, meta)
		if err != nil {
			return nil, err
		}
		for _, c := range pageChunks {
			c.ChunkIndex = len(all)
			c.Metadata["chunk_index"] = len(all)
			all = append(all, c)
		}
	}
	return all, nil
}

func chunkMeta(source models.Metadata, idx int, strategy string) models.Metadata {
	m := source.Clone()
	m["chunk_index"] = idx
	m["strategy"] = strategy
	return m
}

// fixedChunks windows the token stream. The strategy label is a parameter
// because the semantic chunker reuses these windows for oversized sentences.
func fixedChunks(text string, chunkSize, chunkOverlap int, meta models.Metadata, strategy string) []models.Chunk {
	tokens := token.Encode(text)
	step := chunkSize - chunkOverlap
	if step <= 0 {
		step = chunkSize
	}

	var chunks []models.Chunk
	idx := 0
	for start := 0; start < len(tokens); start += step {
		end := min(start+chunkSize, len(tokens))
		window := tokens[start:end]
		chunks = append(chunks, models.Chunk{
			Text:       strings.TrimSpace(token.Decode(window)),
			ChunkIndex: idx,
			TokenCount: len(window),
			Metadata:   chunkMeta(meta, idx, strategy),
		})
		idx++
	}
	return chunks
}

func recursiveChunks(text string, chunkSize, chunkOverlap int, meta models.Metadata) []models.Chunk {
	var chunks []models.Chunk
	for _, part := range recursiveSplit(text, recursiveSeparators, chunkSize) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := len(chunks)
		chunks = append(chunks, models.Chunk{
			Text:       part,
			ChunkIndex: idx,
			TokenCount: token.Count(part),
			Metadata:   chunkMeta(meta, idx, StrategyRecursive),
		})
	}
	if chunkOverlap > 0 && len(chunks) > 1 {
		applyOverlap(chunks, chunkOverlap)
	}
	return chunks
}

// recursiveSplit breaks text on the first separator, greedily re-merging
// parts under the token budget and recursing into oversized parts with the
// finer separators.
func recursiveSplit(text string, separators []string, chunkSize int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if token.Count(text) <= chunkSize {
		return []string{text}
	}
	if len(separators) == 0 {
		tokens := token.Encode(text)
		return []string{token.Decode(tokens[:chunkSize]), token.Decode(tokens[chunkSize:])}
	}

	sep := separators[0]
	rest := separators[1:]

	if sep == "" {
		tokens := token.Encode(text)
		var out []string
		for start := 0; start < len(tokens); start += chunkSize {
			end := min(start+chunkSize, len(tokens))
			out = append(out, token.Decode(tokens[start:end]))
		}
		return out
	}

	var out []string
	current := ""
	for _, part := range strings.Split(text, sep) {
		candidate := part
		if current != "" {
			candidate = current + sep + part
		}
		if token.Count(candidate) <= chunkSize {
			current = candidate
			continue
		}
		if current != "" {
			out = append(out, current)
		}
		if token.Count(part) > chunkSize {
			out = append(out, recursiveSplit(part, rest, chunkSize)...)
			current = ""
		} else {
			current = part
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

// applyOverlap prefixes each chunk after the first with the final overlap
// tokens of its predecessor's original text, recounting in place.
func applyOverlap(chunks []models.Chunk, overlap int) {
	prevText := chunks[0].Text
	for i := 1; i < len(chunks); i++ {
		prevTokens := token.Encode(prevText)
		overlapText := prevText
		if len(prevTokens) > overlap {
			overlapText = token.Decode(prevTokens[len(prevTokens)-overlap:])
		}
		prevText = chunks[i].Text
		combined := strings.TrimSpace(strings.TrimSpace(overlapText) + " " + chunks[i].Text)
		chunks[i].Text = combined
		chunks[i].TokenCount = token.Count(combined)
	}
}

func semanticChunks(text string, chunkSize, chunkOverlap int, meta models.Metadata) []models.Chunk {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []models.Chunk
	var current []string
	currentTokens := 0
	idx := 0

	flush := func(tokenCount int, joined string) {
		chunks = append(chunks, models.Chunk{
			Text:       strings.TrimSpace(joined),
			ChunkIndex: idx,
			TokenCount: tokenCount,
			Metadata:   chunkMeta(meta, idx, StrategySemantic),
		})
		idx++
	}

	for _, sentence := range sentences {
		sentTokens := token.Count(sentence)

		// A single sentence over the budget falls back to fixed windows.
		if sentTokens > chunkSize {
			if len(current) > 0 {
				joined := strings.Join(current, " ")
				flush(token.Count(joined), joined)
				current = nil
				currentTokens = 0
			}
			for _, sub := range fixedChunks(sentence, chunkSize, chunkOverlap, meta, StrategySemantic) {
				sub.ChunkIndex = idx
				sub.Metadata["chunk_index"] = idx
				chunks = append(chunks, sub)
				idx++
			}
			continue
		}

		if currentTokens+sentTokens > chunkSize && len(current) > 0 {
			flush(currentTokens, strings.Join(current, " "))

			if chunkOverlap > 0 {
				var keep []string
				kept := 0
				for i := len(current) - 1; i >= 0; i-- {
					st := token.Count(current[i])
					if kept+st > chunkOverlap {
						break
					}
					keep = append(keep, current[i])
					kept += st
				}
				slices.Reverse(keep)
				current = keep
				currentTokens = kept
			} else {
				current = nil
				currentTokens = 0
			}
		}

		current = append(current, sentence)
		currentTokens += sentTokens
	}

	if len(current) > 0 {
		joined := strings.Join(current, " ")
		flush(token.Count(joined), joined)
	}

	return chunks
}

// splitSentences breaks text at whitespace runs that follow sentence
// punctuation and precede an upper-case letter.
func splitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0
	i := 0
	for i < len(runes) {
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			j := i + 1
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				j++
			}
			if j > i+1 && j < len(runes) && unicode.IsUpper(runes[j]) {
				if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
					sentences = append(sentences, s)
				}
				start = j
				i = j
				continue
			}
		}
		i++
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
