// Package search provides the sparse BM25 index and the hybrid ranker that
// fuses dense and lexical retrieval.
package search

import (
	"math"
	"strings"
	"unicode"
)

// Okapi BM25 parameters.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// Tokenize lowercases text, replaces non-word runes with spaces (word =
// letters, digits, underscore), splits on whitespace, and drops
// single-character tokens.
func Tokenize(text string) []string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return r
		default:
			return ' '
		}
	}, text)

	fields := strings.Fields(mapped)
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// BM25 is an Okapi BM25 model over a tokenized corpus. The model is
// immutable once built; appending documents builds a fresh model.
type BM25 struct {
	termFreqs []map[string]int
	idf       map[string]float64
	docLens   []int
	avgDocLen float64
}

// NewBM25 builds a model from a tokenized corpus.
func NewBM25(corpus [][]string) *BM25 {
	n := len(corpus)
	termFreqs := make([]map[string]int, n)
	docFreq := make(map[string]int)
	docLens := make([]int, n)
	totalLen := 0

	for i, tokens := range corpus {
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		termFreqs[i] = tf
		docLens[i] = len(tokens)
		totalLen += len(tokens)
		for t := range tf {
			docFreq[t]++
		}
	}

	avg := 0.0
	if n > 0 {
		avg = float64(totalLen) / float64(n)
	}

	idf := make(map[string]float64, len(docFreq))
	for t, df := range docFreq {
		idf[t] = math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1)
	}

	return &BM25{
		termFreqs: termFreqs,
		idf:       idf,
		docLens:   docLens,
		avgDocLen: avg,
	}
}

// Scores returns the BM25 score of every document against the query tokens,
// in corpus order.
func (b *BM25) Scores(queryTokens []string) []float64 {
	scores := make([]float64, len(b.termFreqs))
	if b.avgDocLen == 0 {
		return scores
	}

	for _, t := range queryTokens {
		idf, ok := b.idf[t]
		if !ok {
			continue
		}
		for i, tf := range b.termFreqs {
			freq := float64(tf[t])
			if freq == 0 {
				continue
			}
			norm := bm25K1 * (1 - bm25B + bm25B*float64(b.docLens[i])/b.avgDocLen)
			scores[i] += idf * (freq * (bm25K1 + 1)) / (freq + norm)
		}
	}
	return scores
}
