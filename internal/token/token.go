// Package token wraps the cl100k_base BPE codec used for context
// budgeting and token-based chunking.
package token

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func load() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// Count returns the number of cl100k_base tokens in text. An empty input
// counts zero tokens.
func Count(text string) int {
	return len(Encode(text))
}

// Encode returns the BPE token ids for text. The cl100k_base tables are
// compiled into the binary, so encoding cannot fail for valid UTF-8; on
// the impossible error path an empty slice is returned.
func Encode(text string) []uint {
	if text == "" {
		return nil
	}
	c, err := load()
	if err != nil {
		return nil
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return nil
	}
	return ids
}

// Decode reassembles text from BPE token ids.
func Decode(ids []uint) string {
	if len(ids) == 0 {
		return ""
	}
	c, err := load()
	if err != nil {
		return ""
	}
	text, err := c.Decode(ids)
	if err != nil {
		return ""
	}
	return text
}
