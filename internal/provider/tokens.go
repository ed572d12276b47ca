package provider

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// CountTokens estimates the token count of text with the o200k encoding,
// falling back to len/4 when the encoder is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	codecOnce.Do(func() {
		codec, _ = tokenizer.Get(tokenizer.O200kBase)
	})
	if codec != nil {
		if n, err := codec.Count(text); err == nil {
			return n
		}
	}
	return (len(text) + 3) / 4
}

// CountRequestTokens estimates the input tokens of a request.
func CountRequestTokens(req Request) int {
	total := CountTokens(req.Options.SystemPrompt)
	for _, m := range req.Messages {
		// role marker plus content
		total += 1 + CountTokens(m.Content)
	}
	return total
}
