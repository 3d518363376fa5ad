package completion

import (
	"log/slog"
	"sync"

	"github.com/weaviate/tiktoken-go"
)

// TokenCounter returns the number of tokens in text.
type TokenCounter func(text string) int

const tokenEncoding = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// NewTokenCounter counts with the cl100k_base encoding. When the encoding
// cannot be loaded it falls back to EstimateTokens.
func NewTokenCounter() TokenCounter {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			slog.Warn("completion: tiktoken encoding unavailable, estimating token counts",
				"encoding", tokenEncoding, "err", err)
			return
		}
		enc = e
	})
	if enc == nil {
		return EstimateTokens
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(text string) int {
	const charsPerToken = 4
	if text == "" {
		return 0
	}
	return len(text)/charsPerToken + 1
}
