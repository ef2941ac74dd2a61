// Package tokenizer counts tokens for usage backfill. When a provider
// response omits token usage, the generation layer estimates it here so that
// cost accounting never silently reads zero.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter returns the number of tokens in text for a given model family.
type Counter interface {
	CountTokens(text string) (int, error)
	Name() string
}

// modelEncodings maps model name prefixes to tiktoken encodings.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// TiktokenCounter counts tokens with tiktoken. Encodings load lazily since
// the first load downloads or memory-maps the BPE ranks.
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

// NewTiktokenCounter creates a counter for the given model. Unknown models
// fall back to cl100k_base, which is close enough for estimation purposes.
func NewTiktokenCounter(model string) *TiktokenCounter {
	encoding := "cl100k_base"
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) {
			encoding = enc
			break
		}
	}
	return &TiktokenCounter{encoding: encoding}
}

func (t *TiktokenCounter) CountTokens(text string) (int, error) {
	t.once.Do(func() {
		t.enc, t.initErr = tiktoken.GetEncoding(t.encoding)
	})
	if t.initErr != nil {
		return 0, t.initErr
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenCounter) Name() string { return "tiktoken/" + t.encoding }

// EstimatorCounter approximates token counts without an encoding table,
// used when tiktoken initialization fails (e.g. offline environments).
// The 4-chars-per-token heuristic tracks English prose reasonably.
type EstimatorCounter struct{}

func (EstimatorCounter) CountTokens(text string) (int, error) {
	n := (len(text) + 3) / 4
	if n == 0 && len(strings.TrimSpace(text)) > 0 {
		n = 1
	}
	return n, nil
}

func (EstimatorCounter) Name() string { return "estimator" }

// Count returns the token count for text, falling back to the heuristic
// estimator when the primary counter errors.
func Count(c Counter, text string) int {
	if c != nil {
		if n, err := c.CountTokens(text); err == nil {
			return n
		}
	}
	n, _ := EstimatorCounter{}.CountTokens(text)
	return n
}
