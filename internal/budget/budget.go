// Package budget provides token estimation and text truncation for the
// answer pipeline. Because the assistant supports multiple LLM backends with
// different tokenizers, this package uses a conservative character-based
// heuristic: 1 token ≈ 4 characters. This deliberately under-estimates token
// counts to leave headroom for model-specific overhead.
package budget

import (
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for English prose; Hebrew runs
	// denser but the conservative ratio only makes truncation earlier, never
	// an overflow.
	charsPerToken = 4

	// DefaultMaxAnswerTokens is the default output budget applied to model
	// answers before they are returned to the caller. Long enough for a
	// clinical summary, short enough to keep responses readable.
	DefaultMaxAnswerTokens = 700
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Each message has a small per-message overhead (~4 tokens in most APIs).
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// Truncate cuts s so its estimated token count fits maxTokens, breaking at
// the last word boundary before the cut and appending an ellipsis. A
// maxTokens of zero or below returns s unchanged. The cut never splits a
// UTF-8 rune, so Hebrew text truncates cleanly.
func Truncate(s string, maxTokens int) string {
	if maxTokens <= 0 || Estimate(s) <= maxTokens {
		return s
	}

	limit := maxTokens * charsPerToken
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	cut := s[:limit]

	// Prefer a word boundary so the truncation reads as a clean break.
	if i := strings.LastIndexAny(cut, " \t\n"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \t\n") + "…"
}
