// Package filter post-processes model answers before they leave the
// service: it bounds the answer length, then redacts personally identifying
// contact details and national ID numbers that the model may have copied
// out of record text. Truncation runs first so redaction placeholders can
// never be cut in half.
package filter

import (
	"regexp"

	"github.com/caremind/caremind-go/internal/budget"
)

// Redaction placeholders. Kept language-neutral so they read acceptably in
// both English and Hebrew answers.
const (
	phonePlaceholder = "[phone]"
	emailPlaceholder = "[email]"
	idPlaceholder    = "[id]"
)

var (
	// emailPattern matches standard email addresses.
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// phonePatterns cover international numbers with a country code and
	// Israeli landline/mobile formats with optional separators.
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\+\d{1,3}[-\s.]?\d{1,3}[-\s.]?\d{3}[-\s.]?\d{3,4}`),
		regexp.MustCompile(`\b0\d{1,2}[-\s.]?\d{3}[-\s.]?\d{4}\b`),
	}

	// idPattern matches bare nine-digit sequences (national ID numbers).
	// Applied after phone redaction so a phone's digits are not re-matched.
	idPattern = regexp.MustCompile(`\b\d{9}\b`)
)

// Config bounds and toggles the output filter.
type Config struct {
	// MaxAnswerTokens caps the answer length before redaction. Zero selects
	// budget.DefaultMaxAnswerTokens; a negative value disables truncation.
	MaxAnswerTokens int
}

// Filter applies length and privacy rules to synthesized answers.
type Filter struct {
	maxAnswerTokens int
}

// New constructs a Filter from cfg.
func New(cfg Config) *Filter {
	maxTokens := cfg.MaxAnswerTokens
	if maxTokens == 0 {
		maxTokens = budget.DefaultMaxAnswerTokens
	}
	return &Filter{maxAnswerTokens: maxTokens}
}

// Apply truncates the answer to the configured token budget, then redacts
// emails, phone numbers, and nine-digit ID sequences in that order. Emails
// go first because their local parts may contain digit runs that the later
// patterns would otherwise match partially.
func (f *Filter) Apply(answer string) string {
	out := budget.Truncate(answer, f.maxAnswerTokens)

	out = emailPattern.ReplaceAllString(out, emailPlaceholder)
	for _, p := range phonePatterns {
		out = p.ReplaceAllString(out, phonePlaceholder)
	}
	out = idPattern.ReplaceAllString(out, idPlaceholder)

	return out
}
