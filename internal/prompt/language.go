package prompt

import "unicode"

// Language identifies the prompt and response language for one request.
type Language string

const (
	// LanguageEnglish selects the English prompt set.
	LanguageEnglish Language = "en"
	// LanguageHebrew selects the Hebrew prompt set.
	LanguageHebrew Language = "he"
)

// hebrewRatioThreshold is the fraction of Hebrew letters among all letters
// above which a query is treated as Hebrew. Mixed queries ("מה ה-ROM של
// הכתף?") routinely contain Latin medical shorthand, so the threshold sits
// well below half.
const hebrewRatioThreshold = 0.3

// Detect returns the language of a query using a character-range heuristic:
// if the proportion of Hebrew-range letters among all letters exceeds the
// threshold, the query is Hebrew; otherwise English. Non-letter runes
// (digits, punctuation) are ignored so numeric-heavy queries don't skew
// the ratio.
func Detect(query string) Language {
	var letters, hebrew int
	for _, r := range query {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Hebrew, r) {
			hebrew++
		}
	}
	if letters == 0 {
		return LanguageEnglish
	}
	if float64(hebrew)/float64(letters) > hebrewRatioThreshold {
		return LanguageHebrew
	}
	return LanguageEnglish
}
