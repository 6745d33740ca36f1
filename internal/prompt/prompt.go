// Package prompt assembles the bilingual (English/Hebrew) system and user
// prompts for the clinical question-answering pipeline. It detects the
// query language, formats retrieved context snippets as numbered sources,
// and instructs the model to cite sources by number so citations can be
// mapped back to the records that supported the answer.
package prompt

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/caremind/caremind-go/internal/rag"
)

// systemPromptEnglish is the base system prompt for English queries. The
// model is restricted to the supplied context and must mark every claim
// with the [n] index of its supporting source.
const systemPromptEnglish = `You are a clinical documentation assistant for a therapy practice.
You answer questions about a patient's history using ONLY the context
snippets provided below. Each snippet is numbered [1], [2], and so on.

Rules:
- Base every statement on the provided snippets. Never invent clinical facts.
- After each statement, cite the supporting snippet by its number, e.g. [2].
- If the snippets do not contain the answer, say so plainly.
- Do not mention clients other than the one the question is about.
- Keep the answer short and factual — this is for a clinician, not a patient.
- Answer in English.`

// systemPromptHebrew is the base system prompt for Hebrew queries.
const systemPromptHebrew = `אתה עוזר תיעוד קליני עבור קליניקת טיפול.
אתה עונה על שאלות לגבי ההיסטוריה של מטופל אך ורק על סמך קטעי ההקשר
המסופקים למטה. כל קטע ממוספר [1], [2] וכן הלאה.

כללים:
- בסס כל קביעה על הקטעים שסופקו. לעולם אל תמציא עובדות קליניות.
- אחרי כל קביעה ציין את מספר הקטע התומך, לדוגמה [2].
- אם הקטעים אינם מכילים את התשובה, אמור זאת במפורש.
- אל תזכיר מטופלים אחרים מלבד זה שהשאלה עוסקת בו.
- שמור על תשובה קצרה ועניינית — התשובה מיועדת למטפל, לא למטופל.
- ענה בעברית.`

// emptyContextEnglish instructs the model when retrieval found nothing: it
// must state that no matching records were found instead of fabricating.
const emptyContextEnglish = `No clinical records matching this question were found in this workspace.
State clearly that no matching records were found. Do not guess or invent an answer.`

// emptyContextHebrew is the Hebrew empty-context instruction.
const emptyContextHebrew = `לא נמצאו רשומות קליניות התואמות לשאלה זו בסביבת העבודה.
ציין במפורש שלא נמצאו רשומות תואמות. אל תנחש ואל תמציא תשובה.`

// fieldLabels maps record field names to human-readable English labels used
// in the context block headers.
var fieldLabels = map[string]string{
	"subjective":      "Subjective",
	"objective":       "Objective",
	"assessment":      "Assessment",
	"plan":            "Plan",
	"medical_history": "Medical history",
	"medications":     "Medications",
	"goals":           "Goals",
	"notes":           "Notes",
}

// Build assembles the message slice for one query: system prompt, context
// block (or the empty-context variant), and the user's question. The
// returned slice is self-contained — no conversational state from earlier
// requests is ever injected.
func Build(lang Language, query string, items []rag.ContextItem) []*schema.Message {
	system := systemPromptEnglish
	if lang == LanguageHebrew {
		system = systemPromptHebrew
	}

	messages := []*schema.Message{
		schema.SystemMessage(system),
	}

	if len(items) == 0 {
		empty := emptyContextEnglish
		if lang == LanguageHebrew {
			empty = emptyContextHebrew
		}
		messages = append(messages, schema.SystemMessage(empty))
	} else {
		messages = append(messages, schema.SystemMessage(contextBlock(items)))
	}

	messages = append(messages, schema.UserMessage(query))
	return messages
}

// contextBlock formats retrieved snippets as numbered sources. The [n]
// numbering here is what the model cites and what citation extraction maps
// back to records, so the order must match the items slice exactly.
func contextBlock(items []rag.ContextItem) string {
	var sb strings.Builder
	sb.WriteString("## Patient record context\n\n")

	for i, item := range items {
		label := fieldLabels[item.Field]
		if label == "" {
			label = item.Field
		}
		fmt.Fprintf(&sb, "[%d] %s — %s", i+1, sourceLabel(item.SourceType), label)
		if !item.UpdatedAt.IsZero() {
			fmt.Fprintf(&sb, " (updated %s)", item.UpdatedAt.Format("2006-01-02"))
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(item.Snippet))
		sb.WriteString("\n\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

// sourceLabel returns the human-readable label for a source type.
func sourceLabel(t rag.SourceType) string {
	switch t {
	case rag.SourceSession:
		return "Session note"
	case rag.SourceProfile:
		return "Client profile"
	default:
		return string(t)
	}
}
