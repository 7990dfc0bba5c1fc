package core

import (
	"context"
	"fmt"
	"strings"

	"ehr-chatbot/internal/llm"
	"ehr-chatbot/pkg"
)

// SummarizationInstruction asks for a short Persian digest that keeps the
// patient's key points and questions.
const SummarizationInstruction = "لطفاً گفتگوی زیر را به صورت خلاصه و مفید خلاصه کنید، به گونه‌ای که نکات کلیدی و سوالات مهم بیمار حفظ شود."

// Summarizer condenses a stored conversation for the treating clinician.  It
// reads persisted turns and never touches session memory.
type Summarizer struct {
	LLM  llm.Client
	Opts llm.Options
}

// NewSummarizer constructs a summariser.
func NewSummarizer(client llm.Client, opts llm.Options) *Summarizer {
	return &Summarizer{LLM: client, Opts: opts}
}

// Summarize returns a summary of the user and assistant turns.  An empty
// conversation yields an empty summary without calling the model.
func (s *Summarizer) Summarize(ctx context.Context, turns []pkg.Turn) (string, error) {
	transcript := Transcript(turns)
	if transcript == "" {
		return "", nil
	}
	prompt := SummarizationInstruction + "\n\n" + transcript + "\n\nخلاصه (به زبان فارسی):"
	out, err := s.LLM.Complete(ctx, []llm.Message{llm.Human(prompt)}, s.Opts)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Transcript renders user and assistant turns as labelled lines.
func Transcript(turns []pkg.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		var who string
		switch t.Role {
		case pkg.RoleUser:
			who = "بیمار"
		case pkg.RoleAssistant:
			who = "دستیار"
		default:
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(who + ": " + t.Content)
	}
	return b.String()
}
