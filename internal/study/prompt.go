package study

import (
	"fmt"
	"strings"

	"github.com/kalambet/lectern/internal/llm"
)

const summarySystemPrompt = `You summarize passages from a book for a reader who wants to review what they read.
Write a faithful summary in plain prose. Do not add facts that are not in the text.
Keep the summary under 250 words unless the text is very long.`

const quizSystemPrompt = `You write multiple-choice quizzes that check a reader's understanding of a passage of a book.
Your output must be ONLY a JSON array and nothing else. Each element is an object:
{"question": string, "options": [4 strings], "answer": string}
The answer must be exactly one of the four options. Ask about ideas and facts stated in the text.`

// BuildSummaryPrompt constructs the messages for a summary request.
func BuildSummaryPrompt(text string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: summarySystemPrompt},
		{Role: llm.RoleUser, Content: "Summarize the following text.\n\n" + text},
	}
}

// BuildQuizPrompt constructs the messages for an n-question quiz.
func BuildQuizPrompt(text string, n int) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write %d questions about the following text.\n\n", n)
	sb.WriteString(text)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: quizSystemPrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// joinWithin joins paragraphs with blank lines, stopping before the total
// length would exceed budget. A first paragraph longer than budget is cut.
func joinWithin(paragraphs []string, budget int) string {
	var sb strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		sep := 0
		if sb.Len() > 0 {
			sep = 2
		}
		if sb.Len()+sep+len(p) > budget {
			if sb.Len() == 0 {
				sb.WriteString(truncateRunes(p, budget))
			}
			break
		}
		if sep > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p)
	}
	return sb.String()
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := 0
	for i := range s {
		if i > max {
			break
		}
		cut = i
	}
	return s[:cut]
}
