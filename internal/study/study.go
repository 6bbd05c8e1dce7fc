// Package study generates summaries and quizzes from segmented book text.
package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/lectern/internal/extract"
	"github.com/kalambet/lectern/internal/llm"
	"github.com/kalambet/lectern/internal/segment"
)

// DefaultCharBudget bounds the text sent to the model in one request.
const DefaultCharBudget = 24000

const (
	MaxQuestions     = 20
	DefaultQuestions = 5
)

var (
	// ErrNoText is returned when there is nothing to work from.
	ErrNoText = errors.New("no text in range")
	// ErrBadQuiz is returned when the model output is not a usable quiz.
	ErrBadQuiz = errors.New("model returned an invalid quiz")
	// ErrPageRange is returned for a page range outside the document.
	ErrPageRange = errors.New("invalid page range")
)

// Question is one multiple-choice quiz item.
type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Answer   string   `json:"answer"`
}

// Summarizer condenses a span of a book.
type Summarizer struct {
	model  llm.Model
	budget int
	logger *slog.Logger
}

func NewSummarizer(model llm.Model, budget int) *Summarizer {
	if budget <= 0 {
		budget = DefaultCharBudget
	}
	return &Summarizer{model: model, budget: budget, logger: slog.Default().With("component", "study")}
}

// Summarize returns a prose summary of paragraphs. Text past the character
// budget is left out.
func (s *Summarizer) Summarize(ctx context.Context, paragraphs []string) (string, error) {
	text := joinWithin(paragraphs, s.budget)
	if text == "" {
		return "", ErrNoText
	}

	resp, err := llm.Complete(ctx, s.model, llm.Request{
		Messages:    BuildSummaryPrompt(text),
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("summarizing: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("summarizing: empty response")
	}
	return summary, nil
}

// QuizMaker writes multiple-choice questions about a span of a book.
type QuizMaker struct {
	model  llm.Model
	budget int
	logger *slog.Logger
}

func NewQuizMaker(model llm.Model, budget int) *QuizMaker {
	if budget <= 0 {
		budget = DefaultCharBudget
	}
	return &QuizMaker{model: model, budget: budget, logger: slog.Default().With("component", "study")}
}

// Make asks for n questions (clamped to 1..MaxQuestions) and returns the
// valid ones. Invalid items are dropped; if none survive, ErrBadQuiz is
// returned.
func (q *QuizMaker) Make(ctx context.Context, paragraphs []string, n int) ([]Question, error) {
	if n <= 0 {
		n = DefaultQuestions
	}
	n = min(n, MaxQuestions)

	text := joinWithin(paragraphs, q.budget)
	if text == "" {
		return nil, ErrNoText
	}

	resp, err := llm.Complete(ctx, q.model, llm.Request{
		Messages:    BuildQuizPrompt(text, n),
		Temperature: 0.4,
	})
	if err != nil {
		return nil, fmt.Errorf("making quiz: %w", err)
	}

	var raw []Question
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &raw); err != nil {
		q.logger.Warn("failed to unmarshal quiz from LLM response", "error", err, "response", resp.Content)
		return nil, fmt.Errorf("%w: %v", ErrBadQuiz, err)
	}

	quiz := make([]Question, 0, len(raw))
	for i, item := range raw {
		if err := item.validate(); err != nil {
			q.logger.Debug("dropping quiz item", "index", i, "error", err)
			continue
		}
		quiz = append(quiz, item)
		if len(quiz) == n {
			break
		}
	}
	if len(quiz) == 0 {
		return nil, ErrBadQuiz
	}
	return quiz, nil
}

func (item Question) validate() error {
	if strings.TrimSpace(item.Question) == "" {
		return errors.New("empty question")
	}
	if len(item.Options) != 4 {
		return fmt.Errorf("%d options, want 4", len(item.Options))
	}
	seen := make(map[string]bool, 4)
	for _, o := range item.Options {
		if strings.TrimSpace(o) == "" {
			return errors.New("empty option")
		}
		if seen[o] {
			return fmt.Errorf("duplicate option %q", o)
		}
		seen[o] = true
	}
	if !seen[item.Answer] {
		return fmt.Errorf("answer %q is not an option", item.Answer)
	}
	return nil
}

// stripFences removes a surrounding markdown code fence, which models add
// despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// PageParagraphs extracts and segments pages from..to (zero-based,
// inclusive) of a stored document. A negative to means the last page.
func PageParagraphs(ctx context.Context, data []byte, format extract.Format, from, to int) ([]string, error) {
	doc, err := extract.Open(data, format)
	if err != nil {
		return nil, err
	}
	n := doc.NumPages()
	if to < 0 || to >= n {
		to = n - 1
	}
	if from < 0 || from > to {
		return nil, fmt.Errorf("%w: %d-%d of %d pages", ErrPageRange, from, to, n)
	}

	var out []string
	for i := from; i <= to; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := doc.PageText(i)
		if err != nil {
			return nil, &extract.ExtractionError{Format: format, Page: i, Err: err}
		}
		out = append(out, segment.Split(text)...)
	}
	return out, nil
}
