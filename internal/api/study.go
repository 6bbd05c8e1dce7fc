package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/kalambet/lectern/internal/extract"
	"github.com/kalambet/lectern/internal/llm"
	"github.com/kalambet/lectern/internal/storage"
	"github.com/kalambet/lectern/internal/study"
)

// StudyRequest selects zero-based pages from..to, inclusive. A missing
// to_page means the last page.
type StudyRequest struct {
	FromPage  int  `json:"from_page"`
	ToPage    *int `json:"to_page"`
	Questions int  `json:"questions"`
}

func (s StudyRequest) to() int {
	if s.ToPage == nil {
		return -1
	}
	return *s.ToPage
}

func pageText(ctx context.Context, b storage.Book, req StudyRequest) ([]string, error) {
	return study.PageParagraphs(ctx, b.Content, extract.Format(b.Format), req.FromPage, req.to())
}

func handleSummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := ownedBook(w, r, deps.Store)
		if !ok {
			return
		}
		var req StudyRequest
		if !decodeBody(w, r, &req) {
			return
		}

		paras, err := pageText(r.Context(), b, req)
		if err != nil {
			studyError(w, err)
			return
		}
		summary, err := deps.Summarizer.Summarize(r.Context(), paras)
		if err != nil {
			studyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
	}
}

func handleQuiz(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := ownedBook(w, r, deps.Store)
		if !ok {
			return
		}
		var req StudyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Questions < 0 || req.Questions > study.MaxQuestions {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "questions must be between 1 and %d", study.MaxQuestions)
			return
		}

		paras, err := pageText(r.Context(), b, req)
		if err != nil {
			studyError(w, err)
			return
		}
		quiz, err := deps.Quiz.Make(r.Context(), paras, req.Questions)
		if err != nil {
			studyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"questions": quiz})
	}
}

func studyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, study.ErrPageRange):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, study.ErrNoText):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "the selected pages contain no text")
	case errors.Is(err, extract.ErrExtraction):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
	case errors.Is(err, llm.ErrOverloaded):
		w.Header().Set("Retry-After", "5")
		httpError(w, http.StatusServiceUnavailable, "overloaded_error", "model is overloaded, try again later")
	case errors.Is(err, study.ErrBadQuiz):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to write to.
	default:
		httpError(w, http.StatusBadGateway, "api_error", "model error: %v", err)
	}
}
