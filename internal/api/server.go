// Package api serves the lectern HTTP API and the MCP tool server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/lectern/internal/chat"
	"github.com/kalambet/lectern/internal/progress"
	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/storage"
	"github.com/kalambet/lectern/internal/study"
)

const (
	maxRequestBodySize   = 1 << 20  // 1MB
	defaultMaxUploadSize = 64 << 20 // 64MB
	defaultProgressPoll  = time.Second
)

// PassageSearcher finds scored passages of one user's book.
// *retrieval.Retriever satisfies it.
type PassageSearcher interface {
	Search(ctx context.Context, query, userID, bookID string) ([]retrieval.ScoredPassage, error)
}

// ChatRunner runs one chat turn. *chat.Loop satisfies it.
type ChatRunner interface {
	Run(ctx context.Context, req chat.Request) (<-chan chat.Event, error)
}

// Summarizer condenses paragraphs. *study.Summarizer satisfies it.
type Summarizer interface {
	Summarize(ctx context.Context, paragraphs []string) (string, error)
}

// QuizMaker writes quiz questions. *study.QuizMaker satisfies it.
type QuizMaker interface {
	Make(ctx context.Context, paragraphs []string, n int) ([]study.Question, error)
}

type Deps struct {
	Store      *storage.Store
	Hub        *progress.Hub
	Chat       ChatRunner
	Retriever  PassageSearcher
	Summarizer Summarizer
	Quiz       QuizMaker

	// RateLimit and RateBurst throttle the model-backed routes per user.
	RateLimit float64
	RateBurst int

	MaxUploadSize int64         // defaults to 64MB
	ProgressPoll  time.Duration // how often a progress stream checks for a job that has not started
}

// NewHandler returns the lectern HTTP API. Everything but /health requires
// a user bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = defaultMaxUploadSize
	}
	if deps.ProgressPoll <= 0 {
		deps.ProgressPoll = defaultProgressPoll
	}
	if deps.Hub == nil {
		deps.Hub = progress.NewHub()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(UserAuth(deps.Store))

		r.Post("/books", handleUploadBook(deps))
		r.Get("/books", handleListBooks(deps))
		r.Get("/books/{id}", handleGetBook(deps))
		r.Delete("/books/{id}", handleDeleteBook(deps))
		r.Get("/books/{id}/progress", handleProgress(deps))
		r.Get("/books/{id}/recall", handleRecall(deps))

		limited := r.With(RateLimit(deps.RateLimit, deps.RateBurst))
		limited.Post("/books/{id}/chat", handleChat(deps))
		limited.Post("/books/{id}/summary", handleSummary(deps))
		limited.Post("/books/{id}/quiz", handleQuiz(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// ownedBook loads the {id} book and checks it belongs to the request user.
// Books of other users are reported as missing.
func ownedBook(w http.ResponseWriter, r *http.Request, store *storage.Store) (storage.Book, bool) {
	u, ok := UserFromContext(r.Context())
	if !ok {
		httpError(w, http.StatusUnauthorized, "authentication_error", "no user in request")
		return storage.Book{}, false
	}
	id := chi.URLParam(r, "id")
	b, err := store.GetBook(id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && b.UserID != u.ID) {
		httpError(w, http.StatusNotFound, "not_found_error", "book %s not found", id)
		return storage.Book{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load book: %v", err)
		return storage.Book{}, false
	}
	return b, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
