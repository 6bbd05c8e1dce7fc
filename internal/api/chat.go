package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/lectern/internal/chat"
	"github.com/kalambet/lectern/internal/llm"
	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/storage"
)

// ChatMessage is one prior turn sent by the client.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /books/{id}/chat.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Question string        `json:"question"`
}

// PassageView is one recalled passage.
type PassageView struct {
	Page  int     `json:"page"`
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

// handleChat streams the events of one chat turn as SSE, each named by its
// kind: delta, tool_call, tool_result, then done or failed.
func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := ownedBook(w, r, deps.Store)
		if !ok {
			return
		}
		var req ChatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if b.Status != storage.BookReady {
			httpError(w, http.StatusConflict, "invalid_request_error", "book is %s, not ready", b.Status)
			return
		}

		history := make([]llm.Message, 0, len(req.Messages))
		for i, m := range req.Messages {
			role := llm.Role(strings.ToLower(m.Role))
			if role != llm.RoleUser && role != llm.RoleAssistant {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "messages[%d]: role must be user or assistant", i)
				return
			}
			history = append(history, llm.Message{Role: role, Content: m.Content})
		}

		u, _ := UserFromContext(r.Context())
		events, err := deps.Chat.Run(r.Context(), chat.Request{
			UserID:     u.ID,
			DocumentID: b.ID,
			History:    history,
			Question:   req.Question,
		})
		switch {
		case errors.Is(err, chat.ErrEmptyQuestion):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		case errors.Is(err, chat.ErrUnauthorized):
			httpError(w, http.StatusUnauthorized, "authentication_error", "unauthorized")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "starting chat: %v", err)
			return
		}

		sse, ok := newSSE(w)
		if !ok {
			// The loop stops once the request context ends; drain until then.
			for range events {
			}
			return
		}
		broken := false
		for ev := range events {
			if broken {
				continue
			}
			if err := sse.send(ev.Kind(), ev); err != nil {
				slog.Debug("chat client went away", "book_id", b.ID, "error", err)
				broken = true
			}
		}
	}
}

func handleRecall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := ownedBook(w, r, deps.Store)
		if !ok {
			return
		}
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}

		u, _ := UserFromContext(r.Context())
		scored, err := deps.Retriever.Search(r.Context(), query, u.ID, b.ID)
		if err != nil {
			if errors.Is(err, retrieval.ErrRetrievalFailed) {
				httpError(w, http.StatusBadGateway, "api_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "recall failed: %v", err)
			return
		}

		passages := make([]PassageView, len(scored))
		for i, p := range scored {
			passages[i] = PassageView{Page: p.Page, Text: p.Text, Score: p.Score}
		}
		writeJSON(w, http.StatusOK, map[string]any{"passages": passages})
	}
}
