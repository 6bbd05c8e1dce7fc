package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/lectern/internal/extract"
	"github.com/kalambet/lectern/internal/ingest"
	"github.com/kalambet/lectern/internal/progress"
	"github.com/kalambet/lectern/internal/storage"
)

const maxMultipartMemory = 32 << 20

// UploadRequest is the JSON form of POST /books. Content is base64.
type UploadRequest struct {
	Filename string `json:"filename"`
	Title    string `json:"title"`
	Content  string `json:"content"`
}

// BookView is the API representation of a book. The content is never sent.
type BookView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Filename  string    `json:"filename"`
	Format    string    `json:"format"`
	PageCount int       `json:"page_count"`
	Status    string    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOf(b storage.Book) BookView {
	return BookView{
		ID:        b.ID,
		Title:     b.Title,
		Filename:  b.Filename,
		Format:    b.Format,
		PageCount: b.PageCount,
		Status:    b.Status,
		LastError: b.LastError,
		CreatedAt: b.CreatedAt,
	}
}

type upload struct {
	filename string
	title    string
	data     []byte
}

func readUpload(r *http.Request) (upload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return upload{}, fmt.Errorf("invalid multipart body: %w", err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return upload{}, fmt.Errorf("file is required: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return upload{}, fmt.Errorf("reading file: %w", err)
		}
		return upload{filename: hdr.Filename, title: r.FormValue("title"), data: data}, nil
	}

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return upload{}, fmt.Errorf("invalid request body: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return upload{}, errors.New("invalid base64 content")
	}
	return upload{filename: req.Filename, title: req.Title, data: data}, nil
}

func handleUploadBook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, _ := UserFromContext(r.Context())
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadSize)
		defer r.Body.Close()

		up, err := readUpload(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "file exceeds %d bytes", tooLarge.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if len(up.data) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is empty")
			return
		}

		format, err := extract.DetectFormat(up.filename, up.data)
		if err != nil {
			httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "only PDF and EPUB files are supported")
			return
		}
		if up.filename == "" {
			up.filename = "book." + string(format)
		}

		book := storage.Book{
			ID:        uuid.New().String(),
			UserID:    u.ID,
			Title:     up.title,
			Filename:  up.filename,
			Format:    string(format),
			Content:   up.data,
			Status:    storage.BookQueued,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.SaveBook(book); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save book: %v", err)
			return
		}
		if _, err := ingest.EnqueueBook(deps.Store, book.ID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		slog.Info("book uploaded", "book_id", book.ID, "user_id", u.ID, "format", format, "bytes", len(up.data))
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     book.ID,
			"status": storage.BookQueued,
		})
	}
}

func handleListBooks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, _ := UserFromContext(r.Context())
		books, err := deps.Store.ListBooks(u.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list books: %v", err)
			return
		}
		views := make([]BookView, len(books))
		for i, b := range books {
			views[i] = viewOf(b)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetBook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := ownedBook(w, r, deps.Store)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, viewOf(b))
	}
}

func handleDeleteBook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := ownedBook(w, r, deps.Store)
		if !ok {
			return
		}
		if err := deps.Store.DeleteBook(b.ID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete book: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// snapshotOf returns the live progress of a book, falling back to the last
// persisted snapshot. A book whose job has not started yet is at 0%.
func snapshotOf(deps Deps, b storage.Book) (progress.Snapshot, error) {
	if rep, ok := deps.Hub.Get(b.ID); ok {
		return rep.Snapshot(), nil
	}

	label := b.Title
	if label == "" {
		label = b.Filename
	}
	p, err := deps.Store.GetProgress(b.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return progress.Snapshot{Label: label, Stage: progress.StageUpload}, nil
	}
	if err != nil {
		return progress.Snapshot{}, err
	}
	return progress.Snapshot{
		Label:     label,
		Stage:     progress.Stage(p.Stage),
		Percent:   p.Percent,
		Attempted: p.Attempted,
		Total:     p.Total,
		Failed:    p.Failed,
		Done:      p.Done,
		Err:       p.Error,
	}, nil
}

func handleProgress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := ownedBook(w, r, deps.Store)
		if !ok {
			return
		}
		if r.URL.Query().Get("stream") == "" {
			snap, err := snapshotOf(deps, b)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to load progress: %v", err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
			return
		}
		streamProgress(w, r, deps, b)
	}
}

// streamProgress sends a "progress" event on every change until the run is
// done or failed. It follows the live Reporter when one is registered and
// polls persisted progress otherwise.
func streamProgress(w http.ResponseWriter, r *http.Request, deps Deps, b storage.Book) {
	sse, ok := newSSE(w)
	if !ok {
		return
	}
	ctx := r.Context()

	notify := make(chan struct{}, 1)
	var (
		live        *progress.Reporter
		unsubscribe = func() {}
	)
	defer func() { unsubscribe() }()

	ticker := time.NewTicker(deps.ProgressPoll)
	defer ticker.Stop()

	var last progress.Snapshot
	sent := false
	for {
		if rep, ok := deps.Hub.Get(b.ID); ok && rep != live {
			unsubscribe()
			live = rep
			unsubscribe = rep.Subscribe(func(progress.Snapshot) {
				select {
				case notify <- struct{}{}:
				default:
				}
			})
		}

		snap, err := snapshotOf(deps, b)
		if err != nil {
			sse.send("error", map[string]string{"error": err.Error()})
			return
		}
		if !sent || snap != last {
			if err := sse.send("progress", snap); err != nil {
				return
			}
			last, sent = snap, true
		}
		if snap.Terminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-notify:
		case <-ticker.C:
		}
	}
}
