package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/kalambet/lectern/internal/extract"
	"github.com/kalambet/lectern/internal/progress"
	"github.com/kalambet/lectern/internal/storage"
)

// JobTypeIngestBook is the queue type of book ingestion jobs.
const JobTypeIngestBook = "ingest_book"

var errBadPayload = errors.New("bad job payload")

// JobStore abstracts the job queue and the book rows jobs refer to.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	AbandonJob(id string, errMsg string) error
	RequeueJob(id string) error
	GetBook(id string) (storage.Book, error)
	SaveProgress(p storage.Progress) error
}

// JobEnqueuer is satisfied by *storage.Store.
type JobEnqueuer interface {
	EnqueueJob(job storage.Job) error
}

type bookPayload struct {
	BookID string `json:"book_id"`
}

// EnqueueBook queues an ingestion job for bookID and returns the job id.
func EnqueueBook(q JobEnqueuer, bookID string) (string, error) {
	payload, err := json.Marshal(bookPayload{BookID: bookID})
	if err != nil {
		return "", err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeIngestBook,
		PayloadJSON: string(payload),
	}
	if err := q.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing ingest job: %w", err)
	}
	return job.ID, nil
}

// Worker processes ingest_book jobs from the SQLite job queue, running up
// to a fixed number of books at once.
type Worker struct {
	store    JobStore
	pipeline *Pipeline
	hub      *progress.Hub
	pool     *ants.Pool
	size     int
	poll     time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkers sets how many books are ingested concurrently. Default 2.
func WithWorkers(n int) WorkerOption {
	return func(w *Worker) {
		if n >= 1 {
			w.size = n
		}
	}
}

// WithPollInterval sets the idle wait between queue polls. Default 500ms.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorker creates a Worker. hub may be nil when live progress is not
// needed. Call Close to release the pool.
func NewWorker(store JobStore, pipeline *Pipeline, hub *progress.Hub, opts ...WorkerOption) (*Worker, error) {
	w := &Worker{
		store:    store,
		pipeline: pipeline,
		hub:      hub,
		size:     2,
		poll:     500 * time.Millisecond,
		logger:   slog.Default().With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.hub == nil {
		w.hub = progress.NewHub()
	}

	pool, err := ants.NewPool(w.size)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Close releases the worker pool. Jobs still running are not waited for;
// Run waits for them before returning.
func (w *Worker) Close() {
	w.pool.Release()
}

// Run polls for jobs until ctx is cancelled, then waits for running jobs
// to wind down. Interrupted jobs go back to the queue.
func (w *Worker) Run(ctx context.Context) {
	defer w.wg.Wait()
	for {
		if ctx.Err() != nil {
			return
		}

		started, err := w.dispatch(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if started {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// dispatch claims one job and hands it to the pool when a slot is free.
func (w *Worker) dispatch(ctx context.Context) (bool, error) {
	if w.pool.Free() == 0 {
		return false, nil
	}
	job, err := w.store.ClaimNextJob([]string{JobTypeIngestBook})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.wg.Add(1)
	err = w.pool.Submit(func() {
		defer w.wg.Done()
		w.handle(ctx, job)
	})
	if err != nil {
		w.wg.Done()
		if rqErr := w.store.RequeueJob(job.ID); rqErr != nil {
			w.logger.Error("failed to requeue job", "job_id", job.ID, "error", rqErr)
		}
		return false, fmt.Errorf("submitting job %s: %w", job.ID, err)
	}
	return true, nil
}

// RunOnce claims and processes a single ingest_book job synchronously.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeIngestBook})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *storage.Job) {
	err := w.processJob(ctx, job)
	if err == nil {
		if err := w.store.CompleteJob(job.ID); err != nil {
			w.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
		}
		return
	}

	var markErr error
	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		w.logger.Info("job interrupted", "job_id", job.ID)
		markErr = w.store.RequeueJob(job.ID)
	case errors.Is(err, extract.ErrExtraction), errors.Is(err, storage.ErrNotFound), errors.Is(err, errBadPayload):
		// Retrying cannot help a corrupt file or a missing book.
		w.logger.Warn("job abandoned", "job_id", job.ID, "error", err)
		markErr = w.store.AbandonJob(job.ID, err.Error())
	default:
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		markErr = w.store.FailJob(job.ID, err.Error())
	}
	if markErr != nil {
		w.logger.Error("failed to record job outcome", "job_id", job.ID, "error", markErr)
	}
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload bookPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if payload.BookID == "" {
		return fmt.Errorf("%w: missing book_id", errBadPayload)
	}

	book, err := w.store.GetBook(payload.BookID)
	if err != nil {
		return fmt.Errorf("loading book %s: %w", payload.BookID, err)
	}

	label := book.Title
	if label == "" {
		label = book.Filename
	}
	rep := w.hub.Start(book.ID, label)
	defer w.hub.Remove(book.ID, rep)

	persist := func(s progress.Snapshot) {
		if err := w.store.SaveProgress(toProgress(book.ID, s)); err != nil {
			w.logger.Warn("failed to save progress", "book_id", book.ID, "error", err)
		}
	}
	persist(rep.Snapshot())
	cancel := rep.Subscribe(persist)
	defer cancel()

	w.logger.Info("ingesting book", "book_id", book.ID, "job_id", job.ID, "attempt", job.Attempts+1)
	_, err = w.pipeline.Run(ctx, book, rep)
	return err
}

func toProgress(bookID string, s progress.Snapshot) storage.Progress {
	return storage.Progress{
		BookID:    bookID,
		Percent:   s.Percent,
		Stage:     string(s.Stage),
		Attempted: s.Attempted,
		Total:     s.Total,
		Failed:    s.Failed,
		Done:      s.Done,
		Error:     s.Err,
	}
}
