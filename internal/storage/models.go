package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Book statuses. A book moves queued -> processing -> ready|failed.
const (
	BookQueued     = "queued"
	BookProcessing = "processing"
	BookReady      = "ready"
	BookFailed     = "failed"
)

type User struct {
	ID        string
	Name      string
	Token     string
	CreatedAt time.Time
}

type Book struct {
	ID        string
	UserID    string
	Title     string
	Filename  string
	Format    string // "pdf" or "epub"
	Content   []byte // nil when loaded by ListBooks
	PageCount int
	Status    string
	LastError string
	CreatedAt time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Progress is the persisted ingestion state of one book.
type Progress struct {
	BookID    string
	Percent   int
	Stage     string
	Attempted int
	Total     int
	Failed    int
	Done      bool
	Error     string
	UpdatedAt time.Time
}
