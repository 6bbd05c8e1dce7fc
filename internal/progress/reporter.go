// Package progress tracks ingestion progress as a single monotonic percentage
// split across the upload, parse and index stages.
package progress

import (
	"math"
	"sync"
)

// Stage is a phase of ingestion. Each stage owns a fixed percent band.
type Stage string

const (
	StageUpload Stage = "upload" // 0-30
	StageParse  Stage = "parse"  // 30-50
	StageIndex  Stage = "index"  // 50-100
	StageDone   Stage = "done"
)

func (s Stage) band() (lo, hi int) {
	switch s {
	case StageUpload:
		return 0, 30
	case StageParse:
		return 30, 50
	case StageIndex:
		return 50, 100
	default:
		return 100, 100
	}
}

// Snapshot is a point-in-time view of a Reporter.
type Snapshot struct {
	Label     string `json:"label"`
	Stage     Stage  `json:"stage"`
	Percent   int    `json:"percent"`
	Attempted int    `json:"attempted"`
	Total     int    `json:"total"`
	Failed    int    `json:"failed"`
	Done      bool   `json:"done"`
	Err       string `json:"error,omitempty"`
}

// Terminal reports whether no further snapshots will follow.
func (s Snapshot) Terminal() bool {
	return s.Done || s.Err != ""
}

// Reporter accumulates progress for one ingestion and notifies subscribers
// on every change. Percent never decreases.
//
// Subscribers are called synchronously, in order, and must not call
// Update, Paragraphs, Finish or Fail on the same Reporter.
type Reporter struct {
	emit sync.Mutex // serializes change+notify so subscribers see ordered snapshots

	mu   sync.Mutex
	snap Snapshot
	subs map[int]func(Snapshot)
	next int
}

// New returns a Reporter at 0% in the upload stage.
func New(label string) *Reporter {
	return &Reporter{
		snap: Snapshot{Label: label, Stage: StageUpload},
		subs: make(map[int]func(Snapshot)),
	}
}

// Update moves to stage and sets the fraction (0..1) completed within it.
func (r *Reporter) Update(stage Stage, fraction float64) {
	r.change(func(s *Snapshot) {
		s.Stage = stage
		s.Percent = max(s.Percent, percentOf(stage, fraction))
	})
}

// Paragraphs records indexing progress. total == 0 counts as complete.
func (r *Reporter) Paragraphs(done, total int) {
	frac := 1.0
	if total > 0 {
		frac = float64(done) / float64(total)
	}
	r.change(func(s *Snapshot) {
		s.Stage = StageIndex
		s.Attempted = done
		s.Total = total
		s.Percent = max(s.Percent, percentOf(StageIndex, frac))
	})
}

// SetFailed records how many paragraphs failed to index so far.
func (r *Reporter) SetFailed(n int) {
	r.change(func(s *Snapshot) {
		s.Failed = n
	})
}

// Finish forces 100% and marks the run done.
func (r *Reporter) Finish() {
	r.change(func(s *Snapshot) {
		s.Stage = StageDone
		s.Percent = 100
		s.Done = true
	})
}

// Fail marks the run as terminally failed without lowering the percent.
func (r *Reporter) Fail(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.change(func(s *Snapshot) {
		s.Err = msg
	})
}

// Snapshot returns the current state.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Subscribe registers fn for every subsequent change. The returned func
// removes the subscription and is safe to call more than once.
func (r *Reporter) Subscribe(fn func(Snapshot)) (cancel func()) {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

func (r *Reporter) change(apply func(*Snapshot)) {
	r.emit.Lock()
	defer r.emit.Unlock()

	r.mu.Lock()
	if r.snap.Terminal() {
		r.mu.Unlock()
		return
	}
	before := r.snap
	apply(&r.snap)
	after := r.snap
	subs := make([]func(Snapshot), 0, len(r.subs))
	for id := 0; id < r.next; id++ {
		if fn, ok := r.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	r.mu.Unlock()

	if after == before {
		return
	}
	for _, fn := range subs {
		fn(after)
	}
}

func percentOf(stage Stage, fraction float64) int {
	if math.IsNaN(fraction) || fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	lo, hi := stage.band()
	return lo + int(math.Floor(fraction*float64(hi-lo)))
}
