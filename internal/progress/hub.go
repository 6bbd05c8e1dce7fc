package progress

import "sync"

// Hub tracks the live Reporter of every in-flight ingestion by key.
type Hub struct {
	mu        sync.Mutex
	reporters map[string]*Reporter
}

func NewHub() *Hub {
	return &Hub{reporters: make(map[string]*Reporter)}
}

// Start registers a fresh Reporter under key, replacing any previous one.
func (h *Hub) Start(key, label string) *Reporter {
	r := New(label)
	h.mu.Lock()
	h.reporters[key] = r
	h.mu.Unlock()
	return r
}

// Get returns the live Reporter for key, if any.
func (h *Hub) Get(key string) (*Reporter, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.reporters[key]
	return r, ok
}

// Remove drops key only if it still maps to r, so a restarted run is kept.
func (h *Hub) Remove(key string, r *Reporter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.reporters[key]; ok && cur == r {
		delete(h.reporters, key)
	}
}
