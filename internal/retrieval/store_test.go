package retrieval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/lectern/internal/storage"
)

// openTestStore creates an in-memory database with the passages table.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSQLiteStore(st.DB())
}

func makeTestVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

// axis returns a unit vector along dimension i, so cosine scores are exact.
func axis(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

func TestInsertAndSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vec := makeTestVector(768, 0.1)
	err := s.Insert(ctx, []Passage{{
		ID:        "p1",
		BookID:    "b1",
		UserID:    "u1",
		Page:      4,
		Text:      "Go is a compiled language",
		Embedding: vec,
		CreatedAt: time.Now().UTC(),
	}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, vec, 1, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Score < 0.99 {
		t.Errorf("score = %f, want > 0.99", results[0].Score)
	}
	if results[0].ID != "p1" || results[0].Page != 4 || results[0].BookID != "b1" {
		t.Errorf("result = %+v", results[0].Passage)
	}
	if len(results[0].Embedding) != 768 {
		t.Errorf("embedding dim = %d, want 768", len(results[0].Embedding))
	}
}

func TestSearch_TopK(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var passages []Passage
	for i := 0; i < 10; i++ {
		passages = append(passages, Passage{
			ID:        fmt.Sprintf("p%d", i),
			BookID:    "b1",
			UserID:    "u1",
			Text:      "text",
			Embedding: makeTestVector(768, float32(i)*0.01),
		})
	}
	if err := s.Insert(ctx, passages); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, makeTestVector(768, 0.05), 3, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted by score: %f > %f", results[i].Score, results[i-1].Score)
		}
	}
}

func TestSearch_FilterScopesUserAndBook(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vec := axis(8, 0)
	if err := s.Insert(ctx, []Passage{
		{ID: "mine", BookID: "b1", UserID: "u1", Text: "mine", Embedding: vec},
		{ID: "other-book", BookID: "b2", UserID: "u1", Text: "other book", Embedding: vec},
		{ID: "other-user", BookID: "b1", UserID: "u2", Text: "other user", Embedding: vec},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, vec, 10, Filter{UserID: "u1", BookID: "b1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "mine" {
		t.Errorf("results = %+v, want only %q", results, "mine")
	}

	n, err := s.Count(ctx, Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count(u1) = %d, want 2", n)
	}
}

func TestSearch_MinScore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// cos(query, close) = 0.9, cos(query, far) = 0.6
	query := []float32{1, 0}
	if err := s.Insert(ctx, []Passage{
		{ID: "close", BookID: "b1", UserID: "u1", Text: "close", Embedding: []float32{0.9, 0.43588989}},
		{ID: "far", BookID: "b1", UserID: "u1", Text: "far", Embedding: []float32{0.6, 0.8}},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, query, 3, Filter{MinScore: 0.8})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "close" {
		t.Errorf("results = %+v, want only %q", results, "close")
	}
}

func TestSearch_EmptyTable(t *testing.T) {
	s := openTestStore(t)

	results, err := s.Search(context.Background(), makeTestVector(768, 0.1), 5, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearch_TopKZero(t *testing.T) {
	s := openTestStore(t)

	results, err := s.Search(context.Background(), makeTestVector(768, 0.1), 0, Filter{})
	if err != nil {
		t.Fatalf("Search with topK=0: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results for topK=0, got %d", len(results))
	}
}

func TestSearch_ZeroQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Insert(ctx, []Passage{{ID: "p", BookID: "b", UserID: "u", Text: "t", Embedding: axis(4, 1)}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, make([]float32, 4), 3, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Errorf("zero query vector should match nothing, got %d", len(results))
	}
}

func TestDeleteBook(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, []Passage{
		{ID: "p1", BookID: "b1", UserID: "u1", Text: "a", Embedding: axis(4, 0)},
		{ID: "p2", BookID: "b1", UserID: "u1", Text: "b", Embedding: axis(4, 1)},
		{ID: "p3", BookID: "b2", UserID: "u1", Text: "c", Embedding: axis(4, 2)},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.DeleteBook(ctx, "b1"); err != nil {
		t.Fatalf("DeleteBook: %v", err)
	}

	n, err := s.Count(ctx, Filter{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count after delete = %d, want 1", n)
	}
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	in := []float32{0, -1.5, 3.25, 1e-7}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
