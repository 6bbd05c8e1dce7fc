package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/lectern/internal/progress"
	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	saveBook(t, store, storage.Book{ID: "b1", Title: "Mine", Status: storage.BookReady})
	saveBook(t, store, storage.Book{ID: "b2", UserID: "user-2"})

	return MCPDeps{
		Store: store,
		Hub:   progress.NewHub(),
		Retriever: &mockSearcher{searchFn: func(context.Context, string, string, string) ([]retrieval.ScoredPassage, error) {
			return nil, nil
		}},
		Summarizer: &mockSummarizer{summarizeFn: func(context.Context, []string) (string, error) { return "test summary", nil }},
		UserID:     "user-1",
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_FindPassages(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	var gotUser, gotBook string
	deps.Retriever = &mockSearcher{searchFn: func(_ context.Context, _ string, userID, bookID string) ([]retrieval.ScoredPassage, error) {
		gotUser, gotBook = userID, bookID
		return []retrieval.ScoredPassage{
			{Passage: retrieval.Passage{Page: 2, Text: "Call me Ishmael."}, Score: 0.91},
		}, nil
	}}
	handler := mcpFindPassages(deps)

	result, err := handler(context.Background(), makeCallToolRequest("find_passages", map[string]interface{}{
		"book_id": "b1",
		"query":   "narrator",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var passages []PassageView
	if err := json.Unmarshal([]byte(toolText(t, result)), &passages); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(passages) != 1 || passages[0].Text != "Call me Ishmael." || passages[0].Page != 2 {
		t.Errorf("passages = %+v", passages)
	}
	if gotUser != "user-1" || gotBook != "b1" {
		t.Errorf("search scoped to %q/%q", gotUser, gotBook)
	}
}

func TestMCPTool_FindPassages_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, err := mcpFindPassages(deps)(context.Background(), makeCallToolRequest("find_passages", map[string]interface{}{
		"book_id": "b1",
		"query":   "nothing",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError || toolText(t, result) != "[]" {
		t.Errorf("result = %q (error %v), want []", toolText(t, result), result.IsError)
	}
}

func TestMCPTool_FindPassages_RetrievalFailure(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Retriever = &mockSearcher{searchFn: func(context.Context, string, string, string) ([]retrieval.ScoredPassage, error) {
		return nil, retrieval.ErrRetrievalFailed
	}}
	result, _ := mcpFindPassages(deps)(context.Background(), makeCallToolRequest("find_passages", map[string]interface{}{
		"book_id": "b1",
		"query":   "x",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "Failed to get information") {
		t.Errorf("result = %q, want a retrieval failure", toolText(t, result))
	}
}

func TestMCPTool_MissingArguments(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	tests := []struct {
		name string
		call func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args map[string]interface{}
		want string
	}{
		{"find_passages without query", mcpFindPassages(deps), map[string]interface{}{"book_id": "b1"}, "query is required"},
		{"find_passages without book", mcpFindPassages(deps), map[string]interface{}{"query": "x"}, "book_id is required"},
		{"book_status without book", mcpBookStatus(deps), map[string]interface{}{}, "book_id is required"},
		{"summarize_pages without book", mcpSummarizePages(deps), map[string]interface{}{}, "book_id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.call(context.Background(), makeCallToolRequest("x", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError || toolText(t, result) != tt.want {
				t.Errorf("result = %q, want error %q", toolText(t, result), tt.want)
			}
		})
	}
}

func TestMCPTool_OtherUsersBookHidden(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	for name, handler := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"find_passages":   mcpFindPassages(deps),
		"book_status":     mcpBookStatus(deps),
		"summarize_pages": mcpSummarizePages(deps),
	} {
		result, err := handler(context.Background(), makeCallToolRequest(name, map[string]interface{}{
			"book_id": "b2",
			"query":   "x",
		}))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
			t.Errorf("%s: result = %q, want not found", name, toolText(t, result))
		}
	}
}

func TestMCPTool_BookStatus(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	if err := store.SaveProgress(storage.Progress{BookID: "b1", Percent: 100, Stage: "done", Done: true, Attempted: 4, Total: 4}); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}

	result, err := mcpBookStatus(deps)(context.Background(), makeCallToolRequest("book_status", map[string]interface{}{"book_id": "b1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var status struct {
		Book     BookView          `json:"book"`
		Progress progress.Snapshot `json:"progress"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &status); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if status.Book.Status != storage.BookReady || status.Book.Title != "Mine" {
		t.Errorf("book = %+v", status.Book)
	}
	if !status.Progress.Done || status.Progress.Percent != 100 || status.Progress.Total != 4 {
		t.Errorf("progress = %+v", status.Progress)
	}
}

func TestMCPTool_SummarizePages(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	epubBook(t, store)
	ms := &mockSummarizer{summarizeFn: func(context.Context, []string) (string, error) { return "Two chapters.", nil }}
	deps.Summarizer = ms

	result, err := mcpSummarizePages(deps)(context.Background(), makeCallToolRequest("summarize_pages", map[string]interface{}{
		"book_id":   "ep",
		"from_page": float64(1),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError || toolText(t, result) != "Two chapters." {
		t.Fatalf("result = %q", toolText(t, result))
	}
	if len(ms.got) != 3 || ms.got[0] != "one a" {
		t.Errorf("summarized %q, want pages 1 through the end", ms.got)
	}
}

func TestMCPTool_SummarizePages_Errors(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	epubBook(t, store)

	deps.Summarizer = nil
	result, _ := mcpSummarizePages(deps)(context.Background(), makeCallToolRequest("summarize_pages", map[string]interface{}{"book_id": "ep"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not available") {
		t.Errorf("nil summarizer result = %q", toolText(t, result))
	}

	deps.Summarizer = &mockSummarizer{summarizeFn: func(context.Context, []string) (string, error) { return "", errors.New("boom") }}
	result, _ = mcpSummarizePages(deps)(context.Background(), makeCallToolRequest("summarize_pages", map[string]interface{}{"book_id": "ep"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "boom") {
		t.Errorf("model error result = %q", toolText(t, result))
	}

	result, _ = mcpSummarizePages(deps)(context.Background(), makeCallToolRequest("summarize_pages", map[string]interface{}{
		"book_id":   "ep",
		"from_page": float64(5),
		"to_page":   float64(9),
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "page range") {
		t.Errorf("range error result = %q", toolText(t, result))
	}
}

func TestMCPResource_Books(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpResourceBooks(deps)

	contents, err := handler(context.Background(), mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "lectern://books"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var books []BookView
	if err := json.Unmarshal([]byte(tc.Text), &books); err != nil {
		t.Fatalf("failed to parse books JSON: %v", err)
	}
	if len(books) != 1 || books[0].ID != "b1" {
		t.Errorf("books = %+v, want only the MCP user's book", books)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Retriever = &mockSearcher{searchFn: func(context.Context, string, string, string) ([]retrieval.ScoredPassage, error) {
		return []retrieval.ScoredPassage{{Passage: retrieval.Passage{Text: "test"}, Score: 0.9}}, nil
	}}

	findHandler := mcpFindPassages(deps)
	statusHandler := mcpBookStatus(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := findHandler(context.Background(), makeCallToolRequest("find_passages", map[string]interface{}{
				"book_id": "b1", "query": "test",
			})); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := statusHandler(context.Background(), makeCallToolRequest("book_status", map[string]interface{}{
				"book_id": "b1",
			})); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}
