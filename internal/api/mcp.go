package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/lectern/internal/chat"
	"github.com/kalambet/lectern/internal/progress"
	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. Every tool acts on behalf
// of UserID.
type MCPDeps struct {
	Store      *storage.Store
	Hub        *progress.Hub // optional; persisted progress is used without it
	Retriever  PassageSearcher
	Summarizer Summarizer // optional; if nil, summarize_pages returns an error
	UserID     string
}

// NewMCPServer creates an MCP server with the lectern tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Hub == nil {
		deps.Hub = progress.NewHub()
	}

	s := server.NewMCPServer(
		"lectern",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lectern: search, inspect and summarize the books in your reading library."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("find_passages",
			mcp.WithDescription("Find the passages of a book most relevant to a query."),
			mcp.WithString("book_id", mcp.Description("Book id"), mcp.Required()),
			mcp.WithString("query", mcp.Description("What to look for"), mcp.Required()),
		),
		mcpFindPassages(deps),
	)

	s.AddTool(
		mcp.NewTool("book_status",
			mcp.WithDescription("Report the ingestion status and progress of a book."),
			mcp.WithString("book_id", mcp.Description("Book id"), mcp.Required()),
		),
		mcpBookStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("summarize_pages",
			mcp.WithDescription("Summarize a page range of a book."),
			mcp.WithString("book_id", mcp.Description("Book id"), mcp.Required()),
			mcp.WithNumber("from_page", mcp.Description("First page, zero-based (default 0)")),
			mcp.WithNumber("to_page", mcp.Description("Last page, inclusive (default: last page)")),
		),
		mcpSummarizePages(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"lectern://books",
			"Library",
			mcp.WithResourceDescription("Books in the library with their status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBooks(deps),
	)

	return s
}

// mcpBook loads a book owned by deps.UserID or returns the tool error to send.
func mcpBook(deps MCPDeps, req mcp.CallToolRequest) (storage.Book, *mcp.CallToolResult) {
	id, err := req.RequireString("book_id")
	if err != nil {
		return storage.Book{}, mcpError("book_id is required")
	}
	b, err := deps.Store.GetBook(id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && b.UserID != deps.UserID) {
		return storage.Book{}, mcpError(fmt.Sprintf("book %s not found", id))
	}
	if err != nil {
		return storage.Book{}, mcpError(fmt.Sprintf("failed to load book: %v", err))
	}
	return b, nil
}

func mcpFindPassages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		b, res := mcpBook(deps, req)
		if res != nil {
			return res, nil
		}

		scored, err := deps.Retriever.Search(ctx, query, deps.UserID, b.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("%s: %v", chat.RetrievalFailedText, err)), nil
		}
		if len(scored) == 0 {
			return mcpText("[]"), nil
		}

		results := make([]PassageView, len(scored))
		for i, p := range scored {
			results[i] = PassageView{Page: p.Page, Text: p.Text, Score: p.Score}
		}
		out, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpBookStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, res := mcpBook(deps, req)
		if res != nil {
			return res, nil
		}
		snap, err := snapshotOf(Deps{Store: deps.Store, Hub: deps.Hub}, b)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load progress: %v", err)), nil
		}

		out, err := json.Marshal(struct {
			Book     BookView          `json:"book"`
			Progress progress.Snapshot `json:"progress"`
		}{viewOf(b), snap})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpSummarizePages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Summarizer == nil {
			return mcpError("summarization not available: no model configured"), nil
		}
		b, res := mcpBook(deps, req)
		if res != nil {
			return res, nil
		}

		to := req.GetInt("to_page", -1)
		paras, err := pageText(ctx, b, StudyRequest{FromPage: req.GetInt("from_page", 0), ToPage: &to})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read pages: %v", err)), nil
		}
		summary, err := deps.Summarizer.Summarize(ctx, paras)
		if err != nil {
			return mcpError(fmt.Sprintf("summarization failed: %v", err)), nil
		}
		return mcpText(summary), nil
	}
}

func mcpResourceBooks(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		books, err := deps.Store.ListBooks(deps.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to list books: %w", err)
		}

		views := make([]BookView, len(books))
		for i, b := range books {
			views[i] = viewOf(b)
		}
		out, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal books: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(out),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

var _ PassageSearcher = (*retrieval.Retriever)(nil)
