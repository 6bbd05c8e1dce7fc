// Package llm defines the chat-completion contract shared by the chat loop
// and the study helpers, independent of the provider behind it.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on RoleTool
	Name       string     `json:"name,omitempty"`         // tool name on RoleTool
}

// ToolCall is a function invocation requested by the model. Arguments is
// the raw JSON object the model produced.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes a function the model may call. Parameters is a JSON schema.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Request struct {
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Model is a chat-completion backend.
type Model interface {
	// Stream runs one completion. onDelta, when non-nil, receives content
	// fragments as they arrive; the returned Response holds the full content
	// and any tool calls. Implementations must not retry.
	Stream(ctx context.Context, req Request, onDelta func(string)) (Response, error)
}

// Complete runs a non-streaming completion.
func Complete(ctx context.Context, m Model, req Request) (Response, error) {
	return m.Stream(ctx, req, nil)
}

// ErrOverloaded matches provider errors caused by rate limiting or capacity.
var ErrOverloaded = errors.New("model overloaded")

// StatusError is a non-2xx response from a provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Is reports rate-limit and capacity statuses as ErrOverloaded.
func (e *StatusError) Is(target error) bool {
	if target != ErrOverloaded {
		return false
	}
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout, 529:
		return true
	}
	return false
}
