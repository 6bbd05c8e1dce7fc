// Package chat answers questions about a book with a tool-calling model
// that can look up passages of the book mid-conversation.
package chat

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kalambet/lectern/internal/llm"
)

// ErrUnauthorized is returned when a request carries no user identity.
var ErrUnauthorized = errors.New("unauthorized")

// ErrEmptyQuestion is returned when the question is blank.
var ErrEmptyQuestion = errors.New("question is empty")

const (
	// ToolFindPassages is the retrieval tool offered to the model.
	ToolFindPassages = "find_relevant_passages"

	// RetrievalFailedText is the tool result when nothing could be retrieved.
	RetrievalFailedText = "Failed to get information"

	DefaultMaxSteps = 3
)

// PassageFinder looks up passages of one user's book. *retrieval.Retriever
// satisfies it.
type PassageFinder interface {
	Passages(ctx context.Context, query, userID, bookID string) ([]string, error)
}

// Request is one user turn.
type Request struct {
	UserID     string
	DocumentID string
	History    []llm.Message // prior user and assistant turns, oldest first
	Question   string
}

// State is a chat loop state.
type State string

const (
	StateAwaitingModel      State = "awaiting_model"
	StateAwaitingToolResult State = "awaiting_tool_result"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

var transitions = map[State][]State{
	StateAwaitingModel:      {StateAwaitingToolResult, StateDone, StateFailed},
	StateAwaitingToolResult: {StateAwaitingModel, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Event is emitted on the channel returned by Loop.Run. The last event is
// always EventDone or EventFailed.
type Event interface {
	// Kind names the event on the wire.
	Kind() string
}

// EventDelta carries a fragment of assistant text.
type EventDelta struct {
	Text string `json:"text"`
}

// EventToolCall announces a tool invocation requested by the model.
type EventToolCall struct {
	Name string `json:"name"`
	Args string `json:"args"`
}

// EventToolResult carries what the tool returned to the model.
type EventToolResult struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Failed  bool   `json:"failed"`
}

// EventDone ends a turn. Partial is set when the answer was cut short by
// the step budget or a model error after some text was produced.
type EventDone struct {
	Answer  string `json:"answer"`
	Steps   int    `json:"steps"`
	Partial bool   `json:"partial"`
}

// EventFailed ends a turn without an answer.
type EventFailed struct {
	Err error `json:"-"`
}

func (EventDelta) Kind() string      { return "delta" }
func (EventToolCall) Kind() string   { return "tool_call" }
func (EventToolResult) Kind() string { return "tool_result" }
func (EventDone) Kind() string       { return "done" }
func (EventFailed) Kind() string     { return "failed" }

// MarshalJSON renders the error as a message.
func (e EventFailed) MarshalJSON() ([]byte, error) {
	msg := "chat failed"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Error string `json:"error"`
	}{msg})
}
