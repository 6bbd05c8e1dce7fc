package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/lectern/internal/llm"
)

const defaultSystemPrompt = `You are a reading assistant. The user is reading a book and asks questions about it.
Before answering a question about the book's content, call ` + ToolFindPassages + ` with a short search query to look up relevant passages.
If the tool returns "` + RetrievalFailedText + `", answer from the conversation alone and say that the book did not provide the information.
Quote or paraphrase the passages you rely on. Keep answers concise.`

var findPassagesTool = llm.Tool{
	Name:        ToolFindPassages,
	Description: "Find passages of the current book that are relevant to a query.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for in the book.",
			},
		},
		"required": []string{"query"},
	},
}

// Loop runs the model/tool state machine for one user turn at a time.
type Loop struct {
	model       llm.Model
	finder      PassageFinder
	maxSteps    int
	system      string
	temperature float64
	logger      *slog.Logger

	onState func(State) // observes transitions in tests
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxSteps caps the model invocations per user turn. Values below 1 are
// ignored.
func WithMaxSteps(n int) Option {
	return func(l *Loop) {
		if n >= 1 {
			l.maxSteps = n
		}
	}
}

// WithSystemPrompt replaces the built-in system prompt.
func WithSystemPrompt(s string) Option {
	return func(l *Loop) {
		if strings.TrimSpace(s) != "" {
			l.system = s
		}
	}
}

func WithTemperature(t float64) Option {
	return func(l *Loop) { l.temperature = t }
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func NewLoop(model llm.Model, finder PassageFinder, opts ...Option) *Loop {
	l := &Loop{
		model:       model,
		finder:      finder,
		maxSteps:    DefaultMaxSteps,
		system:      defaultSystemPrompt,
		temperature: 0.3,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "chat")
	return l
}

// Run starts a turn and returns its event stream. Requests without a user
// fail with ErrUnauthorized before the model or the retriever is touched.
//
// The caller must drain the channel until it is closed or cancel ctx.
// Cancelling stops the model stream, discards a tool result still in
// flight, and ends the stream with EventFailed{Err: context.Canceled} when
// there is room to deliver it.
func (l *Loop) Run(ctx context.Context, req Request) (<-chan Event, error) {
	if req.UserID == "" {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, ErrEmptyQuestion
	}

	out := make(chan Event, 16)
	s := &session{
		loop:  l,
		ctx:   ctx,
		req:   req,
		out:   out,
		state: StateAwaitingModel,
		msgs:  l.conversation(req),
	}
	go s.run()
	return out, nil
}

func (l *Loop) conversation(req Request) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.History)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: l.system})
	for _, m := range req.History {
		// Clients cannot replace the system prompt or replay tool turns.
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Question})
}

// session is the state of one running turn.
type session struct {
	loop *Loop
	ctx  context.Context
	req  Request
	out  chan<- Event

	state   State
	steps   int
	msgs    []llm.Message
	pending []llm.ToolCall
	best    string // latest non-empty assistant text
}

func (s *session) run() {
	defer close(s.out)
	for {
		switch s.state {
		case StateAwaitingModel:
			s.callModel()
		case StateAwaitingToolResult:
			s.runTools()
		default:
			return
		}
	}
}

func (s *session) transition(to State) {
	if !canTransition(s.state, to) {
		panic(fmt.Sprintf("chat: invalid transition %s -> %s", s.state, to))
	}
	s.loop.logger.Debug("state", "from", s.state, "to", to, "step", s.steps)
	s.state = to
	if s.loop.onState != nil {
		s.loop.onState(to)
	}
}

func (s *session) callModel() {
	s.steps++
	var text strings.Builder
	resp, err := s.loop.model.Stream(s.ctx, llm.Request{
		Messages:    s.msgs,
		Tools:       []llm.Tool{findPassagesTool},
		Temperature: s.loop.temperature,
	}, func(delta string) {
		if delta == "" {
			return
		}
		text.WriteString(delta)
		s.emit(EventDelta{Text: delta})
	})

	if errors.Is(s.ctx.Err(), context.Canceled) {
		s.fail(context.Canceled)
		return
	}
	if err != nil {
		// No retries: overloads and timeouts end the turn with whatever
		// text exists.
		partial := text.String()
		if partial == "" {
			partial = s.best
		}
		s.loop.logger.Warn("model call failed",
			"book_id", s.req.DocumentID, "step", s.steps, "overloaded", errors.Is(err, llm.ErrOverloaded), "error", err)
		if partial == "" {
			s.fail(fmt.Errorf("model call: %w", err))
			return
		}
		s.done(partial, true)
		return
	}

	content := resp.Content
	if content == "" {
		content = text.String()
	}
	if content != "" {
		s.best = content
	}

	if len(resp.ToolCalls) == 0 {
		s.done(content, false)
		return
	}
	if s.steps >= s.loop.maxSteps {
		s.loop.logger.Info("step budget exhausted", "book_id", s.req.DocumentID, "steps", s.steps)
		s.done(s.best, true)
		return
	}

	calls := make([]llm.ToolCall, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		if tc.ID == "" {
			tc.ID = "call_" + uuid.New().String()
		}
		calls[i] = tc
	}
	s.msgs = append(s.msgs, llm.Message{Role: llm.RoleAssistant, Content: content, ToolCalls: calls})
	s.pending = calls
	s.transition(StateAwaitingToolResult)
}

func (s *session) runTools() {
	for _, call := range s.pending {
		s.emit(EventToolCall{Name: call.Name, Args: call.Arguments})

		content, failed := s.invoke(call)
		if s.ctx.Err() != nil {
			// The result arrived after the caller went away; drop it.
			s.fail(s.ctx.Err())
			return
		}

		s.msgs = append(s.msgs, llm.Message{
			Role:       llm.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			Name:       call.Name,
		})
		s.emit(EventToolResult{Name: call.Name, Content: content, Failed: failed})
	}
	s.pending = nil
	s.transition(StateAwaitingModel)
}

// invoke runs one tool call and returns the text for the tool turn.
func (s *session) invoke(call llm.ToolCall) (string, bool) {
	if call.Name != ToolFindPassages {
		return fmt.Sprintf("Unknown tool %q", call.Name), true
	}

	var args struct {
		Query string `json:"query"`
	}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			s.loop.logger.Warn("bad tool arguments", "tool", call.Name, "error", err)
		}
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		query = s.req.Question
	}

	passages, err := s.loop.finder.Passages(s.ctx, query, s.req.UserID, s.req.DocumentID)
	if err != nil || len(passages) == 0 {
		if err != nil {
			s.loop.logger.Info("no passages for tool call", "book_id", s.req.DocumentID, "error", err)
		}
		return RetrievalFailedText, true
	}
	return strings.Join(passages, "\n\n"), false
}

func (s *session) done(answer string, partial bool) {
	s.transition(StateDone)
	s.finish(EventDone{Answer: answer, Steps: s.steps, Partial: partial})
}

func (s *session) fail(err error) {
	s.transition(StateFailed)
	s.finish(EventFailed{Err: err})
}

// emit delivers ev unless the caller has gone away.
func (s *session) emit(ev Event) {
	select {
	case s.out <- ev:
	case <-s.ctx.Done():
	}
}

// finish delivers the terminal event. After cancellation the send is best
// effort so a caller that stopped reading cannot block the goroutine.
func (s *session) finish(ev Event) {
	if s.ctx.Err() == nil {
		s.emit(ev)
		return
	}
	select {
	case s.out <- ev:
	default:
	}
}
