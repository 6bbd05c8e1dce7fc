// Package langchain adapts a langchaingo llms.Model to llm.Model, so any
// OpenAI-compatible endpoint langchaingo supports can drive the chat loop.
package langchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/kalambet/lectern/internal/llm"
)

var _ llm.Model = (*Model)(nil)

// Model wraps an llms.Model.
type Model struct {
	client llms.Model
	logger *slog.Logger
}

// New wraps an existing langchaingo model.
func New(client llms.Model) *Model {
	return &Model{
		client: client,
		logger: slog.Default().With("component", "langchain-model"),
	}
}

// NewOpenAI builds a model for an OpenAI-compatible endpoint. An empty token
// is replaced with "none" for local services that don't require one.
func NewOpenAI(baseURL, token, model string) (*Model, error) {
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return New(client), nil
}

// Stream implements llm.Model.
func (m *Model) Stream(ctx context.Context, req llm.Request, onDelta func(string)) (llm.Response, error) {
	var opts []llms.CallOption
	if len(req.Tools) > 0 {
		opts = append(opts, llms.WithTools(toTools(req.Tools)))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if onDelta != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) > 0 {
				onDelta(string(chunk))
			}
			return nil
		}))
	}

	resp, err := m.client.GenerateContent(ctx, toMessages(req.Messages), opts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return llm.Response{}, ctxErr
		}
		return llm.Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		m.logger.Debug("no choices returned from model")
		return llm.Response{}, nil
	}

	choice := resp.Choices[0]
	out := llm.Response{Content: choice.Content, FinishReason: choice.StopReason}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}
	return out, nil
}

func toMessages(msgs []llm.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, msg.Content))
		case llm.RoleUser:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, msg.Content))
		case llm.RoleAssistant:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if msg.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextPart(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, mc)
		case llm.RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: msg.ToolCallID,
					Name:       msg.Name,
					Content:    msg.Content,
				}},
			})
		}
	}
	return out
}

func toTools(tools []llm.Tool) []llms.Tool {
	out := make([]llms.Tool, len(tools))
	for i, t := range tools {
		out[i] = llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}

// classify maps langchaingo's rate-limit failures onto llm.ErrOverloaded.
func classify(err error) error {
	var se *llm.StatusError
	if errors.As(err, &se) {
		return err
	}
	if isRateLimited(err) {
		return fmt.Errorf("%w: %w", llm.ErrOverloaded, err)
	}
	return err
}
