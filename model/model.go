// Package model defines the Model Invoker capability: a normalized
// transcript-in, text/tool-call-out interface over concrete LLM providers,
// optionally streamed. Provider adapters live in subpackages; MockModel is a
// scriptable in-memory implementation for tests.
package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/convoloop/core"
)

// ToolCall is a tool invocation requested by the model. Arguments are the
// serialized JSON payload exactly as produced by the provider.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition declaratively exposes a callable function to the model.
// Parameters is a minimal JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input assembled by the loop.
type Request struct {
	Instructions string           `json:"instructions"`
	Messages     []core.Message   `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage reports token counts when the provider makes them available.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is one (partial or final) chunk emitted by a model. Partial
// responses carry a text delta in Text; the final response carries the full
// accumulated text plus any tool calls and usage.
type Response struct {
	Partial      bool        `json:"partial"`
	Text         string      `json:"text"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface the loop and compactor need to drive
// generation. Generate returns a response channel and an error channel; both
// are closed when the call is complete. At most one error is sent.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockTurn scripts one Generate call of a MockModel.
type MockTurn struct {
	Text      string
	ToolCalls []ToolCall
	Usage     *TokenUsage
	Err       error
}

// MockModel is a scriptable in-memory Model for tests. Calls consume scripted
// turns in order; once the script is exhausted, a canned echo response is
// produced. Received requests are recorded for assertions.
type MockModel struct {
	mu       sync.Mutex
	turns    []MockTurn
	requests []Request
	info     Info
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel() *MockModel {
	return &MockModel{info: Info{Name: "mock", Provider: "mock", SupportsTools: true}}
}

// Enqueue appends scripted turns consumed by subsequent Generate calls.
func (m *MockModel) Enqueue(turns ...MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
}

// Requests returns a copy of every request seen so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the number of Generate invocations so far.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Generate implements Model. Scripted text is streamed in small chunks when
// req.Stream is set, followed by the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var turn MockTurn
	if len(m.turns) > 0 {
		turn = m.turns[0]
		m.turns = m.turns[1:]
	} else {
		var last string
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == core.RoleUser {
				last = req.Messages[i].Content
				break
			}
		}
		turn = MockTurn{Text: fmt.Sprintf("Mock response to: %s", last)}
	}
	m.mu.Unlock()

	out := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if turn.Err != nil {
			errCh <- turn.Err
			return
		}
		if req.Stream {
			const chunk = 4
			for i := 0; i < len(turn.Text); i += chunk {
				end := i + chunk
				if end > len(turn.Text) {
					end = len(turn.Text)
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- Response{Partial: true, Text: turn.Text[i:end]}:
				}
			}
		}
		out <- Response{
			Text:         turn.Text,
			ToolCalls:    turn.ToolCalls,
			FinishReason: finishReason(turn),
			Usage:        turn.Usage,
		}
	}()

	return out, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

func finishReason(turn MockTurn) string {
	if len(turn.ToolCalls) > 0 {
		return "tool_calls"
	}
	return "stop"
}
