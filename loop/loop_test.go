package loop

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/model"
	"github.com/hupe1980/convoloop/tool"
)

// recordingSink collects emitted events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []core.StreamEvent
}

func (r *recordingSink) Emit(ev core.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) types() []core.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func echoTool() tool.Tool {
	return tool.NewFunctionTool("echo", "Echo the input back",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"value": map[string]any{"type": "string"},
			},
			"required": []string{"value"},
		},
		func(_ *tool.Context, args map[string]any) (any, error) {
			return map[string]any{"echoed": args["value"]}, nil
		})
}

func failingTool() tool.Tool {
	return tool.NewFunctionTool("explode", "Always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ *tool.Context, _ map[string]any) (any, error) {
			return nil, errors.New("boom")
		})
}

func userTurn(text string) *Turn {
	return &Turn{
		ConversationID: "conv-1",
		Messages:       []core.Message{*core.NewMessage("conv-1", core.RoleUser, text)},
	}
}

func TestRun_TextOnly(t *testing.T) {
	m := model.NewMockModel()
	m.Enqueue(model.MockTurn{Text: "hello there", Usage: &model.TokenUsage{InputTokens: 10, OutputTokens: 5}})

	l := New(m, tool.NewRegistry())
	res, err := l.Run(context.Background(), userTurn("hi"))
	require.NoError(t, err)

	assert.Equal(t, "hello there", res.Text)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Fallback)
	assert.Empty(t, res.ToolCalls)
	assert.Equal(t, 10, res.Usage.InputTokens)
	assert.Equal(t, 5, res.Usage.OutputTokens)
}

func TestRun_ToolCallThenFinal(t *testing.T) {
	m := model.NewMockModel()
	m.Enqueue(
		model.MockTurn{ToolCalls: []model.ToolCall{
			{ID: "call-1", Name: "echo", Arguments: `{"value":"ping"}`},
		}},
		model.MockTurn{Text: "the echo returned ping"},
	)

	sink := &recordingSink{}
	turn := userTurn("echo ping")
	turn.Sink = sink

	l := New(m, tool.NewRegistry(echoTool()))
	res, err := l.Run(context.Background(), turn)
	require.NoError(t, err)

	assert.Equal(t, "the echo returned ping", res.Text)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "echo", res.ToolCalls[0].Name)
	require.Len(t, res.ToolResults, 1)
	out, ok := res.ToolResults[0].Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ping", out["echoed"])

	assert.Equal(t, []core.EventType{core.EventToolCall, core.EventToolResult}, sink.types())

	// The second model call sees the assistant tool-call message and the tool
	// result message appended to the transcript.
	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 3)
	assert.Equal(t, core.RoleAssistant, reqs[1].Messages[1].Role)
	assert.Equal(t, core.RoleTool, reqs[1].Messages[2].Role)
}

// Tool failures become structured {error} results the model observes; they
// never terminate the loop.
func TestRun_ToolErrorContained(t *testing.T) {
	m := model.NewMockModel()
	m.Enqueue(
		model.MockTurn{ToolCalls: []model.ToolCall{
			{ID: "call-1", Name: "explode", Arguments: `{}`},
		}},
		model.MockTurn{Text: "that tool failed, moving on"},
	)

	l := New(m, tool.NewRegistry(failingTool()))
	res, err := l.Run(context.Background(), userTurn("try it"))
	require.NoError(t, err)

	assert.Equal(t, "that tool failed, moving on", res.Text)
	require.Len(t, res.ToolResults, 1)
	errMap, ok := res.ToolResults[0].Result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, errMap["error"], "boom")
}

func TestRun_UnknownToolAndBadArguments(t *testing.T) {
	m := model.NewMockModel()
	m.Enqueue(
		model.MockTurn{ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "no_such_tool", Arguments: `{}`},
			{ID: "c2", Name: "echo", Arguments: `{not json`},
			{ID: "c3", Name: "echo", Arguments: `{"wrong":"field"}`},
		}},
		model.MockTurn{Text: "done"},
	)

	l := New(m, tool.NewRegistry(echoTool()))
	res, err := l.Run(context.Background(), userTurn("go"))
	require.NoError(t, err)

	require.Len(t, res.ToolResults, 3)
	for i, want := range []string{"unknown tool", "invalid arguments", "VALIDATION_ERROR"} {
		errMap, ok := res.ToolResults[i].Result.(map[string]any)
		require.True(t, ok, "result %d should be an error map", i)
		assert.Contains(t, errMap["error"], want)
	}
}

func TestRun_CeilingFallback(t *testing.T) {
	m := model.NewMockModel()
	// Every turn requests another failing tool call; the loop never reaches a
	// final answer on its own.
	for i := 0; i < 3; i++ {
		m.Enqueue(model.MockTurn{ToolCalls: []model.ToolCall{
			{ID: "c", Name: "explode", Arguments: `{}`},
		}})
	}

	l := New(m, tool.NewRegistry(failingTool()), func(o *Options) { o.MaxIterations = 3 })
	res, err := l.Run(context.Background(), userTurn("loop forever"))
	require.NoError(t, err, "ceiling exhaustion is a fallback, not a failure")

	assert.True(t, res.Fallback)
	assert.Equal(t, 3, res.Iterations)
	assert.Contains(t, res.Text, "boom", "fallback surfaces the last tool error")
	assert.Equal(t, 3, m.Calls())
}

func TestRun_AbortBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := New(model.NewMockModel(), tool.NewRegistry())
	res, err := l.Run(ctx, userTurn("hi"))

	require.ErrorIs(t, err, core.ErrAborted)
	require.NotNil(t, res)
	assert.Zero(t, res.Iterations)
}

func TestRun_ProviderError(t *testing.T) {
	m := model.NewMockModel()
	m.Enqueue(model.MockTurn{Err: errors.New("rate limited")})

	l := New(m, tool.NewRegistry())
	_, err := l.Run(context.Background(), userTurn("hi"))

	var perr *core.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "mock", perr.Provider)
	assert.Contains(t, perr.Error(), "rate limited")
}

func TestRun_StreamingEmitsDeltas(t *testing.T) {
	m := model.NewMockModel()
	m.Enqueue(model.MockTurn{Text: "streamed answer"})

	sink := &recordingSink{}
	turn := userTurn("hi")
	turn.Stream = true
	turn.Sink = sink

	l := New(m, tool.NewRegistry())
	res, err := l.Run(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, "streamed answer", res.Text)

	var rebuilt string
	for _, ev := range sink.events {
		if ev.Type == core.EventText {
			rebuilt += ev.Data.(core.TextData).Delta
		}
	}
	assert.Equal(t, "streamed answer", rebuilt)
}
