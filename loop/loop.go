// Package loop implements the bounded agentic loop: one model call per
// iteration, synchronous tool execution in request order, transcript
// accumulation and event emission. Tool failures are contained per call and
// fed back to the model; only model invoker failures (other than
// cancellation) abort the loop.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/logging"
	"github.com/hupe1980/convoloop/model"
	"github.com/hupe1980/convoloop/tool"
)

// Turn is the mutable per-turn state threaded explicitly through the loop:
// identity, the model-ready transcript (appended to as tool iterations
// complete), and the event sink. It replaces implicit closure captures; each
// turn owns exactly one Turn value.
type Turn struct {
	ConversationID string
	UserID         string
	Instructions   string
	Messages       []core.Message
	Stream         bool
	Sink           core.EventSink
}

// sink returns the turn's event sink, or a no-op sink when none is set.
func (t *Turn) sink() core.EventSink {
	if t.Sink == nil {
		return core.NopSink{}
	}
	return t.Sink
}

// Result is the accumulated outcome of a loop run. On clean abort
// (cancellation) the partial result accompanies core.ErrAborted so callers
// can run the partial-save path.
type Result struct {
	Text        string
	ToolCalls   []core.ToolCallRecord
	ToolResults []core.ToolResultRecord
	Usage       model.TokenUsage
	Iterations  int
	// Fallback marks a result synthesized after the iteration ceiling was
	// reached without a final answer.
	Fallback bool
}

// Options configures a Loop.
type Options struct {
	// MaxIterations caps model calls per turn.
	MaxIterations int
	Logger        logging.Logger
}

// Loop drives the model invoker against a bound tool set.
type Loop struct {
	invoker       model.Model
	tools         *tool.Registry
	maxIterations int
	logger        logging.Logger
}

// New creates a Loop.
func New(invoker model.Model, tools *tool.Registry, optFns ...func(o *Options)) *Loop {
	opts := Options{MaxIterations: 10}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Loop{
		invoker:       invoker,
		tools:         tools,
		maxIterations: opts.MaxIterations,
		logger:        logging.OrNoOp(opts.Logger),
	}
}

// Run executes the loop until the model produces a final answer, the
// iteration ceiling is reached, the context is cancelled, or the invoker
// fails. The returned Result is never nil; on error it carries whatever
// partial output exists.
func (l *Loop) Run(ctx context.Context, turn *Turn) (*Result, error) {
	result := &Result{}
	lastToolError := ""

	for result.Iterations < l.maxIterations {
		if err := ctx.Err(); err != nil {
			return result, core.ErrAborted
		}
		result.Iterations++

		resp, err := l.invoke(ctx, turn, result)
		if err != nil {
			if core.IsAbort(err) || ctx.Err() != nil {
				return result, core.ErrAborted
			}
			return result, &core.ProviderError{Provider: l.invoker.Info().Provider, Err: err}
		}

		if resp.Usage != nil {
			result.Usage.InputTokens += resp.Usage.InputTokens
			result.Usage.OutputTokens += resp.Usage.OutputTokens
			turn.sink().Emit(core.TokensEvent(resp.Usage.InputTokens, resp.Usage.OutputTokens))
		}

		if resp.Text != "" {
			if result.Text != "" {
				result.Text += "\n\n"
			}
			result.Text += resp.Text
		}

		if len(resp.ToolCalls) == 0 {
			return result, nil
		}

		assistant := core.NewMessage(turn.ConversationID, core.RoleAssistant, resp.Text)
		toolMsg := core.NewMessage(turn.ConversationID, core.RoleTool, "")
		for _, tc := range resp.ToolCalls {
			call := core.ToolCallRecord{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
			if call.ID == "" {
				call.ID = core.NewID()
			}
			assistant.ToolCalls = append(assistant.ToolCalls, call)
			result.ToolCalls = append(result.ToolCalls, call)
			turn.sink().Emit(core.ToolCallEvent(call.ID, call.Name, call.Arguments))

			// Tools run strictly one at a time, in order: later tool inputs
			// may depend on the state left by earlier ones.
			res := l.executeTool(ctx, turn, call)
			if errMap, ok := res.Result.(map[string]any); ok {
				if msg, ok := errMap["error"].(string); ok {
					lastToolError = msg
				}
			}
			toolMsg.ToolResults = append(toolMsg.ToolResults, res)
			result.ToolResults = append(result.ToolResults, res)
			turn.sink().Emit(core.ToolResultEvent(res.ToolCallID, res.Name, res.Result))
		}
		turn.Messages = append(turn.Messages, *assistant, *toolMsg)
	}

	// Ceiling reached without a final answer: surface the most recent
	// tool-reported error as a fallback response instead of failing the turn.
	result.Fallback = true
	if lastToolError != "" {
		result.Text = fmt.Sprintf("I was unable to complete the request. Last error: %s", lastToolError)
	} else {
		result.Text = "I was unable to complete the request within the allowed number of steps."
	}
	l.logger.Warn("loop iteration ceiling reached",
		"conversation_id", turn.ConversationID, "iterations", result.Iterations)
	return result, nil
}

// invoke performs one model call, forwarding streamed deltas to the sink and
// returning the final response.
func (l *Loop) invoke(ctx context.Context, turn *Turn, result *Result) (*model.Response, error) {
	req := model.Request{
		Instructions: turn.Instructions,
		Messages:     turn.Messages,
		Stream:       turn.Stream,
	}
	for _, t := range l.tools.All() {
		req.Tools = append(req.Tools, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}

	respCh, errCh := l.invoker.Generate(ctx, req)

	// partial deltas accumulate separately so an aborted call still leaves
	// its streamed output in the result for the partial-save path
	partial := ""
	var final *model.Response
	for {
		select {
		case resp, ok := <-respCh:
			if !ok {
				if final == nil {
					result.Text += partial
					// channel closed without a final response; the error
					// channel decides the outcome
					select {
					case err, ok := <-errCh:
						if ok && err != nil {
							return nil, err
						}
					default:
					}
					return nil, errors.New("model produced no response")
				}
				return final, nil
			}
			if resp.Partial {
				if resp.Text != "" {
					partial += resp.Text
					turn.sink().Emit(core.TextEvent(resp.Text))
				}
				continue
			}
			f := resp
			final = &f
		case err, ok := <-errCh:
			if ok && err != nil {
				result.Text += partial
				return nil, err
			}
			// error channel closed with no error; keep draining responses
			errCh = nil
		case <-ctx.Done():
			result.Text += partial
			return nil, core.ErrAborted
		}
	}
}

// executeTool runs one tool call. Failures never abort the loop: they become
// a structured {error: message} result the model can observe and adapt to.
func (l *Loop) executeTool(ctx context.Context, turn *Turn, call core.ToolCallRecord) core.ToolResultRecord {
	record := core.ToolResultRecord{ToolCallID: call.ID, Name: call.Name}

	t, ok := l.tools.Get(call.Name)
	if !ok {
		record.Result = map[string]any{"error": fmt.Sprintf("unknown tool: %s", call.Name)}
		return record
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		record.Result = map[string]any{"error": fmt.Sprintf("invalid arguments: %v", err)}
		return record
	}

	toolCtx := tool.NewContext(ctx, turn.ConversationID, turn.UserID, call.ID, l.logger)
	start := time.Now()
	out, err := t.Call(toolCtx, args)
	l.logger.Info("tool executed",
		"tool", call.Name, "conversation_id", turn.ConversationID,
		"duration_ms", time.Since(start).Milliseconds(), "error", err != nil)

	if err != nil {
		record.Result = map[string]any{"error": err.Error()}
		return record
	}
	record.Result = out
	return record
}

func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}
