package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/internal/util"
	"github.com/hupe1980/convoloop/loop"
	"github.com/hupe1980/convoloop/model"
)

// TurnRequest is one user turn. ConversationID is optional: when empty a new
// conversation is created from ConfigID with a title derived from the message.
type TurnRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	ConfigID       string `json:"configId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	Message        string `json:"message"`
}

// TurnResult is the recorded outcome of a turn. It is populated even when the
// turn ends abnormally: Assistant then carries whatever partial output was
// persisted.
type TurnResult struct {
	Conversation *core.Conversation
	UserMessage  *core.Message
	Assistant    *core.Message
	Usage        model.TokenUsage
	Fallback     bool
}

// Turn runs one non-streaming turn: the full loop executes, then the recorded
// outcome is returned in one piece.
func (e *Engine) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return e.run(ctx, req, core.NopSink{}, false)
}

// StreamTurn runs one streaming turn, forwarding events to sink as they are
// produced. The turn is registered with the stream coordinator so it can be
// cancelled from any process in the cluster; the terminal event (done or
// error) is emitted only after the assistant message has been stored.
func (e *Engine) StreamTurn(ctx context.Context, req TurnRequest, sink core.EventSink) (*TurnResult, error) {
	return e.run(ctx, req, sink, true)
}

func (e *Engine) run(ctx context.Context, req TurnRequest, sink core.EventSink, streaming bool) (*TurnResult, error) {
	// Failures before the loop starts still owe streaming clients a terminal
	// error event; there is no turnState yet, so the sink is written directly.
	fail := func(err error) (*TurnResult, error) {
		if streaming {
			sink.Emit(core.ErrorEvent(err.Error(), nil))
		}
		return nil, err
	}

	if strings.TrimSpace(req.Message) == "" {
		return fail(core.NewValidationError("message", "must not be empty"))
	}

	conv, err := e.resolveConversation(ctx, req)
	if err != nil {
		return fail(err)
	}

	cfg, err := e.configs.Get(ctx, conv.ConfigID)
	if err != nil {
		return fail(err)
	}
	if cfg == nil {
		return fail(core.NewNotFoundError("config", conv.ConfigID))
	}
	if !cfg.Enabled {
		return fail(core.NewValidationError("config", "disabled"))
	}

	invoker, err := e.resolver.Resolve(*cfg)
	if err != nil {
		return fail(err)
	}

	userMsg, err := e.store.AppendMessage(ctx, core.NewMessage(conv.ID, core.RoleUser, req.Message))
	if err != nil {
		return fail(err)
	}

	window, conv, err := e.loadWindow(ctx, conv, cfg, userMsg)
	if err != nil {
		return fail(err)
	}

	st := &turnState{
		engine:  e,
		conv:    conv,
		userMsg: userMsg,
		client:  sink,
		done:    make(chan struct{}),
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.InvokeTimeout > 0 {
		var cancelTimeout context.CancelFunc
		turnCtx, cancelTimeout = context.WithTimeout(turnCtx, cfg.InvokeTimeout)
		defer cancelTimeout()
	}

	if streaming {
		// Register before the loop starts so a cancel arriving during the
		// first model call still lands. The onClose hook runs the shared
		// finalize path with whatever the sink has accumulated so far.
		e.coordinator.Register(conv.ID, cancel, func() {
			st.finalize(nil, core.ErrAborted)
		})

		if e.idleTimeout > 0 {
			st.idle = time.AfterFunc(e.idleTimeout, func() {
				st.timedOut.Store(true)
				cancel()
			})
			defer st.idle.Stop()
		}
	}

	turn := &loop.Turn{
		ConversationID: conv.ID,
		UserID:         req.UserID,
		Instructions:   e.instructions(conv),
		Messages:       copyWindow(window),
		Stream:         streaming,
		Sink:           st,
	}

	lp := loop.New(invoker, e.tools, func(o *loop.Options) {
		o.MaxIterations = e.maxIterations
		o.Logger = e.logger
	})

	result, runErr := lp.Run(turnCtx, turn)
	switch {
	case st.timedOut.Load():
		runErr = core.ErrIdleTimeout
	case runErr != nil && core.IsAbort(runErr) && errors.Is(turnCtx.Err(), context.DeadlineExceeded):
		// The invoke deadline fired, not a client cancel: a timeout is a
		// failure, with the same partial-save guarantees as a provider error.
		runErr = core.ErrInvokeTimeout
	}

	st.finalize(result, runErr)
	return st.result(), runErr
}

// resolveConversation loads the addressed conversation or creates one with a
// title truncated from the first message.
func (e *Engine) resolveConversation(ctx context.Context, req TurnRequest) (*core.Conversation, error) {
	if req.ConversationID != "" {
		return e.store.GetConversation(ctx, req.ConversationID)
	}
	if req.ConfigID == "" {
		return nil, core.NewValidationError("configId", "required when creating a conversation")
	}
	title := util.TruncateWords(req.Message, e.titleLength)
	return e.store.CreateConversation(ctx, req.UserID, req.ConfigID, title)
}

// loadWindow fetches the bounded recent window, guards against read-after-write
// lag on the just-appended user message, and triggers inline compaction when
// the window has reached the configured cap.
func (e *Engine) loadWindow(ctx context.Context, conv *core.Conversation, cfg *core.AgentConfig, userMsg *core.Message) ([]*core.Message, *core.Conversation, error) {
	window, err := e.store.RecentWindow(ctx, conv, cfg.MaxConversationMessages)
	if err != nil {
		return nil, nil, err
	}
	window = ensureIncluded(window, userMsg)

	if e.compactor != nil && cfg.MaxConversationMessages > 0 && len(window) >= cfg.MaxConversationMessages {
		history := window[:len(window)-1] // everything before the triggering user message
		updated, err := e.compactor.Compact(ctx, conv, history, userMsg)
		if err != nil {
			// Compaction failure must not block the turn; proceed with the
			// uncompacted window.
			e.logger.Warn("inline compaction failed",
				"conversation_id", conv.ID, "error", err)
			return window, conv, nil
		}
		conv = updated
		window, err = e.store.RecentWindow(ctx, conv, cfg.MaxConversationMessages)
		if err != nil {
			return nil, nil, err
		}
		window = ensureIncluded(window, userMsg)
	}
	return window, conv, nil
}

// instructions assembles the system prompt, folding in the rolling summary
// when one exists so the model sees context evicted from the live window.
func (e *Engine) instructions(conv *core.Conversation) string {
	if conv.Summary == "" {
		return e.systemPrompt
	}
	return e.systemPrompt + "\n\nSummary of the conversation so far:\n" + conv.Summary
}

// ensureIncluded appends msg to the window when a lagging read missed it.
func ensureIncluded(window []*core.Message, msg *core.Message) []*core.Message {
	for _, m := range window {
		if m.ID == msg.ID {
			return window
		}
	}
	return append(window, msg)
}

func copyWindow(window []*core.Message) []core.Message {
	out := make([]core.Message, 0, len(window))
	for _, m := range window {
		out = append(out, *m)
	}
	return out
}

// turnState carries mutable per-turn state shared between the loop goroutine
// and a cancel arriving through the coordinator. It doubles as the event sink:
// everything emitted is accumulated, so the finalize path can persist partial
// output even when the loop has not returned yet.
type turnState struct {
	engine  *Engine
	conv    *core.Conversation
	userMsg *core.Message
	client  core.EventSink
	idle    *time.Timer

	timedOut atomic.Bool
	once     sync.Once
	done     chan struct{}

	mu          sync.Mutex
	text        strings.Builder
	toolCalls   []core.ToolCallRecord
	toolResults []core.ToolResultRecord
	usage       model.TokenUsage
	final       *TurnResult
}

var _ core.EventSink = (*turnState)(nil)

// Emit implements core.EventSink. Terminal events are produced exclusively by
// finalize, so everything arriving here is intermediate and forwarded as-is.
func (st *turnState) Emit(ev core.StreamEvent) {
	if st.idle != nil {
		st.idle.Reset(st.engine.idleTimeout)
	}

	st.mu.Lock()
	switch data := ev.Data.(type) {
	case core.TextData:
		st.text.WriteString(data.Delta)
	case core.ToolCallData:
		st.toolCalls = append(st.toolCalls, core.ToolCallRecord{ID: data.ID, Name: data.Name, Arguments: data.Arguments})
	case core.ToolResultData:
		st.toolResults = append(st.toolResults, core.ToolResultRecord{ToolCallID: data.ToolCallID, Name: data.Name, Result: data.Result})
	case core.TokensData:
		st.usage.InputTokens += data.InputTokens
		st.usage.OutputTokens += data.OutputTokens
	}
	st.mu.Unlock()

	st.client.Emit(ev)
}

// finalize converges every terminal path. Exactly one caller wins the race
// between natural completion and a coordinator-driven close; the winner
// persists the assistant message, updates the conversation counters,
// unregisters the session, and only then emits the single terminal event.
func (st *turnState) finalize(res *loop.Result, cause error) {
	st.once.Do(func() {
		// Persistence must survive the turn context being cancelled.
		ctx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelPersist()

		e := st.engine
		conv := st.conv

		assistant := st.buildAssistant(res, cause)
		if assistant.HasContent() || assistant.Interrupted {
			stored, err := e.store.AppendMessage(ctx, assistant)
			if err != nil {
				e.logger.Error("persisting assistant message failed",
					"conversation_id", conv.ID, "error", err)
			} else {
				assistant = stored
			}
		}

		count := st.userMsg.Sequence
		if assistant.Sequence > count {
			count = assistant.Sequence
		}
		updated, err := e.store.TouchActivity(ctx, conv.ID, count, time.Now().UTC())
		if err != nil {
			e.logger.Error("updating conversation counters failed",
				"conversation_id", conv.ID, "error", err)
		} else {
			conv = updated
		}

		e.coordinator.Unregister(conv.ID)

		st.mu.Lock()
		st.final = &TurnResult{
			Conversation: conv,
			UserMessage:  st.userMsg,
			Assistant:    assistant,
			Usage:        st.usage,
			Fallback:     res != nil && res.Fallback,
		}
		if res != nil {
			st.final.Usage = res.Usage
		}
		st.mu.Unlock()

		switch {
		case cause == nil:
			st.client.Emit(core.DoneEvent(conv))
		case core.IsAbort(cause):
			// A cancelled turn ends cleanly: the partial transcript is stored
			// and the (likely already disconnected) client gets a done event.
			st.client.Emit(core.DoneEvent(conv))
		default:
			st.client.Emit(core.ErrorEvent(cause.Error(), nil))
		}

		close(st.done)
	})
}

// buildAssistant assembles the assistant message from the loop result, or from
// the accumulated sink state when the loop has not returned yet.
func (st *turnState) buildAssistant(res *loop.Result, cause error) *core.Message {
	st.mu.Lock()
	defer st.mu.Unlock()

	msg := core.NewMessage(st.conv.ID, core.RoleAssistant, "")
	if res != nil {
		msg.Content = res.Text
		msg.ToolCalls = res.ToolCalls
		msg.ToolResults = res.ToolResults
	} else {
		msg.Content = st.text.String()
		msg.ToolCalls = st.toolCalls
		msg.ToolResults = st.toolResults
	}
	if cause != nil {
		msg.Interrupted = true
	}
	return msg
}

// Wait blocks until finalize has run. The coordinator's onClose hook may
// finalize a turn from another goroutine; callers that need the recorded
// outcome wait here instead of polling the store.
func (st *turnState) Wait() { <-st.done }

func (st *turnState) result() *TurnResult {
	st.Wait()
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.final
}
