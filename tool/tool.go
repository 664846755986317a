// Package tool implements the function/tool calling subsystem: schema
// validated arguments, consistent error handling, and the repository-backed
// record tools the agent uses to manipulate data.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/convoloop/internal/util"
	"github.com/hupe1980/convoloop/logging"
)

// Tool is a callable capability exposed to the model.
//
// Implementations should provide clear names and descriptions (the model
// reads them), define a minimal JSON schema for parameters, handle errors
// gracefully, and be safe for concurrent use.
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case).
	Name() string

	// Description is shown to the model to explain when to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the tool. Arguments have been parsed from JSON and
	// validated against the schema.
	Call(toolCtx *Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution. Tool errors
// never escape the loop; they are fed back to the model as the tool's result.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}

// Context carries per-call state into a tool execution: the cancellation
// context of the turn, the conversation/user identity, and the id of the
// originating tool call.
type Context struct {
	ctx            context.Context
	conversationID string
	userID         string
	callID         string
	logger         logging.Logger
}

// NewContext builds a tool execution context.
func NewContext(ctx context.Context, conversationID, userID, callID string, logger logging.Logger) *Context {
	return &Context{
		ctx:            ctx,
		conversationID: conversationID,
		userID:         userID,
		callID:         callID,
		logger:         logging.OrNoOp(logger),
	}
}

// Context returns the turn's cancellation context.
func (c *Context) Context() context.Context { return c.ctx }

// ConversationID returns the owning conversation.
func (c *Context) ConversationID() string { return c.conversationID }

// UserID returns the acting user, or "" for anonymous conversations.
func (c *Context) UserID() string { return c.userID }

// CallID returns the id of the tool call being executed.
func (c *Context) CallID() string { return c.callID }

// Logger returns the turn logger.
func (c *Context) Logger() logging.Logger { return c.logger }

// Registry is the bound tool set handed to the loop. Registration order is
// preserved so tool definitions reach the model deterministically.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry builds a Registry from the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers a tool, replacing any previous tool of the same name.
func (r *Registry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns the tools in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}
