package tool

import (
	"fmt"

	"github.com/hupe1980/convoloop/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a
// tool. It validates supplied arguments against the declared schema before
// execution and normalizes failures to *ToolError with consistent codes:
//
//	VALIDATION_ERROR -> schema / argument mismatch
//	EXECUTION_ERROR  -> underlying function returned an error (non-ToolError)
//
// Custom codes are preserved when the function returns *ToolError directly.
// A FunctionTool has no internal mutable state after construction and is safe
// for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(toolCtx *Context, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(toolCtx *Context, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// Name returns the unique tool name used in tool call routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call validates args against the declared schema then invokes the function.
func (t *FunctionTool) Call(toolCtx *Context, args map[string]any) (any, error) {
	if err := util.ValidateParameters(args, t.parameters); err != nil {
		return nil, NewToolError(t.name, err.Error(), "VALIDATION_ERROR")
	}
	result, err := t.fn(toolCtx, args)
	if err != nil {
		if te, ok := err.(*ToolError); ok {
			return nil, te
		}
		return nil, NewToolError(t.name, fmt.Sprintf("execution failed: %v", err), "EXECUTION_ERROR")
	}
	return result, nil
}
