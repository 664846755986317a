package task

import (
	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/tool"
)

// NewTool exposes the tracker to the model as an update_task tool, so long
// running intents can be recorded and progressed from within a turn instead
// of only through the HTTP task endpoint.
func NewTool(tracker *Tracker) tool.Tool {
	return tool.NewFunctionTool(
		"update_task",
		"Record or update the conversation's long-running task. Use when starting a multi-step job, making progress on it, or finishing it.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type":     map[string]any{"type": "string", "description": "Task type, e.g. create_table"},
				"status":   map[string]any{"type": "string", "enum": []any{"pending", "in_progress", "completed", "cancelled", "failed"}, "description": "Lifecycle state"},
				"data":     map[string]any{"type": "object", "description": "Working data carried across turns"},
				"result":   map[string]any{"type": "object", "description": "Outcome payload, set on completion"},
				"error":    map[string]any{"type": "string", "description": "Failure detail, set with status failed"},
				"priority": map[string]any{"type": "integer", "description": "Relative priority"},
			},
			"required": []any{"type"},
		},
		func(toolCtx *tool.Context, args map[string]any) (any, error) {
			upd := Update{}
			upd.Type, _ = args["type"].(string)
			if s, ok := args["status"].(string); ok {
				upd.Status = core.TaskStatus(s)
			}
			if data, ok := args["data"].(map[string]any); ok {
				upd.Data = data
			}
			if result, ok := args["result"]; ok {
				upd.Result = result
			}
			upd.Error, _ = args["error"].(string)
			if p, ok := args["priority"].(float64); ok {
				priority := int(p)
				upd.Priority = &priority
			}
			t, err := tracker.Apply(toolCtx.Context(), toolCtx.ConversationID(), upd)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": t}, nil
		},
	)
}
