package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/tool"
)

func TestNewTool_AppliesUpdate(t *testing.T) {
	tr, convID := newTracker(t)
	ctx := context.Background()

	updateTask := NewTool(tr)
	assert.Equal(t, "update_task", updateTask.Name())

	toolCtx := tool.NewContext(ctx, convID, "user-1", "call-1", nil)
	out, err := updateTask.Call(toolCtx, map[string]any{
		"type":     "export",
		"status":   "in_progress",
		"data":     map[string]any{"format": "csv"},
		"priority": float64(3),
	})
	require.NoError(t, err)
	require.NotNil(t, out)

	got, err := tr.Get(ctx, convID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "export", got.Type)
	assert.Equal(t, core.TaskInProgress, got.Status)
	assert.Equal(t, "csv", got.Data["format"])
	assert.Equal(t, 3, got.Priority)

	// Missing type is rejected by the schema before the tracker runs.
	_, err = updateTask.Call(toolCtx, map[string]any{"status": "pending"})
	var terr *tool.ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "VALIDATION_ERROR", terr.Code)
}
