// Package task tracks one active long-running intent per conversation as a
// small state machine merged into the conversation record.
package task

import (
	"context"
	"time"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/logging"
	"github.com/hupe1980/convoloop/store"
)

// Update describes an inbound task state change. Zero-valued optional fields
// leave the stored value untouched.
type Update struct {
	Type     string          `json:"type"`
	Status   core.TaskStatus `json:"status,omitempty"`
	Data     map[string]any  `json:"data,omitempty"`
	Result   any             `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Priority *int            `json:"priority,omitempty"`
}

// Options configures a Tracker.
type Options struct {
	Logger logging.Logger
}

// Tracker applies task updates to conversations. Tasks are never run
// two-at-a-time on one conversation: an inbound update whose type differs
// from the active task cancels the active task first.
type Tracker struct {
	store  *store.Store
	logger logging.Logger
}

// New creates a Tracker over the conversation store.
func New(s *store.Store, optFns ...func(o *Options)) *Tracker {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Tracker{store: s, logger: logging.OrNoOp(opts.Logger)}
}

// Get returns the conversation's task, or nil when none was ever recorded.
func (t *Tracker) Get(ctx context.Context, conversationID string) (*core.Task, error) {
	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Task, nil
}

// statusRank orders lifecycle states so merges only move forward: an active
// task never falls back from in_progress to pending.
func statusRank(s core.TaskStatus) int {
	switch {
	case s.Terminal():
		return 2
	case s == core.TaskInProgress:
		return 1
	default:
		return 0
	}
}

// Apply records the update on the conversation and returns the resulting
// task. Updates targeting the active task of the same type merge into it
// (content fields overwritten, priority and creation time preserved unless
// explicitly overridden); a differing type transitions the active task to
// cancelled before the new intent is tracked. Status only moves forward on a
// merge: a request to drop back to an earlier lifecycle state is ignored.
func (t *Tracker) Apply(ctx context.Context, conversationID string, upd Update) (*core.Task, error) {
	if upd.Type == "" {
		return nil, core.NewValidationError("type", "task type is required")
	}
	if upd.Status == "" {
		upd.Status = core.TaskPending
	}

	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	active := conv.ActiveTask()

	if active != nil && active.Type != upd.Type {
		active.Status = core.TaskCancelled
		active.UpdatedAt = now
		if _, err := t.store.SaveTask(ctx, conversationID, active); err != nil {
			return nil, err
		}
		t.logger.Info("task superseded",
			"conversation_id", conversationID, "cancelled_type", active.Type, "new_type", upd.Type)
		active = nil
	}

	var next *core.Task
	if active != nil {
		next = active
		if statusRank(upd.Status) >= statusRank(next.Status) {
			next.Status = upd.Status
		} else {
			t.logger.Debug("ignoring backward task status transition",
				"conversation_id", conversationID, "type", next.Type,
				"current", next.Status, "requested", upd.Status)
		}
		if upd.Data != nil {
			next.Data = upd.Data
		}
		if upd.Result != nil {
			next.Result = upd.Result
		}
		if upd.Error != "" {
			next.Error = upd.Error
		}
		if upd.Priority != nil {
			next.Priority = *upd.Priority
		}
		next.UpdatedAt = now
	} else {
		next = &core.Task{
			Type:      upd.Type,
			Status:    upd.Status,
			Data:      upd.Data,
			Result:    upd.Result,
			Error:     upd.Error,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if upd.Priority != nil {
			next.Priority = *upd.Priority
		}
	}

	if _, err := t.store.SaveTask(ctx, conversationID, next); err != nil {
		return nil, err
	}
	return next, nil
}
