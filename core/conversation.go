package core

import "time"

// TaskStatus enumerates the lifecycle states of a long-running task attached
// to a conversation.
type TaskStatus string

const (
	// TaskPending marks a task that has been recorded but not started.
	TaskPending TaskStatus = "pending"
	// TaskInProgress marks a task currently being worked on.
	TaskInProgress TaskStatus = "in_progress"
	// TaskCompleted marks a successfully finished task.
	TaskCompleted TaskStatus = "completed"
	// TaskCancelled marks a task superseded or explicitly cancelled.
	TaskCancelled TaskStatus = "cancelled"
	// TaskFailed marks a task that ended with an error.
	TaskFailed TaskStatus = "failed"
)

// Terminal reports whether the status is a final state. A conversation carries
// at most one non-terminal task at a time.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

// Task tracks one long-running intent on a conversation (e.g. a multi-turn
// table creation). Status transitions only move forward:
// pending -> in_progress -> {completed, cancelled, failed}.
type Task struct {
	Type      string         `json:"type"`
	Status    TaskStatus     `json:"status"`
	Priority  int            `json:"priority"`
	Data      map[string]any `json:"data,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Conversation is the persisted container for one dialog: denormalized
// counters, the rolling summary produced by compaction, and the optional
// active task. It is owned by the conversation store and never deleted by
// this engine.
type Conversation struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id,omitempty"`
	ConfigID       string     `json:"config_id"`
	Title          string     `json:"title"`
	MessageCount   int        `json:"message_count"`
	Summary        string     `json:"summary,omitempty"`
	LastSummaryAt  *time.Time `json:"last_summary_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	Task           *Task      `json:"task,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ActiveTask returns the conversation's task if it exists and is not in a
// terminal state.
func (c *Conversation) ActiveTask() *Task {
	if c.Task == nil || c.Task.Status.Terminal() {
		return nil
	}
	return c.Task
}

// AgentConfig is the cached agent configuration. It is loaded from the
// Repository and distributed through the config cache; this engine never
// writes it.
type AgentConfig struct {
	ID                      string        `json:"id"`
	Provider                string        `json:"provider"`
	Model                   string        `json:"model"`
	Enabled                 bool          `json:"enabled"`
	MaxConversationMessages int           `json:"max_conversation_messages"`
	SummaryThreshold        int           `json:"summary_threshold"`
	InvokeTimeout           time.Duration `json:"invoke_timeout"`
}
