package core

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message in a conversation transcript.
type Role string

const (
	// RoleUser is a human-authored message.
	RoleUser Role = "user"
	// RoleAssistant is a model-authored message.
	RoleAssistant Role = "assistant"
	// RoleSystem is an instruction message never shown to the end user.
	RoleSystem Role = "system"
	// RoleTool carries tool execution results back into the transcript.
	RoleTool Role = "tool"
)

// ToolCallRecord is the persisted form of one tool invocation requested by
// the model. Arguments are kept serialized so a reloaded record reconstructs
// the exact payload used to invoke the tool.
type ToolCallRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultRecord is the persisted outcome of a tool call. Result holds
// arbitrary structured data; failed executions store a map with an "error"
// key instead.
type ToolResultRecord struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Result     any    `json:"result"`
}

// Message is one immutable transcript entry. Sequence numbers are strictly
// increasing positive integers per conversation, assigned by the store at
// append time. The only mutation this engine ever performs on a stored
// message is the recreate-after-compaction case, which preserves the
// sequence number.
type Message struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	Role           Role               `json:"role"`
	Content        string             `json:"content,omitempty"`
	ToolCalls      []ToolCallRecord   `json:"tool_calls,omitempty"`
	ToolResults    []ToolResultRecord `json:"tool_results,omitempty"`
	Interrupted    bool               `json:"interrupted,omitempty"`
	Sequence       int                `json:"sequence"`
	CreatedAt      time.Time          `json:"created_at"`
}

// NewMessage creates an unsequenced message; the store assigns Sequence when
// the message is appended.
func NewMessage(conversationID string, role Role, content string) *Message {
	return &Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

// HasContent reports whether the message carries any text, tool calls or
// tool results. Empty assistant messages are persisted only when flagged as
// interrupted.
func (m *Message) HasContent() bool {
	return m.Content != "" || len(m.ToolCalls) > 0 || len(m.ToolResults) > 0
}

// NewID generates a unique identifier for conversations, messages and tool
// calls.
func NewID() string { return uuid.NewString() }
