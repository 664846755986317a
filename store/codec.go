package store

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/convoloop/core"
)

// The codec maps domain types to flat repository records. Timestamps cross
// the boundary as core.TimeFormat strings, nested structures (task, tool
// calls) as generic JSON shapes, so records survive any Repository backend
// unchanged.

func conversationToRecord(conv *core.Conversation) core.Record {
	rec := core.Record{
		"id":            conv.ID,
		"config_id":     conv.ConfigID,
		"title":         conv.Title,
		"message_count": conv.MessageCount,
		"created_at":    core.FormatTime(conv.CreatedAt),
		"updated_at":    core.FormatTime(conv.UpdatedAt),
	}
	if conv.UserID != "" {
		rec["user_id"] = conv.UserID
	}
	if conv.Summary != "" {
		rec["summary"] = conv.Summary
	}
	if conv.LastSummaryAt != nil {
		rec["last_summary_at"] = core.FormatTime(*conv.LastSummaryAt)
	}
	if conv.LastActivityAt != nil {
		rec["last_activity_at"] = core.FormatTime(*conv.LastActivityAt)
	}
	if conv.Task != nil {
		rec["task"] = taskToValue(conv.Task)
	}
	return rec
}

func recordToConversation(rec core.Record) *core.Conversation {
	conv := &core.Conversation{
		ID:           rec.String("id"),
		UserID:       rec.String("user_id"),
		ConfigID:     rec.String("config_id"),
		Title:        rec.String("title"),
		MessageCount: rec.Int("message_count"),
		Summary:      rec.String("summary"),
		CreatedAt:    rec.Time("created_at"),
		UpdatedAt:    rec.Time("updated_at"),
	}
	if t := rec.Time("last_summary_at"); !t.IsZero() {
		conv.LastSummaryAt = &t
	}
	if t := rec.Time("last_activity_at"); !t.IsZero() {
		conv.LastActivityAt = &t
	}
	conv.Task = valueToTask(rec["task"])
	return conv
}

func messageToRecord(msg *core.Message) core.Record {
	rec := core.Record{
		"id":              msg.ID,
		"conversation_id": msg.ConversationID,
		"role":            string(msg.Role),
		"sequence":        msg.Sequence,
		"created_at":      core.FormatTime(msg.CreatedAt),
	}
	if msg.Content != "" {
		rec["content"] = msg.Content
	}
	if msg.Interrupted {
		rec["interrupted"] = true
	}
	if len(msg.ToolCalls) > 0 {
		rec["tool_calls"] = toGeneric(msg.ToolCalls)
	}
	if len(msg.ToolResults) > 0 {
		rec["tool_results"] = toGeneric(msg.ToolResults)
	}
	return rec
}

func recordToMessage(rec core.Record) *core.Message {
	msg := &core.Message{
		ID:             rec.String("id"),
		ConversationID: rec.String("conversation_id"),
		Role:           core.Role(rec.String("role")),
		Content:        rec.String("content"),
		Sequence:       rec.Int("sequence"),
		CreatedAt:      rec.Time("created_at"),
	}
	if v, ok := rec["interrupted"].(bool); ok {
		msg.Interrupted = v
	}
	fromGeneric(rec["tool_calls"], &msg.ToolCalls)
	fromGeneric(rec["tool_results"], &msg.ToolResults)
	return msg
}

func taskToValue(task *core.Task) any {
	if task == nil {
		return nil
	}
	return map[string]any{
		"type":       task.Type,
		"status":     string(task.Status),
		"priority":   task.Priority,
		"data":       task.Data,
		"result":     task.Result,
		"error":      task.Error,
		"created_at": core.FormatTime(task.CreatedAt),
		"updated_at": core.FormatTime(task.UpdatedAt),
	}
}

func valueToTask(v any) *core.Task {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	rec := core.Record(m)
	task := &core.Task{
		Type:      rec.String("type"),
		Status:    core.TaskStatus(rec.String("status")),
		Priority:  rec.Int("priority"),
		Error:     rec.String("error"),
		Result:    rec["result"],
		CreatedAt: rec.Time("created_at"),
		UpdatedAt: rec.Time("updated_at"),
	}
	if data, ok := rec["data"].(map[string]any); ok {
		task.Data = data
	}
	return task
}

// toGeneric round-trips a typed slice through JSON so stored shapes are plain
// maps for every backend.
func toGeneric(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func fromGeneric(v any, target any) {
	if v == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, target)
}

// RecordToConfig decodes an agent configuration record. Exposed for the
// config cache, which reads the config collection through the Repository.
func RecordToConfig(rec core.Record) core.AgentConfig {
	cfg := core.AgentConfig{
		ID:                      rec.String("id"),
		Provider:                rec.String("provider"),
		Model:                   rec.String("model"),
		MaxConversationMessages: rec.Int("max_conversation_messages"),
		SummaryThreshold:        rec.Int("summary_threshold"),
	}
	if v, ok := rec["enabled"].(bool); ok {
		cfg.Enabled = v
	}
	if secs := rec.Int("invoke_timeout_seconds"); secs > 0 {
		cfg.InvokeTimeout = time.Duration(secs) * time.Second
	}
	return cfg
}

// ConfigToRecord encodes an agent configuration; used by tests and seeders.
func ConfigToRecord(cfg core.AgentConfig) core.Record {
	return core.Record{
		"id":                        cfg.ID,
		"provider":                  cfg.Provider,
		"model":                     cfg.Model,
		"enabled":                   cfg.Enabled,
		"max_conversation_messages": cfg.MaxConversationMessages,
		"summary_threshold":         cfg.SummaryThreshold,
		"invoke_timeout_seconds":    int(cfg.InvokeTimeout / time.Second),
	}
}
