package core

// EventType discriminates the stream event vocabulary sent to clients, one
// JSON object per event over a persistent push connection.
type EventType string

const (
	// EventText carries an incremental text delta.
	EventText EventType = "text"
	// EventToolCall announces a tool invocation requested by the model.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the outcome of a completed tool invocation.
	EventToolResult EventType = "tool_result"
	// EventTokens reports token usage when the provider makes it available.
	EventTokens EventType = "tokens"
	// EventError is a terminal failure notification.
	EventError EventType = "error"
	// EventDone is the single terminal success event of a turn.
	EventDone EventType = "done"
)

// StreamEvent is the unit of server-to-client streaming. Data holds one of
// the typed payloads below depending on Type.
type StreamEvent struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// TextData is the payload of an EventText event.
type TextData struct {
	Delta string `json:"delta"`
}

// ToolCallData is the payload of an EventToolCall event.
type ToolCallData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultData is the payload of an EventToolResult event.
type ToolResultData struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Result     any    `json:"result"`
}

// TokensData is the payload of an EventTokens event.
type TokensData struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ErrorData is the payload of an EventError event.
type ErrorData struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// DoneData is the payload of the terminal EventDone event. Delta is always
// empty; Metadata carries the final conversation snapshot so clients can
// refresh titles and counters without a follow-up request.
type DoneData struct {
	Delta    string       `json:"delta"`
	Metadata DoneMetadata `json:"metadata"`
}

// DoneMetadata is the metadata attached to EventDone.
type DoneMetadata struct {
	Conversation *Conversation `json:"conversation"`
}

// EventSink receives stream events as they are produced. Implementations must
// tolerate being called from the goroutine running the turn; slow sinks
// backpressure the loop.
type EventSink interface {
	Emit(ev StreamEvent)
}

// SinkFunc adapts a plain function to the EventSink interface.
type SinkFunc func(ev StreamEvent)

// Emit implements EventSink.
func (f SinkFunc) Emit(ev StreamEvent) { f(ev) }

// NopSink discards all events.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(StreamEvent) {}

// TextEvent builds an EventText stream event.
func TextEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventText, Data: TextData{Delta: delta}}
}

// ToolCallEvent builds an EventToolCall stream event.
func ToolCallEvent(id, name, arguments string) StreamEvent {
	return StreamEvent{Type: EventToolCall, Data: ToolCallData{ID: id, Name: name, Arguments: arguments}}
}

// ToolResultEvent builds an EventToolResult stream event.
func ToolResultEvent(toolCallID, name string, result any) StreamEvent {
	return StreamEvent{Type: EventToolResult, Data: ToolResultData{ToolCallID: toolCallID, Name: name, Result: result}}
}

// TokensEvent builds an EventTokens stream event.
func TokensEvent(input, output int) StreamEvent {
	return StreamEvent{Type: EventTokens, Data: TokensData{InputTokens: input, OutputTokens: output}}
}

// ErrorEvent builds an EventError stream event.
func ErrorEvent(msg string, details any) StreamEvent {
	return StreamEvent{Type: EventError, Data: ErrorData{Error: msg, Details: details}}
}

// DoneEvent builds the terminal EventDone stream event.
func DoneEvent(conv *Conversation) StreamEvent {
	return StreamEvent{Type: EventDone, Data: DoneData{Metadata: DoneMetadata{Conversation: conv}}}
}
