package core

import "time"

// TurnEventType identifies one unit of a turn's output stream.
type TurnEventType string

const (
	// TurnEventContent carries a text fragment in arrival order.
	TurnEventContent TurnEventType = "turn.content"
	// TurnEventToolCallRequest carries one or more pending calls.
	TurnEventToolCallRequest TurnEventType = "turn.tool_call.request"
	// TurnEventToolCallResponse carries exactly one tool result.
	TurnEventToolCallResponse TurnEventType = "turn.tool_call.response"
	// TurnEventFinished terminates the turn with the final aggregate.
	TurnEventFinished TurnEventType = "turn.finished"
	// TurnEventError terminates the turn with an error cause.
	TurnEventError TurnEventType = "turn.error"
)

// Terminal reports whether the event type ends a turn's sequence.
func (t TurnEventType) Terminal() bool {
	return t == TurnEventFinished || t == TurnEventError
}

// Usage tracks token consumption accumulated across a turn's model calls.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// TurnOutcome is the final aggregate carried by a FINISHED event.
type TurnOutcome struct {
	Response  string
	ToolCalls int
	Usage     Usage
}

// TurnEvent is one element of the ordered sequence a turn emits:
// zero or more content and tool-call events followed by exactly one
// terminal event. Only the field matching Type is populated.
type TurnEvent struct {
	Type      TurnEventType
	TurnID    string
	Timestamp time.Time

	// Content is set for TurnEventContent.
	Content string
	// Calls is set for TurnEventToolCallRequest.
	Calls []ToolCall
	// Result is set for TurnEventToolCallResponse.
	Result *ToolResult
	// Outcome is set for TurnEventFinished.
	Outcome *TurnOutcome
	// Err is set for TurnEventError.
	Err error
}

// NewTurnEvent builds an event stamped with the current time.
func NewTurnEvent(eventType TurnEventType, turnID string) TurnEvent {
	return TurnEvent{
		Type:      eventType,
		TurnID:    turnID,
		Timestamp: time.Now().UTC(),
	}
}
