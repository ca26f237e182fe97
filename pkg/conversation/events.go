package conversation

import "encoding/json"

// EventKind tags the variants of StreamEvent.
type EventKind string

const (
	KindTextDelta        EventKind = "text_delta"
	KindToolCall         EventKind = "tool_call"
	KindToolResult       EventKind = "tool_result"
	KindProcessingStatus EventKind = "processing_status"
	KindTurnComplete     EventKind = "agent_end"
	KindError            EventKind = "error"
)

// StreamEvent is one unit of incremental turn output. The set of
// implementations is closed to this package.
type StreamEvent interface {
	Kind() EventKind
	isStreamEvent()
}

type TextDelta struct {
	Text string
}

type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type ToolResult struct {
	ID      string
	Name    string
	Output  json.RawMessage
	IsError bool
}

// ProcessingStatus values.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type ProcessingStatus struct {
	Status string
	Error  string
}

type TurnComplete struct {
	Messages []Message
}

type ErrorEvent struct {
	Message string
}

func (TextDelta) Kind() EventKind        { return KindTextDelta }
func (ToolCall) Kind() EventKind         { return KindToolCall }
func (ToolResult) Kind() EventKind       { return KindToolResult }
func (ProcessingStatus) Kind() EventKind { return KindProcessingStatus }
func (TurnComplete) Kind() EventKind     { return KindTurnComplete }
func (ErrorEvent) Kind() EventKind       { return KindError }

func (TextDelta) isStreamEvent()        {}
func (ToolCall) isStreamEvent()         {}
func (ToolResult) isStreamEvent()       {}
func (ProcessingStatus) isStreamEvent() {}
func (TurnComplete) isStreamEvent()     {}
func (ErrorEvent) isStreamEvent()       {}

// IsTerminal reports whether ev closes a turn.
func IsTerminal(ev StreamEvent) bool {
	switch ev.(type) {
	case TurnComplete, *TurnComplete, ErrorEvent, *ErrorEvent:
		return true
	}
	return false
}
