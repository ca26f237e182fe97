package streamproto

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
)

const (
	DataPrefix = "data:"
	Sentinel   = "[DONE]"

	RecordDelta          = "delta"
	RecordDone           = "done"
	RecordMessageCreated = "message_created"

	TypeTextDelta           = "text_delta"
	TypeToolCall            = "tool_call"
	TypeToolResult          = "tool_result"
	TypeProcessingStarted   = "processing_started"
	TypeProcessingCompleted = "processing_completed"
	TypeProcessingFailed    = "processing_failed"
	TypeAgentEnd            = "agent_end"
	TypeError               = "error"
)

// WireEvent is the JSON shape of one StreamEvent.
type WireEvent struct {
	Type     string                 `json:"type"`
	Delta    string                 `json:"delta,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Input    json.RawMessage        `json:"input,omitempty"`
	Output   json.RawMessage        `json:"output,omitempty"`
	IsError  bool                   `json:"is_error,omitempty"`
	Messages []conversation.Message `json:"messages,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Envelope wraps turn stream records.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type DonePayload struct {
	Messages []conversation.Message `json:"messages"`
}

// MessageCreated is the event feed record.
type MessageCreated struct {
	Type    string               `json:"type"`
	BotID   string               `json:"bot_id"`
	Message conversation.Message `json:"message"`
}

func NewMessageCreated(botID string, msg conversation.Message) MessageCreated {
	return MessageCreated{Type: RecordMessageCreated, BotID: botID, Message: msg}
}

// ToWire maps a StreamEvent to its JSON shape.
func ToWire(ev conversation.StreamEvent) (WireEvent, error) {
	switch e := ev.(type) {
	case conversation.TextDelta:
		return WireEvent{Type: TypeTextDelta, Delta: e.Text}, nil
	case conversation.ToolCall:
		return WireEvent{Type: TypeToolCall, ID: e.ID, Name: e.Name, Input: e.Input}, nil
	case conversation.ToolResult:
		return WireEvent{Type: TypeToolResult, ID: e.ID, Name: e.Name, Output: e.Output, IsError: e.IsError}, nil
	case conversation.ProcessingStatus:
		switch e.Status {
		case conversation.StatusStarted:
			return WireEvent{Type: TypeProcessingStarted}, nil
		case conversation.StatusCompleted:
			return WireEvent{Type: TypeProcessingCompleted}, nil
		case conversation.StatusFailed:
			msg := e.Error
			if msg == "" {
				msg = "Stream processing failed"
			}
			return WireEvent{Type: TypeProcessingFailed, Error: msg}, nil
		}
		return WireEvent{}, errors.Errorf("unknown processing status %q", e.Status)
	case conversation.TurnComplete:
		msgs := e.Messages
		if msgs == nil {
			msgs = []conversation.Message{}
		}
		return WireEvent{Type: TypeAgentEnd, Messages: msgs}, nil
	case conversation.ErrorEvent:
		return WireEvent{Type: TypeError, Message: e.Message, Error: e.Message}, nil
	case nil:
		return WireEvent{}, errors.New("nil stream event")
	}
	return WireEvent{}, errors.Errorf("unsupported stream event %T", ev)
}
