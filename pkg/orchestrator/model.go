package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/tools"
)

// ModelRequest is one generation step.
type ModelRequest struct {
	System   string
	Messages []conversation.Message
	Tools    []tools.Definition
}

// ToolCallRequest is an action the model asks for.
type ToolCallRequest struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ModelChunk carries exactly one of TextDelta, ToolCall or Err.
type ModelChunk struct {
	TextDelta string
	ToolCall  *ToolCallRequest
	Err       error
}

// Model streams one generation step. The channel is closed when the step ends.
type Model interface {
	Stream(ctx context.Context, req ModelRequest) (<-chan ModelChunk, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req ModelRequest) (<-chan ModelChunk, error)

func (f ModelFunc) Stream(ctx context.Context, req ModelRequest) (<-chan ModelChunk, error) {
	return f(ctx, req)
}
