package llm

import (
	"context"
	"strings"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/orchestrator"
)

// EchoModel answers with the latest user text, word by word. It needs no
// credentials and is the default for local runs.
type EchoModel struct {
	Prefix string
}

var _ orchestrator.Model = EchoModel{}

func (e EchoModel) Stream(ctx context.Context, req orchestrator.ModelRequest) (<-chan orchestrator.ModelChunk, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == conversation.RoleUser {
			last = req.Messages[i].Text()
			break
		}
	}
	words := strings.Fields(e.Prefix + last)

	out := make(chan orchestrator.ModelChunk)
	go func() {
		defer close(out)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case out <- orchestrator.ModelChunk{TextDelta: w}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
