package synchronizer

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/streamproto"
)

// TurnCallbacks receive a streamed turn's progress. Any of them may be nil.
type TurnCallbacks struct {
	OnDelta  func(text string)
	OnStatus func(status conversation.ProcessingStatus)
	OnTool   func(ev conversation.StreamEvent)
}

// TurnClient sends turns over the session's own channel and merges the
// replies into the session log. Those messages are excluded from the feed,
// so the turn response is their only source.
type TurnClient struct {
	client   *HTTPClient
	session  *Session
	channels []string
}

func NewTurnClient(client *HTTPClient, session *Session, channels ...string) (*TurnClient, error) {
	if client == nil {
		return nil, errors.New("turn client http client is nil")
	}
	if session == nil {
		return nil, errors.New("turn client session is nil")
	}
	return &TurnClient{client: client, session: session, channels: channels}, nil
}

// Stream runs one turn and returns the final message list. A turn that fails
// on the server returns *streamproto.StreamError after the partial deltas
// and, when the server sent one, the failed status were delivered.
func (t *TurnClient) Stream(ctx context.Context, query string, cb TurnCallbacks) ([]conversation.Message, error) {
	if t == nil {
		return nil, errors.New("turn client is nil")
	}
	if strings.TrimSpace(query) == "" {
		return nil, &conversation.ValidationError{Field: "query", Reason: "query is required"}
	}
	body := TurnBody{
		Query:          query,
		CurrentChannel: t.session.ExcludedChannel(),
		Channels:       t.channels,
		IdempotencyKey: uuid.NewString(),
	}
	rc, err := t.client.StreamTurn(ctx, t.session.BotID(), body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var final []conversation.Message
	dec := streamproto.NewDecoder(rc)
	for payload, err := range dec.Records() {
		if err != nil {
			return nil, &TransportError{Op: "read turn stream", Err: err}
		}
		p := streamproto.ParsePayload(payload)
		ev, err := streamproto.DecodeTurnEvent(p)
		if err != nil {
			if st, ok := streamproto.FailedStatus(p); ok && cb.OnStatus != nil {
				cb.OnStatus(st)
			}
			return nil, err
		}
		switch e := ev.(type) {
		case nil:
		case conversation.TextDelta:
			if cb.OnDelta != nil {
				cb.OnDelta(e.Text)
			}
		case conversation.ProcessingStatus:
			if cb.OnStatus != nil {
				cb.OnStatus(e)
			}
		case conversation.ToolCall, conversation.ToolResult:
			if cb.OnTool != nil {
				cb.OnTool(e)
			}
		case conversation.TurnComplete:
			final = e.Messages
		}
	}
	if final == nil {
		return nil, &TransportError{Op: "read turn stream", Err: errors.New("stream ended without a final message list")}
	}
	t.session.Merge(final...)
	return final, nil
}
