package streamproto

import (
	"bufio"
	"encoding/json"
	"io"
	"iter"
	"strings"

	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
)

// Decoder splits a byte stream into record payloads. Lines without the data
// prefix are ignored. A final unterminated line is still decoded.
type Decoder struct {
	r    *bufio.Reader
	done bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next record payload. It returns io.EOF at end of input
// and after the sentinel record.
func (d *Decoder) Next() (string, error) {
	for {
		if d.done {
			return "", io.EOF
		}
		line, err := d.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		atEOF := err != nil
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, DataPrefix) {
			payload := strings.TrimSpace(line[len(DataPrefix):])
			if payload == Sentinel {
				d.done = true
				return "", io.EOF
			}
			if payload != "" {
				return payload, nil
			}
		}
		if atEOF {
			return "", io.EOF
		}
	}
}

// SawSentinel reports whether the stream was closed with the sentinel.
func (d *Decoder) SawSentinel() bool { return d.done }

// Records iterates payloads until end of input or a read error.
func (d *Decoder) Records() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			p, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadText
	PayloadObject
)

// Payload is a classified record.
type Payload struct {
	Kind   PayloadKind
	Text   string
	Object map[string]json.RawMessage
}

const maxUnwrap = 2

// ParsePayload classifies a record payload. Up to two JSON decodes are
// attempted so a JSON string holding JSON is unwrapped once; anything that is
// not a JSON object ends up as text.
func ParsePayload(payload string) Payload {
	current := payload
	for i := 0; i < maxUnwrap; i++ {
		raw := strings.TrimSpace(current)
		if raw == "" || raw == Sentinel {
			return Payload{Kind: PayloadEmpty}
		}
		if !json.Valid([]byte(raw)) {
			return Payload{Kind: PayloadText, Text: raw}
		}
		switch raw[0] {
		case '{':
			var obj map[string]json.RawMessage
			if err := json.Unmarshal([]byte(raw), &obj); err != nil {
				return Payload{Kind: PayloadText, Text: raw}
			}
			return Payload{Kind: PayloadObject, Object: obj}
		case '"':
			var s string
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				return Payload{Kind: PayloadText, Text: raw}
			}
			current = s
		default:
			return Payload{Kind: PayloadText, Text: raw}
		}
	}
	text := strings.TrimSpace(current)
	if text == "" {
		return Payload{Kind: PayloadEmpty}
	}
	return Payload{Kind: PayloadText, Text: text}
}

func (p Payload) str(key string) string {
	raw, ok := p.Object[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Type returns the lower-cased "type" field of an object payload.
func (p Payload) Type() string {
	if p.Kind != PayloadObject {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(p.str("type")))
}

// StreamError is a terminal failure carried by a record.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// DecodeTurnEvent maps a turn-stream payload to a StreamEvent. It returns
// (nil, nil) for payloads that carry nothing to apply and *StreamError for
// records that terminate the response.
func DecodeTurnEvent(p Payload) (conversation.StreamEvent, error) {
	switch p.Kind {
	case PayloadEmpty:
		return nil, nil
	case PayloadText:
		return conversation.TextDelta{Text: p.Text}, nil
	}

	switch p.Type() {
	case RecordDelta:
		return DecodeTurnEvent(unwrapData(p.Object["data"]))
	case RecordDone:
		inner := unwrapData(p.Object["data"])
		if inner.Kind != PayloadObject {
			return conversation.TurnComplete{Messages: []conversation.Message{}}, nil
		}
		msgs, err := decodeMessages(inner.Object["messages"])
		if err != nil {
			return nil, err
		}
		return conversation.TurnComplete{Messages: msgs}, nil
	case TypeProcessingStarted:
		return conversation.ProcessingStatus{Status: conversation.StatusStarted}, nil
	case TypeProcessingCompleted:
		return conversation.ProcessingStatus{Status: conversation.StatusCompleted}, nil
	case TypeProcessingFailed:
		st, _ := FailedStatus(p)
		return nil, &StreamError{Message: st.Error}
	case TypeError:
		msg := p.str("message")
		if msg == "" {
			msg = p.str("error")
		}
		if msg == "" {
			msg = "Stream error"
		}
		return nil, &StreamError{Message: msg}
	}

	if msg := strings.TrimSpace(p.str("error")); msg != "" {
		return nil, &StreamError{Message: msg}
	}

	switch p.Type() {
	case TypeTextDelta:
		if _, ok := p.Object["delta"]; !ok {
			return nil, nil
		}
		return conversation.TextDelta{Text: p.str("delta")}, nil
	case TypeToolCall:
		return conversation.ToolCall{ID: p.str("id"), Name: p.str("name"), Input: p.Object["input"]}, nil
	case TypeToolResult:
		var isErr bool
		_ = json.Unmarshal(p.Object["is_error"], &isErr)
		return conversation.ToolResult{ID: p.str("id"), Name: p.str("name"), Output: p.Object["output"], IsError: isErr}, nil
	case TypeAgentEnd:
		msgs, err := decodeMessages(p.Object["messages"])
		if err != nil {
			return nil, err
		}
		return conversation.TurnComplete{Messages: msgs}, nil
	}
	return nil, nil
}

// FailedStatus reports whether p, plain or delta-wrapped, is a
// processing_failed record.
func FailedStatus(p Payload) (conversation.ProcessingStatus, bool) {
	switch p.Type() {
	case RecordDelta:
		return FailedStatus(unwrapData(p.Object["data"]))
	case TypeProcessingFailed:
		msg := strings.TrimSpace(p.str("error"))
		if msg == "" {
			msg = "Stream processing failed"
		}
		return conversation.ProcessingStatus{Status: conversation.StatusFailed, Error: msg}, true
	}
	return conversation.ProcessingStatus{}, false
}

func unwrapData(raw json.RawMessage) Payload {
	if len(raw) == 0 {
		return Payload{Kind: PayloadEmpty}
	}
	return ParsePayload(string(raw))
}

func decodeMessages(raw json.RawMessage) ([]conversation.Message, error) {
	msgs := []conversation.Message{}
	if len(raw) == 0 || string(raw) == "null" {
		return msgs, nil
	}
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, errors.Wrap(err, "decode messages")
	}
	return msgs, nil
}

// DecodeMessageCreated extracts a message_created record from an event feed
// payload. ok is false for any other record.
func DecodeMessageCreated(p Payload) (MessageCreated, bool) {
	if p.Type() != RecordMessageCreated {
		return MessageCreated{}, false
	}
	var mc MessageCreated
	mc.Type = RecordMessageCreated
	mc.BotID = strings.TrimSpace(p.str("bot_id"))
	raw, ok := p.Object["message"]
	if !ok || len(raw) == 0 || raw[0] != '{' {
		return MessageCreated{}, false
	}
	if err := json.Unmarshal(raw, &mc.Message); err != nil {
		return MessageCreated{}, false
	}
	return mc, true
}
