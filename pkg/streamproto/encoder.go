package streamproto

import (
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
)

type flusher interface {
	Flush()
}

// Encoder writes `data: <json>` records separated by blank lines and
// flushes after each one when the writer supports it.
type Encoder struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) write(s string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return errors.New("stream encoder has no writer")
	}
	if e.closed {
		return errors.New("stream encoder is closed")
	}
	if _, err := io.WriteString(e.w, s); err != nil {
		return errors.Wrap(err, "write record")
	}
	if f, ok := e.w.(flusher); ok {
		f.Flush()
	}
	return nil
}

// WriteRecord encodes v as one record.
func (e *Encoder) WriteRecord(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	return e.write(DataPrefix + " " + string(b) + "\n\n")
}

// WriteText writes a raw text record. Newlines would split the record and
// are escaped by JSON-encoding such text instead.
func (e *Encoder) WriteText(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return e.WriteRecord(text)
	}
	return e.write(DataPrefix + " " + text + "\n\n")
}

// WriteComment writes a keepalive line that decoders ignore.
func (e *Encoder) WriteComment(text string) error {
	return e.write(": " + strings.ReplaceAll(text, "\n", " ") + "\n\n")
}

// WriteTurnEvent writes ev as a delta record, or a done record for
// TurnComplete.
func (e *Encoder) WriteTurnEvent(ev conversation.StreamEvent) error {
	if tc, ok := ev.(conversation.TurnComplete); ok {
		msgs := tc.Messages
		if msgs == nil {
			msgs = []conversation.Message{}
		}
		return e.WriteRecord(Envelope{Type: RecordDone, Data: DonePayload{Messages: msgs}})
	}
	w, err := ToWire(ev)
	if err != nil {
		return err
	}
	return e.WriteRecord(Envelope{Type: RecordDelta, Data: w})
}

// WriteMessageCreated writes an event feed record.
func (e *Encoder) WriteMessageCreated(botID string, msg conversation.Message) error {
	return e.WriteRecord(NewMessageCreated(botID, msg))
}

// Close writes the sentinel. Further writes fail.
func (e *Encoder) Close() error {
	if err := e.write(DataPrefix + " " + Sentinel + "\n\n"); err != nil {
		return err
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
