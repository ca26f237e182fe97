package streamproto

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexma233/Memoh/pkg/conversation"
)

func collect(t *testing.T, input string) []string {
	t.Helper()
	var out []string
	for p, err := range NewDecoder(strings.NewReader(input)).Records() {
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestEncoderDecoder_TurnScenario(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	final := []conversation.Message{conversation.NewTextMessage(conversation.RoleAssistant, "Hi there", "", time.Now())}

	require.NoError(t, enc.WriteTurnEvent(conversation.TextDelta{Text: "Hi"}))
	require.NoError(t, enc.WriteTurnEvent(conversation.TextDelta{Text: " there"}))
	require.NoError(t, enc.WriteTurnEvent(conversation.TurnComplete{Messages: final}))
	require.NoError(t, enc.Close())
	require.Error(t, enc.WriteText("late"))

	require.True(t, strings.HasSuffix(buf.String(), "data: [DONE]\n\n"))

	dec := NewDecoder(&buf)
	var events []conversation.StreamEvent
	for p, err := range dec.Records() {
		require.NoError(t, err)
		ev, err := DecodeTurnEvent(ParsePayload(p))
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.True(t, dec.SawSentinel())
	require.Len(t, events, 3)
	require.Equal(t, conversation.TextDelta{Text: "Hi"}, events[0])
	require.Equal(t, conversation.TextDelta{Text: " there"}, events[1])
	done, ok := events[2].(conversation.TurnComplete)
	require.True(t, ok)
	require.Len(t, done.Messages, 1)
	require.Equal(t, final[0].ID, done.Messages[0].ID)
	require.Equal(t, "Hi there", done.Messages[0].Text())
}

func TestDecoder_FramingEdgeCases(t *testing.T) {
	input := ": keepalive\n\nevent: ignored\ndata: first\n\ndata:\n\n  data: second  \r\ndata: tail-without-newline"
	require.Equal(t, []string{"first", "second", "tail-without-newline"}, collect(t, input))

	afterSentinel := "data: a\n\ndata: [DONE]\n\ndata: b\n\n"
	require.Equal(t, []string{"a"}, collect(t, afterSentinel))

	d := NewDecoder(strings.NewReader(""))
	_, err := d.Next()
	require.ErrorIs(t, err, io.EOF)
	require.False(t, d.SawSentinel())
}

func TestParsePayload_Branches(t *testing.T) {
	require.Equal(t, PayloadEmpty, ParsePayload("").Kind)
	require.Equal(t, PayloadEmpty, ParsePayload("  [DONE] ").Kind)

	p := ParsePayload("plain words")
	require.Equal(t, PayloadText, p.Kind)
	require.Equal(t, "plain words", p.Text)

	p = ParsePayload(`{"type":"text_delta","delta":"x"}`)
	require.Equal(t, PayloadObject, p.Kind)
	require.Equal(t, TypeTextDelta, p.Type())

	// JSON string holding JSON is unwrapped a second time.
	nested, _ := json.Marshal(`{"type":"text_delta","delta":"y"}`)
	p = ParsePayload(string(nested))
	require.Equal(t, PayloadObject, p.Kind)

	// A JSON string holding plain text becomes text.
	p = ParsePayload(`"hello world"`)
	require.Equal(t, PayloadText, p.Kind)
	require.Equal(t, "hello world", p.Text)

	// Three levels deep: stops after two decodes and keeps the text.
	inner, _ := json.Marshal(`{"type":"x"}`)
	triple, _ := json.Marshal(string(inner))
	p = ParsePayload(string(triple))
	require.Equal(t, PayloadText, p.Kind)
	require.Equal(t, `{"type":"x"}`, p.Text)

	p = ParsePayload("42")
	require.Equal(t, PayloadText, p.Kind)
	require.Equal(t, "42", p.Text)
}

func TestDecodeTurnEvent_ErrorsAreTerminal(t *testing.T) {
	cases := map[string]string{
		`{"type":"error","message":"boom"}`:                                 "boom",
		`{"type":"processing_failed"}`:                                      "Stream processing failed",
		`{"type":"processing_failed","error":"model down"}`:                 "model down",
		`{"type":"text_delta","delta":"x","error":"rate limited"}`:          "rate limited",
		`{"type":"delta","data":{"type":"error","message":"wrapped boom"}}`: "wrapped boom",
	}
	for input, want := range cases {
		ev, err := DecodeTurnEvent(ParsePayload(input))
		require.Nil(t, ev, input)
		var se *StreamError
		require.ErrorAs(t, err, &se, input)
		require.Equal(t, want, se.Message)
	}
}

func TestDecodeTurnEvent_Variants(t *testing.T) {
	ev, err := DecodeTurnEvent(ParsePayload(`{"type":"processing_started"}`))
	require.NoError(t, err)
	require.Equal(t, conversation.ProcessingStatus{Status: conversation.StatusStarted}, ev)

	ev, err = DecodeTurnEvent(ParsePayload(`{"type":"tool_call","id":"c1","name":"search_memory","input":{"query":"q"}}`))
	require.NoError(t, err)
	call := ev.(conversation.ToolCall)
	require.Equal(t, "search_memory", call.Name)
	require.JSONEq(t, `{"query":"q"}`, string(call.Input))

	ev, err = DecodeTurnEvent(ParsePayload(`{"type":"agent_end","messages":[{"id":"m1","role":"assistant","content":"ok","created_at":"2024-01-01T00:00:00Z"}]}`))
	require.NoError(t, err)
	require.Equal(t, "m1", ev.(conversation.TurnComplete).Messages[0].ID)

	ev, err = DecodeTurnEvent(ParsePayload(`{"type":"delta","data":"raw chunk"}`))
	require.NoError(t, err)
	require.Equal(t, conversation.TextDelta{Text: "raw chunk"}, ev)

	ev, err = DecodeTurnEvent(ParsePayload(`{"type":"something_new"}`))
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestFailedStatus(t *testing.T) {
	st, ok := FailedStatus(ParsePayload(`{"type":"delta","data":{"type":"processing_failed","error":"quota"}}`))
	require.True(t, ok)
	require.Equal(t, conversation.ProcessingStatus{Status: conversation.StatusFailed, Error: "quota"}, st)

	st, ok = FailedStatus(ParsePayload(`{"type":"processing_failed"}`))
	require.True(t, ok)
	require.Equal(t, "Stream processing failed", st.Error)

	_, ok = FailedStatus(ParsePayload(`{"type":"error","message":"boom"}`))
	require.False(t, ok)
	_, ok = FailedStatus(ParsePayload("plain text"))
	require.False(t, ok)
}

func TestToWireRoundTripThroughEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	events := []conversation.StreamEvent{
		conversation.ProcessingStatus{Status: conversation.StatusStarted},
		conversation.ToolCall{ID: "c1", Name: "send_message", Input: json.RawMessage(`{"text":"x"}`)},
		conversation.ToolResult{ID: "c1", Name: "send_message", Output: json.RawMessage(`{"ok":true}`)},
		conversation.ProcessingStatus{Status: conversation.StatusCompleted},
	}
	for _, ev := range events {
		require.NoError(t, enc.WriteTurnEvent(ev))
	}
	require.NoError(t, enc.WriteTurnEvent(conversation.ErrorEvent{Message: "late failure"}))

	dec := NewDecoder(&buf)
	for i := range events {
		p, err := dec.Next()
		require.NoError(t, err)
		ev, err := DecodeTurnEvent(ParsePayload(p))
		require.NoError(t, err)
		require.Equal(t, events[i].Kind(), ev.Kind())
	}
	p, err := dec.Next()
	require.NoError(t, err)
	_, err = DecodeTurnEvent(ParsePayload(p))
	require.EqualError(t, err, "late failure")

	_, err = ToWire(nil)
	require.Error(t, err)
}

func TestMessageCreatedRecord(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	msg := conversation.NewTextMessage(conversation.RoleUser, "from telegram", "telegram", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	msg.BotID = "b1"
	require.NoError(t, enc.WriteMessageCreated("b1", msg))
	require.NoError(t, enc.WriteComment("ping"))
	require.NoError(t, enc.WriteText("multi\nline"))

	dec := NewDecoder(&buf)
	p, err := dec.Next()
	require.NoError(t, err)
	mc, ok := DecodeMessageCreated(ParsePayload(p))
	require.True(t, ok)
	require.Equal(t, "b1", mc.BotID)
	require.Equal(t, msg.ID, mc.Message.ID)
	require.Equal(t, "telegram", mc.Message.Platform)
	require.True(t, mc.Message.CreatedAt.Equal(msg.CreatedAt))

	p, err = dec.Next()
	require.NoError(t, err)
	pl := ParsePayload(p)
	require.Equal(t, PayloadText, pl.Kind)
	require.Equal(t, "multi\nline", pl.Text)
	_, ok = DecodeMessageCreated(pl)
	require.False(t, ok)
}
