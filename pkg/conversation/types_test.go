package conversation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageText(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	plain := NewTextMessage(RoleUser, "hello", "web", at)
	require.Equal(t, "hello", plain.Text())
	require.NotEmpty(t, plain.ID)

	parts := NewPartsMessage(RoleAssistant, []Part{
		{Type: PartText, Text: "one"},
		{Type: PartToolCall, ToolName: "search_memory", Input: json.RawMessage(`{"query":"x"}`)},
		{Type: PartText, Text: "two"},
	}, "", at)
	require.Equal(t, "one\ntwo", parts.Text())
	require.Len(t, parts.Parts(), 3)

	wrapped := Message{Role: RoleAssistant, Content: json.RawMessage(`{"role":"assistant","content":"inner"}`)}
	require.Equal(t, "inner", wrapped.Text())

	empty := Message{Role: RoleAssistant}
	require.Equal(t, "", empty.Text())
}

func TestCursorAdvanceIsMonotonic(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var c Cursor
	require.True(t, c.IsZero())

	c = c.Advance(t0.Add(10 * time.Minute))
	require.Equal(t, CursorAt(t0.Add(10*time.Minute)), c)

	c = c.Advance(t0.Add(5 * time.Minute))
	require.Equal(t, CursorAt(t0.Add(10*time.Minute)), c)

	c = c.Advance(time.Time{})
	require.Equal(t, CursorAt(t0.Add(10*time.Minute)), c)

	c = c.Advance(t0.Add(20 * time.Minute))
	got, ok := c.Time()
	require.True(t, ok)
	require.True(t, got.Equal(t0.Add(20*time.Minute)))

	require.Equal(t, CursorAt(t0), Cursor("garbage").Advance(t0))
}

func TestTurnRequestValidate(t *testing.T) {
	err := TurnRequest{}.Validate()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "query", ve.Field)

	require.NoError(t, TurnRequest{Query: "hi"}.Validate())
	require.Error(t, TurnRequest{Query: "hi", MaxSteps: -1}.Validate())

	req := TurnRequest{Query: "hi", Identity: Identity{ChannelIdentityID: "u1"}}
	require.Equal(t, "u1", req.Subject())
	req.Identity.BotID = "b1"
	require.Equal(t, "b1", req.Subject())
}

func TestIsTerminal(t *testing.T) {
	require.True(t, IsTerminal(TurnComplete{}))
	require.True(t, IsTerminal(ErrorEvent{Message: "x"}))
	require.False(t, IsTerminal(TextDelta{Text: "x"}))
	require.False(t, IsTerminal(ProcessingStatus{Status: StatusStarted}))
}
