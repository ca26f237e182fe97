package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is an append-only conversation entry. Content holds either a JSON
// string or an array of Parts.
type Message struct {
	ID        string          `json:"id"`
	BotID     string          `json:"bot_id,omitempty"`
	Role      Role            `json:"role"`
	Content   json.RawMessage `json:"content,omitempty"`
	Platform  string          `json:"platform,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Part is one element of a structured message content array.
type Part struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

const (
	PartText       = "text"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
)

func NewID() string { return uuid.NewString() }

// NewTextMessage builds a message whose content is a plain JSON string.
func NewTextMessage(role Role, text string, platform string, at time.Time) Message {
	b, _ := json.Marshal(text)
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   b,
		Platform:  platform,
		CreatedAt: at.UTC(),
	}
}

// NewPartsMessage builds a message with structured content.
func NewPartsMessage(role Role, parts []Part, platform string, at time.Time) Message {
	b, _ := json.Marshal(parts)
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   b,
		Platform:  platform,
		CreatedAt: at.UTC(),
	}
}

// Parts decodes Content. A string becomes a single text part; an object with
// a nested "content" field is unwrapped.
func (m Message) Parts() []Part {
	return partsFromRaw(m.Content, 0)
}

func partsFromRaw(raw json.RawMessage, depth int) []Part {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || depth > 2 {
		return nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		return []Part{{Type: PartText, Text: s}}
	case '[':
		var parts []Part
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil
		}
		return parts
	case '{':
		var wrapper struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Content) > 0 {
			return partsFromRaw(wrapper.Content, depth+1)
		}
		var p Part
		if err := json.Unmarshal(raw, &p); err == nil && p.Type != "" {
			return []Part{p}
		}
	}
	return nil
}

// Text joins the text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts() {
		if p.Type != PartText || p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return strings.TrimSpace(sb.String())
}

// Identity is the caller context a turn runs under.
type Identity struct {
	BotID             string `json:"bot_id"`
	ChannelIdentityID string `json:"channel_identity_id,omitempty"`
	DisplayName       string `json:"display_name,omitempty"`
	Channel           string `json:"channel,omitempty"`
	ReplyTarget       string `json:"reply_target,omitempty"`
}

// MemoryUnit is the write-back record of one completed turn.
type MemoryUnit struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
}
