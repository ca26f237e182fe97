package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/alexma233/Memoh/pkg/conversation"
)

const SendMessageInstruction = "Message delivered successfully. You have completed your response. Please STOP now and do not call any more tools."

// OutboundMessage is what a Messenger delivers to a channel.
type OutboundMessage struct {
	BotID             string
	Platform          string
	Target            string
	ChannelIdentityID string
	Text              string
	Attachments       []string
}

// Messenger delivers messages to external channels.
type Messenger interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// MessageBody accepts either a bare string or {"text": ..., "attachments": [...]}.
type MessageBody struct {
	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

func (m *MessageBody) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" {
		return nil
	}
	if raw[0] == '"' {
		return json.Unmarshal(b, &m.Text)
	}
	type plain MessageBody
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return errors.New("message must be object or string")
	}
	*m = MessageBody(p)
	return nil
}

func (MessageBody) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Description: "Message text or structured payload with text and attachments",
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "object"},
		},
	}
}

func (m MessageBody) empty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Attachments) == 0
}

type SendMessageInput struct {
	BotID             string       `json:"bot_id,omitempty" jsonschema:"description=Bot ID. Defaults to the current bot"`
	Platform          string       `json:"platform,omitempty" jsonschema:"description=Channel platform name. Defaults to the current channel"`
	Target            string       `json:"target,omitempty" jsonschema:"description=Channel target such as a chat or thread ID"`
	ChannelIdentityID string       `json:"channel_identity_id,omitempty" jsonschema:"description=Target identity ID when direct target is absent"`
	ToUserID          string       `json:"to_user_id,omitempty" jsonschema:"description=Alias for channel_identity_id"`
	Text              string       `json:"text,omitempty" jsonschema:"description=Message text shortcut when message is omitted"`
	Message           *MessageBody `json:"message,omitempty"`
}

type SendMessageOutput struct {
	OK                bool   `json:"ok"`
	BotID             string `json:"bot_id"`
	Platform          string `json:"platform"`
	Target            string `json:"target,omitempty"`
	ChannelIdentityID string `json:"channel_identity_id,omitempty"`
	Instruction       string `json:"instruction"`
}

func (o SendMessageOutput) TerminatesTurn() bool { return o.OK }

// NewSendMessageTool builds send_message. channel_identity_id is canonical;
// to_user_id is accepted as an alias.
func NewSendMessageTool(m Messenger) (Tool, error) {
	if m == nil {
		return Tool{}, errors.New("send_message: messenger is nil")
	}
	return NewTool(SendMessage, "Send a message to a channel or session",
		func(ctx context.Context, identity conversation.Identity, in SendMessageInput) (SendMessageOutput, error) {
			current := strings.TrimSpace(identity.BotID)
			botID := strings.TrimSpace(in.BotID)
			if botID == "" {
				botID = current
			}
			if botID == "" {
				return SendMessageOutput{}, errors.New("bot_id is required")
			}
			if current != "" && botID != current {
				return SendMessageOutput{}, errors.New("bot_id mismatch")
			}
			platform := strings.TrimSpace(in.Platform)
			if platform == "" {
				platform = strings.TrimSpace(identity.Channel)
			}
			if platform == "" {
				return SendMessageOutput{}, errors.New("platform is required")
			}

			var body MessageBody
			if in.Message != nil {
				body = *in.Message
			}
			if body.empty() && strings.TrimSpace(in.Text) != "" {
				body.Text = in.Text
			}
			body.Text = strings.TrimSpace(body.Text)
			if body.empty() {
				return SendMessageOutput{}, errors.New("message is required")
			}

			target := strings.TrimSpace(in.Target)
			if target == "" {
				target = strings.TrimSpace(identity.ReplyTarget)
			}
			channelIdentityID := strings.TrimSpace(in.ChannelIdentityID)
			if channelIdentityID == "" {
				channelIdentityID = strings.TrimSpace(in.ToUserID)
			}
			if target == "" && channelIdentityID == "" {
				return SendMessageOutput{}, errors.New("target or channel_identity_id is required")
			}

			err := m.Send(ctx, OutboundMessage{
				BotID:             botID,
				Platform:          platform,
				Target:            target,
				ChannelIdentityID: channelIdentityID,
				Text:              body.Text,
				Attachments:       body.Attachments,
			})
			if err != nil {
				log.Warn().Err(err).Str("component", "tools").Str("bot_id", botID).Str("platform", platform).Msg("send message failed")
				return SendMessageOutput{}, err
			}
			return SendMessageOutput{
				OK:                true,
				BotID:             botID,
				Platform:          platform,
				Target:            target,
				ChannelIdentityID: channelIdentityID,
				Instruction:       SendMessageInstruction,
			}, nil
		})
}
