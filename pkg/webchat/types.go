package webchat

import (
	"strings"
	"time"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/persistence/chatstore"
	"github.com/alexma233/Memoh/pkg/schedule"
)

// ChatRequestBody is the JSON body of chat submissions.
type ChatRequestBody struct {
	Query              string                 `json:"query"`
	BotID              string                 `json:"bot_id,omitempty"`
	ChannelIdentityID  string                 `json:"channel_identity_id,omitempty"`
	DisplayName        string                 `json:"display_name,omitempty"`
	Channel            string                 `json:"channel,omitempty"`
	ReplyTarget        string                 `json:"reply_target,omitempty"`
	CurrentChannel     string                 `json:"current_channel,omitempty"`
	Channels           []string               `json:"channels,omitempty"`
	Messages           []conversation.Message `json:"messages,omitempty"`
	Language           string                 `json:"language,omitempty"`
	MaxSteps           int                    `json:"max_steps,omitempty"`
	MaxContextLoadTime *int                   `json:"max_context_load_time,omitempty"`
	Attachments        []string               `json:"attachments,omitempty"`
	IdempotencyKey     string                 `json:"idempotency_key,omitempty"`
}

// ScheduleRequestBody registers a schedule and runs it once immediately.
type ScheduleRequestBody struct {
	ChatRequestBody
	Schedule schedule.Descriptor `json:"schedule"`
}

// ChatResponse is the unary result of a turn.
type ChatResponse struct {
	IdempotencyKey string                  `json:"idempotency_key,omitempty"`
	Status         chatstore.RequestStatus `json:"status,omitempty"`
	Messages       []conversation.Message  `json:"messages"`
	Text           string                  `json:"text,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

type ScheduleResponse struct {
	ChatResponse
	Schedule schedule.Descriptor `json:"schedule"`
	NextRun  *time.Time          `json:"next_run,omitempty"`
}

type MessagesPage struct {
	Messages []conversation.Message `json:"messages"`
	HasMore  bool                   `json:"has_more"`
}

type MemorySearchBody struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type ErrorBody struct {
	Error string `json:"error"`
}

// Defaults fill in request fields the client left out.
type Defaults struct {
	Channels       []string
	CurrentChannel string
	ContextHorizon time.Duration
	Language       string
	MaxSteps       int
}

// toTurnRequest builds a TurnRequest. botID, when set, overrides the body.
func (b ChatRequestBody) toTurnRequest(botID string, d Defaults) conversation.TurnRequest {
	if strings.TrimSpace(botID) == "" {
		botID = b.BotID
	}
	channels := b.Channels
	if len(channels) == 0 {
		channels = d.Channels
	}
	current := strings.TrimSpace(b.CurrentChannel)
	if current == "" {
		current = d.CurrentChannel
	}
	channel := strings.TrimSpace(b.Channel)
	if channel == "" {
		channel = current
	}
	horizon := d.ContextHorizon
	if b.MaxContextLoadTime != nil {
		horizon = time.Duration(*b.MaxContextLoadTime) * time.Minute
	}
	language := b.Language
	if language == "" {
		language = d.Language
	}
	maxSteps := b.MaxSteps
	if maxSteps == 0 {
		maxSteps = d.MaxSteps
	}
	return conversation.TurnRequest{
		Query:         b.Query,
		PriorMessages: b.Messages,
		Identity: conversation.Identity{
			BotID:             strings.TrimSpace(botID),
			ChannelIdentityID: b.ChannelIdentityID,
			DisplayName:       b.DisplayName,
			Channel:           channel,
			ReplyTarget:       b.ReplyTarget,
		},
		Language:       language,
		MaxSteps:       maxSteps,
		ContextHorizon: horizon,
		Channels:       channels,
		CurrentChannel: current,
		Attachments:    b.Attachments,
	}
}
