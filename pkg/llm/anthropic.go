// Package llm adapts model providers to the orchestrator's Model interface.
package llm

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/orchestrator"
	"github.com/alexma233/Memoh/pkg/tools"
)

const (
	DefaultAnthropicModel = anthropic.ModelClaude3_7SonnetLatest
	DefaultMaxTokens      = 1024
)

type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	// Options are appended after the ones derived from the fields above.
	Options []option.RequestOption
}

// AnthropicModel runs each generation step as one Messages call and replays
// the response content as chunks.
type AnthropicModel struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

var _ orchestrator.Model = (*AnthropicModel)(nil)

func NewAnthropicModel(cfg AnthropicConfig) *AnthropicModel {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &AnthropicModel{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (m *AnthropicModel) Stream(ctx context.Context, req orchestrator.ModelRequest) (<-chan orchestrator.ModelChunk, error) {
	params := anthropic.MessageNewParams{
		Model:     m.model,
		MaxTokens: m.maxTokens,
		Messages:  toMessageParams(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		toolParams, err := toToolParams(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = toolParams
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic messages")
	}
	log.Debug().
		Str("model", string(m.model)).
		Int64("input_tokens", msg.Usage.InputTokens).
		Int64("output_tokens", msg.Usage.OutputTokens).
		Str("stop_reason", string(msg.StopReason)).
		Msg("anthropic step finished")

	out := make(chan orchestrator.ModelChunk, len(msg.Content))
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			if v.Text != "" {
				out <- orchestrator.ModelChunk{TextDelta: v.Text}
			}
		case anthropic.ToolUseBlock:
			out <- orchestrator.ModelChunk{ToolCall: &orchestrator.ToolCallRequest{
				ID:    v.ID,
				Name:  v.Name,
				Input: json.RawMessage(v.JSON.Input.Raw()),
			}}
		}
	}
	close(out)
	return out, nil
}

// toMessageParams maps the log onto user and assistant turns. Tool results
// travel as user content, which is where the API expects them.
func toMessageParams(msgs []conversation.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, p := range msg.Parts() {
			switch p.Type {
			case conversation.PartText:
				if p.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				}
			case conversation.PartToolCall:
				input := p.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    p.ToolCallID,
					Name:  p.ToolName,
					Input: input,
				}})
			case conversation.PartToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(p.ToolCallID, outputText(p.Output), p.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == conversation.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func outputText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func toToolParams(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		if len(d.InputSchema) > 0 {
			if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
				return nil, errors.Wrapf(err, "tool %s schema", d.Name)
			}
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}})
	}
	return out, nil
}
