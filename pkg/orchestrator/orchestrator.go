package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/schedule"
	"github.com/alexma233/Memoh/pkg/tools"
)

const (
	DefaultMaxSteps = 10
	eventBuffer     = 16
)

// MemoryProvider is the part of memory.Provider a turn needs.
type MemoryProvider interface {
	ContextFor(ctx context.Context, subject string, horizon time.Duration, now time.Time) ([]conversation.MemoryUnit, error)
	Write(ctx context.Context, unit conversation.MemoryUnit) error
}

// ToolInvoker is the part of tools.Registry a turn needs.
type ToolInvoker interface {
	Definitions() []tools.Definition
	Invoke(ctx context.Context, identity conversation.Identity, name string, input json.RawMessage) tools.Result
}

type Config struct {
	Model            Model
	Tools            ToolInvoker
	Memory           MemoryProvider
	Profile          Profile
	Tokens           TokenCounter
	MaxContextTokens int
	MaxSteps         int
	Language         string
	Now              func() time.Time
}

// Orchestrator runs turns. Turns share nothing but the memory provider and
// the tool registry.
type Orchestrator struct {
	model            Model
	tools            ToolInvoker
	memory           MemoryProvider
	profile          Profile
	tokens           TokenCounter
	maxContextTokens int
	maxSteps         int
	language         string
	now              func() time.Time
	tracer           trace.Tracer
	writes           conc.WaitGroup
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Model == nil {
		return nil, errors.New("orchestrator model is nil")
	}
	o := &Orchestrator{
		model:            cfg.Model,
		tools:            cfg.Tools,
		memory:           cfg.Memory,
		profile:          cfg.Profile,
		tokens:           cfg.Tokens,
		maxContextTokens: cfg.MaxContextTokens,
		maxSteps:         cfg.MaxSteps,
		language:         cfg.Language,
		now:              cfg.Now,
		tracer:           otel.Tracer("memoh/orchestrator"),
	}
	if o.tokens == nil {
		o.tokens = ApproxCounter{}
	}
	if o.maxSteps <= 0 {
		o.maxSteps = DefaultMaxSteps
	}
	if o.language == "" {
		o.language = "Same as the user input"
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// ProcessingError is a turn that failed after it started.
type ProcessingError struct {
	Message string
}

func (e *ProcessingError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// emitter enforces that at most one terminal event is sent and nothing
// follows it.
type emitter struct {
	ctx        context.Context
	ch         chan<- conversation.StreamEvent
	terminated bool
}

func (e *emitter) emit(ev conversation.StreamEvent) bool {
	if e.terminated {
		return false
	}
	if conversation.IsTerminal(ev) {
		e.terminated = true
	}
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *emitter) fail(err error) {
	if e.terminated {
		return
	}
	msg := "turn failed"
	if err != nil {
		msg = err.Error()
	}
	e.emit(conversation.ErrorEvent{Message: msg})
}

// RunTurn validates req and starts the turn. The returned channel yields the
// turn's text deltas and tool pairs in order, ends with exactly one
// TurnComplete or ErrorEvent, and is then closed. If ctx is cancelled the
// channel is closed early and nothing is written back.
func (o *Orchestrator) RunTurn(ctx context.Context, req conversation.TurnRequest) (<-chan conversation.StreamEvent, error) {
	if o == nil {
		return nil, errors.New("orchestrator is nil")
	}
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.TurnID) == "" {
		req.TurnID = uuid.NewString()
	}
	if req.Now.IsZero() {
		req.Now = o.now()
	}

	ch := make(chan conversation.StreamEvent, eventBuffer)
	em := &emitter{ctx: ctx, ch: ch}
	go func() {
		defer close(ch)
		defer func() {
			if p := recover(); p != nil {
				log.Error().Str("component", "orchestrator").Str("turn_id", req.TurnID).Interface("panic", p).Msg("turn panicked")
				em.fail(errors.Errorf("turn panicked: %v", p))
			}
		}()

		ctx, span := o.tracer.Start(ctx, "orchestrator.run_turn", trace.WithAttributes(
			attribute.String("turn.id", req.TurnID),
			attribute.String("bot.id", req.Identity.BotID),
		))
		defer span.End()

		lg := log.With().Str("component", "orchestrator").Str("turn_id", req.TurnID).Str("bot_id", req.Identity.BotID).Logger()
		lg.Debug().Msg("turn started")

		msgs, err := o.loop(ctx, req, em)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			lg.Warn().Err(err).Msg("turn failed")
			em.fail(err)
			return
		}
		if !em.emit(conversation.TurnComplete{Messages: msgs}) {
			return
		}
		lg.Debug().Int("messages", len(msgs)).Msg("turn completed")
		o.writeBack(ctx, req, msgs)
	}()
	return ch, nil
}

func (o *Orchestrator) writeBack(ctx context.Context, req conversation.TurnRequest, msgs []conversation.Message) {
	if o.memory == nil {
		return
	}
	unit := conversation.MemoryUnit{
		ID:        req.TurnID,
		Messages:  msgs,
		Timestamp: req.Now.UTC(),
		Subject:   req.Subject(),
	}
	wctx := context.WithoutCancel(ctx)
	o.writes.Go(func() {
		if err := o.memory.Write(wctx, unit); err != nil {
			log.Debug().Err(err).Str("component", "orchestrator").Str("turn_id", unit.ID).Msg("write-back reported failure")
		}
	})
}

// Wait blocks until pending memory write-backs finish.
func (o *Orchestrator) Wait() {
	if o == nil {
		return
	}
	if r := o.writes.WaitAndRecover(); r != nil {
		log.Error().Str("component", "orchestrator").Str("panic", r.String()).Msg("write-back panicked")
	}
}

func (o *Orchestrator) loop(ctx context.Context, req conversation.TurnRequest, em *emitter) ([]conversation.Message, error) {
	channel := strings.TrimSpace(req.CurrentChannel)
	if channel == "" {
		channel = req.Identity.Channel
	}
	language := req.Language
	if language == "" {
		language = o.language
	}
	system, err := o.profile.BuildSystem(SystemParams{
		Now:            req.Now,
		Language:       language,
		ContextHorizon: req.ContextHorizon,
		Channels:       req.Channels,
	})
	if err != nil {
		return nil, err
	}
	userPrompt, err := BuildUser(req.Query, UserParams{
		ChannelIdentityID: req.Identity.ChannelIdentityID,
		DisplayName:       req.Identity.DisplayName,
		Channel:           channel,
		Time:              req.Now,
		Attachments:       req.Attachments,
	})
	if err != nil {
		return nil, err
	}

	userMsg := conversation.NewTextMessage(conversation.RoleUser, req.Query, channel, req.Now)
	userMsg.BotID = req.Identity.BotID
	modelUser := userMsg
	modelUser.Content, _ = json.Marshal(userPrompt)

	convo := append(o.contextMessages(ctx, req), modelUser)
	turn := []conversation.Message{userMsg}

	var defs []tools.Definition
	if o.tools != nil {
		defs = o.tools.Definitions()
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = o.maxSteps
	}

	for step := 1; ; step++ {
		text, calls, err := o.step(ctx, ModelRequest{System: system, Messages: convo, Tools: defs}, em)
		if err != nil {
			return nil, err
		}

		parts := make([]conversation.Part, 0, len(calls)+1)
		if text != "" {
			parts = append(parts, conversation.Part{Type: conversation.PartText, Text: text})
		}
		for _, c := range calls {
			parts = append(parts, conversation.Part{Type: conversation.PartToolCall, ToolCallID: c.ID, ToolName: c.Name, Input: c.Input})
		}
		if len(parts) > 0 {
			am := conversation.NewPartsMessage(conversation.RoleAssistant, parts, channel, o.now())
			am.BotID = req.Identity.BotID
			turn = append(turn, am)
			convo = append(convo, am)
		}
		if len(calls) == 0 {
			break
		}

		results := make([]conversation.Part, 0, len(calls))
		terminate := false
		for _, c := range calls {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !em.emit(conversation.ToolCall{ID: c.ID, Name: c.Name, Input: c.Input}) {
				return nil, errors.Wrap(ctx.Err(), "emit tool call")
			}
			res := o.invoke(ctx, req.Identity, c)
			if !em.emit(conversation.ToolResult{ID: c.ID, Name: c.Name, Output: res.Output, IsError: res.IsError}) {
				return nil, errors.Wrap(ctx.Err(), "emit tool result")
			}
			results = append(results, conversation.Part{
				Type:       conversation.PartToolResult,
				ToolCallID: c.ID,
				ToolName:   c.Name,
				Output:     res.Output,
				IsError:    res.IsError,
			})
			terminate = terminate || res.Terminate
		}
		tm := conversation.NewPartsMessage(conversation.RoleTool, results, channel, o.now())
		tm.BotID = req.Identity.BotID
		turn = append(turn, tm)
		convo = append(convo, tm)

		if terminate || step >= maxSteps {
			break
		}
	}
	return turn, nil
}

func (o *Orchestrator) invoke(ctx context.Context, identity conversation.Identity, c ToolCallRequest) tools.Result {
	if o.tools == nil {
		return tools.ErrorResult("tools are not available")
	}
	return o.tools.Invoke(ctx, identity, c.Name, c.Input)
}

func (o *Orchestrator) step(ctx context.Context, mreq ModelRequest, em *emitter) (string, []ToolCallRequest, error) {
	stream, err := o.model.Stream(ctx, mreq)
	if err != nil {
		return "", nil, errors.Wrap(err, "model stream")
	}
	var (
		sb    strings.Builder
		calls []ToolCallRequest
	)
	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				return sb.String(), calls, nil
			}
			if chunk.Err != nil {
				return "", nil, errors.Wrap(chunk.Err, "model stream")
			}
			if chunk.TextDelta != "" {
				sb.WriteString(chunk.TextDelta)
				if !em.emit(conversation.TextDelta{Text: chunk.TextDelta}) {
					return "", nil, errors.Wrap(ctx.Err(), "emit text delta")
				}
			}
			if chunk.ToolCall != nil {
				c := *chunk.ToolCall
				if strings.TrimSpace(c.ID) == "" {
					c.ID = uuid.NewString()
				}
				if len(c.Input) == 0 {
					c.Input = json.RawMessage(`{}`)
				}
				calls = append(calls, c)
			}
		}
	}
}

// contextMessages returns memory-window messages followed by the request's
// prior messages, deduplicated by id and trimmed oldest-first to the token
// budget.
func (o *Orchestrator) contextMessages(ctx context.Context, req conversation.TurnRequest) []conversation.Message {
	seen := map[string]struct{}{}
	for _, m := range req.PriorMessages {
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
	}
	var out []conversation.Message
	if o.memory != nil && req.ContextHorizon > 0 {
		units, err := o.memory.ContextFor(ctx, req.Subject(), req.ContextHorizon, req.Now)
		if err != nil {
			log.Warn().Err(err).Str("component", "orchestrator").Str("turn_id", req.TurnID).Msg("memory context unavailable, continuing without it")
		}
		for _, u := range units {
			for _, m := range u.Messages {
				if _, dup := seen[m.ID]; dup && m.ID != "" {
					continue
				}
				if m.ID != "" {
					seen[m.ID] = struct{}{}
				}
				out = append(out, m)
			}
		}
	}
	out = append(out, req.PriorMessages...)
	return o.trim(out)
}

func (o *Orchestrator) trim(msgs []conversation.Message) []conversation.Message {
	if o.maxContextTokens <= 0 || len(msgs) == 0 {
		return msgs
	}
	counts := make([]int, len(msgs))
	total := 0
	for i, m := range msgs {
		counts[i] = o.tokens.Count(m.Text())
		total += counts[i]
	}
	start := 0
	for total > o.maxContextTokens && start < len(msgs) {
		total -= counts[start]
		start++
	}
	return msgs[start:]
}

// TurnResult is the unary outcome of a turn.
type TurnResult struct {
	// Messages is the prior sequence followed by the turn's new messages.
	Messages    []conversation.Message
	NewMessages []conversation.Message
	Text        string
}

// Drain consumes a turn's events. It returns *ProcessingError if the turn
// ended with ErrorEvent, along with any partial text.
func Drain(events <-chan conversation.StreamEvent) (TurnResult, error) {
	var (
		res      TurnResult
		sb       strings.Builder
		terminal bool
		failure  error
	)
	for ev := range events {
		switch e := ev.(type) {
		case conversation.TextDelta:
			sb.WriteString(e.Text)
		case conversation.TurnComplete:
			terminal = true
			res.NewMessages = e.Messages
		case conversation.ErrorEvent:
			terminal = true
			failure = &ProcessingError{Message: e.Message}
		}
	}
	res.Text = sb.String()
	if failure != nil {
		return res, failure
	}
	if !terminal {
		return res, errors.New("turn ended without a terminal event")
	}
	return res, nil
}

// Ask runs a turn to completion.
func (o *Orchestrator) Ask(ctx context.Context, req conversation.TurnRequest) (TurnResult, error) {
	events, err := o.RunTurn(ctx, req)
	if err != nil {
		return TurnResult{}, err
	}
	res, err := Drain(events)
	res.Messages = append(append([]conversation.Message{}, req.PriorMessages...), res.NewMessages...)
	return res, err
}

// TriggerSchedule runs the immediate turn of a scheduled trigger.
func (o *Orchestrator) TriggerSchedule(ctx context.Context, req conversation.TurnRequest, d schedule.Descriptor) (TurnResult, error) {
	if err := d.Validate(); err != nil {
		return TurnResult{}, &conversation.ValidationError{Field: "schedule", Reason: err.Error()}
	}
	now := req.Now
	if now.IsZero() {
		now = o.now()
	}
	query, err := BuildScheduleQuery(d, now)
	if err != nil {
		return TurnResult{}, err
	}
	req.Query = query
	req.Now = now
	return o.Ask(ctx, req)
}
