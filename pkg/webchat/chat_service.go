package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/memory"
	"github.com/alexma233/Memoh/pkg/orchestrator"
	"github.com/alexma233/Memoh/pkg/persistence/chatstore"
	"github.com/alexma233/Memoh/pkg/schedule"
)

// DefaultHistoryMessages is how many logged messages a bot turn sees when
// the client sends no prior messages.
const DefaultHistoryMessages = 20

// TurnRunner runs turns. *orchestrator.Orchestrator implements it.
type TurnRunner interface {
	RunTurn(ctx context.Context, req conversation.TurnRequest) (<-chan conversation.StreamEvent, error)
	TriggerSchedule(ctx context.Context, req conversation.TurnRequest, d schedule.Descriptor) (orchestrator.TurnResult, error)
}

// MemorySearcher serves memory search requests.
type MemorySearcher interface {
	SearchSemantic(ctx context.Context, query, subject string, limit int) ([]memory.SearchHit, error)
}

type ChatServiceConfig struct {
	BaseCtx  context.Context
	Turns    TurnRunner
	Messages chatstore.MessageStore
	Requests chatstore.RequestStore
	Hub      *EventHub
	Memory   MemorySearcher
	Defaults Defaults
	// EnableSchedules builds a cron scheduler that replays registered
	// schedules through Turns.
	EnableSchedules bool
}

// ChatService runs turns for HTTP handlers. Turns for the same bot run one
// at a time; their messages are appended to the bot's log and announced on
// the event hub.
type ChatService struct {
	baseCtx   context.Context
	turns     TurnRunner
	messages  chatstore.MessageStore
	requests  chatstore.RequestStore
	hub       *EventHub
	memory    MemorySearcher
	defaults  Defaults
	scheduler *schedule.Scheduler
	queue     botQueue
}

func NewChatService(cfg ChatServiceConfig) (*ChatService, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("chat service base context is nil")
	}
	if cfg.Turns == nil {
		return nil, errors.New("chat service turn runner is nil")
	}
	s := &ChatService{
		baseCtx:  cfg.BaseCtx,
		turns:    cfg.Turns,
		messages: cfg.Messages,
		requests: cfg.Requests,
		hub:      cfg.Hub,
		memory:   cfg.Memory,
		defaults: cfg.Defaults,
		queue:    botQueue{slots: map[string]chan struct{}{}},
	}
	if cfg.EnableSchedules {
		sched, err := schedule.New(schedule.Config{BaseCtx: cfg.BaseCtx, Runner: s.RunScheduled})
		if err != nil {
			return nil, err
		}
		s.scheduler = sched
	}
	return s, nil
}

func (s *ChatService) Scheduler() *schedule.Scheduler {
	if s == nil {
		return nil
	}
	return s.scheduler
}

// EventSink receives turn events as they happen.
type EventSink func(ev conversation.StreamEvent) error

// Submission is one turn submitted by a client.
type Submission struct {
	BotID          string
	IdempotencyKey string
	Body           ChatRequestBody
	// Persist appends the turn's messages to the bot log.
	Persist bool
}

// Replayed marks a response served from an earlier request with the same
// idempotency key.
type Replayed struct {
	Response ChatResponse
}

func (r *Replayed) Error() string {
	return "request already submitted with status " + string(r.Response.Status)
}

// Submit runs a turn, forwarding events to sink when non-nil. A repeated
// idempotency key returns *Replayed with the stored outcome.
func (s *ChatService) Submit(ctx context.Context, sub Submission, sink EventSink) (ChatResponse, error) {
	if s == nil {
		return ChatResponse{}, errors.New("chat service is nil")
	}
	botID := strings.TrimSpace(sub.BotID)
	req := sub.Body.toTurnRequest(botID, s.defaults)
	botID = req.Identity.BotID
	if err := req.Validate(); err != nil {
		return ChatResponse{}, err
	}
	if sub.Persist && botID == "" {
		return ChatResponse{}, &conversation.ValidationError{Field: "bot_id", Reason: "bot id is required"}
	}
	if sub.Persist && s.messages == nil {
		return ChatResponse{}, errors.New("message store is not configured")
	}

	key := strings.TrimSpace(sub.IdempotencyKey)
	tracked := key != "" && botID != "" && s.requests != nil
	if tracked {
		rec, created, err := s.requests.Begin(ctx, chatstore.RequestRecord{BotID: botID, IdempotencyKey: key, Status: chatstore.RequestQueued})
		if err != nil {
			return ChatResponse{}, errors.Wrap(err, "record request")
		}
		if !created {
			return ChatResponse{}, &Replayed{Response: responseFromRecord(rec)}
		}
	}

	lg := log.With().Str("component", "webchat").Str("bot_id", botID).Str("idempotency_key", key).Logger()

	if sub.Persist {
		release, err := s.queue.acquire(ctx, botID)
		if err != nil {
			s.finish(key, botID, tracked, ChatResponse{}, err)
			return ChatResponse{}, err
		}
		defer release()
		if len(req.PriorMessages) == 0 {
			history, err := s.messages.ListBefore(ctx, botID, time.Time{}, DefaultHistoryMessages)
			if err != nil {
				lg.Warn().Err(err).Msg("loading history failed, continuing without it")
			}
			req.PriorMessages = history
		}
	}
	if tracked {
		if err := s.requests.Finish(ctx, botID, key, chatstore.RequestRunning, "", ""); err != nil {
			lg.Warn().Err(err).Msg("marking request running failed")
		}
	}

	var status *statusSink
	if sub.Persist && sink != nil {
		status = &statusSink{sink: sink}
		status.start()
		sink = status.forward
	}
	resp, err := s.drive(ctx, req, sink)
	if err != nil && status != nil {
		status.fail(err.Error())
	}
	resp.IdempotencyKey = key
	if err == nil && sub.Persist {
		s.persist(ctx, resp.Messages)
	}
	resp = s.finish(key, botID, tracked, resp, err)
	return resp, err
}

// statusSink frames a bot-scoped turn with processing_started and a
// processing_completed or processing_failed record ahead of the terminal one.
type statusSink struct {
	sink EventSink
	done bool
}

func (s *statusSink) start() {
	if err := s.sink(conversation.ProcessingStatus{Status: conversation.StatusStarted}); err != nil {
		s.done = true
	}
}

func (s *statusSink) forward(ev conversation.StreamEvent) error {
	if s.done {
		return errors.New("event sink closed")
	}
	var st conversation.ProcessingStatus
	switch e := ev.(type) {
	case conversation.TurnComplete:
		st = conversation.ProcessingStatus{Status: conversation.StatusCompleted}
	case conversation.ErrorEvent:
		st = conversation.ProcessingStatus{Status: conversation.StatusFailed, Error: e.Message}
	default:
		return s.sink(ev)
	}
	s.done = true
	if err := s.sink(st); err != nil {
		return err
	}
	return s.sink(ev)
}

// fail reports a turn that ended without a terminal event.
func (s *statusSink) fail(msg string) {
	if s.done {
		return
	}
	s.done = true
	_ = s.sink(conversation.ProcessingStatus{Status: conversation.StatusFailed, Error: msg})
}

func (s *ChatService) drive(ctx context.Context, req conversation.TurnRequest, sink EventSink) (ChatResponse, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := s.turns.RunTurn(runCtx, req)
	if err != nil {
		return ChatResponse{}, err
	}

	var (
		resp     ChatResponse
		text     strings.Builder
		failure  error
		terminal bool
	)
	for ev := range events {
		if sink != nil {
			if err := sink(ev); err != nil {
				// Client is gone; stop the turn.
				cancel()
				sink = nil
			}
		}
		switch e := ev.(type) {
		case conversation.TextDelta:
			text.WriteString(e.Text)
		case conversation.TurnComplete:
			terminal = true
			resp.Messages = e.Messages
		case conversation.ErrorEvent:
			terminal = true
			failure = &orchestrator.ProcessingError{Message: e.Message}
		}
	}
	resp.Text = text.String()
	if resp.Messages == nil {
		resp.Messages = []conversation.Message{}
	}
	if failure != nil {
		return resp, failure
	}
	if !terminal {
		if err := ctx.Err(); err != nil {
			return resp, errors.Wrap(err, "turn cancelled")
		}
		return resp, errors.New("turn ended without a terminal event")
	}
	return resp, nil
}

func (s *ChatService) finish(key, botID string, tracked bool, resp ChatResponse, err error) ChatResponse {
	if err != nil {
		resp.Status = chatstore.RequestError
		resp.Error = err.Error()
	} else {
		resp.Status = chatstore.RequestCompleted
	}
	if !tracked {
		return resp
	}
	stored := ""
	if b, merr := json.Marshal(resp); merr == nil {
		stored = string(b)
	}
	// The request context may already be cancelled.
	if ferr := s.requests.Finish(context.WithoutCancel(s.baseCtx), botID, key, resp.Status, stored, resp.Error); ferr != nil {
		log.Warn().Err(ferr).Str("component", "webchat").Str("bot_id", botID).Str("idempotency_key", key).Msg("recording request outcome failed")
	}
	return resp
}

func responseFromRecord(rec chatstore.RequestRecord) ChatResponse {
	resp := ChatResponse{}
	if rec.Response != "" {
		if err := json.Unmarshal([]byte(rec.Response), &resp); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("idempotency_key", rec.IdempotencyKey).Msg("stored response unreadable")
		}
	}
	resp.IdempotencyKey = rec.IdempotencyKey
	resp.Status = rec.Status
	if resp.Error == "" {
		resp.Error = rec.Error
	}
	if resp.Messages == nil {
		resp.Messages = []conversation.Message{}
	}
	return resp
}

// persist appends msgs to their bot's log and announces the new ones.
func (s *ChatService) persist(ctx context.Context, msgs []conversation.Message) {
	if s.messages == nil {
		return
	}
	wctx := context.WithoutCancel(ctx)
	for _, m := range msgs {
		inserted, err := s.messages.Append(wctx, m)
		if err != nil {
			log.Error().Err(err).Str("component", "webchat").Str("bot_id", m.BotID).Str("message_id", m.ID).Msg("appending message failed")
			continue
		}
		if !inserted || s.hub == nil {
			continue
		}
		if err := s.hub.Publish(m); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("bot_id", m.BotID).Str("message_id", m.ID).Msg("publishing message_created failed")
		}
	}
}

// ListMessages returns a page of the bot's log older than before.
func (s *ChatService) ListMessages(ctx context.Context, botID string, before time.Time, limit int) (MessagesPage, error) {
	if s == nil || s.messages == nil {
		return MessagesPage{}, errors.New("message store is not configured")
	}
	if limit <= 0 {
		limit = chatstore.DefaultPageSize
	}
	if limit > chatstore.MaxPageSize {
		limit = chatstore.MaxPageSize
	}
	msgs, err := s.messages.ListBefore(ctx, botID, before, limit)
	if err != nil {
		return MessagesPage{}, err
	}
	return MessagesPage{Messages: msgs, HasMore: len(msgs) >= limit}, nil
}

func (s *ChatService) ListBots(ctx context.Context, limit int) ([]chatstore.BotRecord, error) {
	if s == nil || s.messages == nil {
		return nil, errors.New("message store is not configured")
	}
	return s.messages.ListBots(ctx, limit)
}

// SearchMemory searches the bot's memory.
func (s *ChatService) SearchMemory(ctx context.Context, botID string, body MemorySearchBody) ([]memory.SearchHit, error) {
	if s == nil || s.memory == nil {
		return nil, errors.New("memory search is not configured")
	}
	if strings.TrimSpace(body.Query) == "" {
		return nil, &conversation.ValidationError{Field: "query", Reason: "query is required"}
	}
	if body.Limit < 0 || body.Limit > memory.MaxSearchLimit {
		return nil, &conversation.ValidationError{Field: "limit", Reason: "limit must be between 1 and 50"}
	}
	return s.memory.SearchSemantic(ctx, body.Query, botID, body.Limit)
}

// Schedule runs the schedule's first turn immediately and registers the rest.
func (s *ChatService) Schedule(ctx context.Context, body ScheduleRequestBody) (ScheduleResponse, error) {
	if s == nil || s.scheduler == nil {
		return ScheduleResponse{}, errors.New("schedules are not enabled")
	}
	d := body.Schedule
	if strings.TrimSpace(d.BotID) == "" {
		d.BotID = strings.TrimSpace(body.BotID)
	}
	if d.BotID == "" {
		return ScheduleResponse{}, &conversation.ValidationError{Field: "bot_id", Reason: "bot id is required"}
	}
	if err := d.Validate(); err != nil {
		return ScheduleResponse{}, &conversation.ValidationError{Field: "schedule", Reason: err.Error()}
	}

	req := body.ChatRequestBody.toTurnRequest(d.BotID, s.defaults)
	res, err := s.runScheduled(ctx, req, d)
	if err != nil {
		return ScheduleResponse{}, err
	}

	if err := s.scheduler.Register(d, 1); err != nil {
		return ScheduleResponse{}, err
	}
	out := ScheduleResponse{
		ChatResponse: ChatResponse{Status: chatstore.RequestCompleted, Messages: res.NewMessages, Text: res.Text},
		Schedule:     d,
	}
	for _, e := range s.scheduler.Entries() {
		if e.Descriptor.ID == d.ID {
			next := e.Next
			if next.IsZero() {
				next, _ = d.Next(time.Now())
			}
			out.NextRun = &next
		}
	}
	return out, nil
}

// RunScheduled is the scheduler callback for later activations.
func (s *ChatService) RunScheduled(ctx context.Context, d schedule.Descriptor) error {
	req := ChatRequestBody{BotID: d.BotID}.toTurnRequest(d.BotID, s.defaults)
	_, err := s.runScheduled(ctx, req, d)
	return err
}

// runScheduled takes the bot's turn slot, so scheduled messages are logged in
// the same order as the turns of that bot's other submissions.
func (s *ChatService) runScheduled(ctx context.Context, req conversation.TurnRequest, d schedule.Descriptor) (orchestrator.TurnResult, error) {
	release, err := s.queue.acquire(ctx, req.Identity.BotID)
	if err != nil {
		return orchestrator.TurnResult{}, err
	}
	defer release()
	res, err := s.turns.TriggerSchedule(ctx, req, d)
	if err != nil {
		return orchestrator.TurnResult{}, err
	}
	s.persist(ctx, res.NewMessages)
	return res, nil
}

// botQueue lets one turn per bot run at a time; later submissions wait.
type botQueue struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func (q *botQueue) acquire(ctx context.Context, botID string) (func(), error) {
	q.mu.Lock()
	slot, ok := q.slots[botID]
	if !ok {
		slot = make(chan struct{}, 1)
		q.slots[botID] = slot
	}
	q.mu.Unlock()
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for bot queue")
	}
}
