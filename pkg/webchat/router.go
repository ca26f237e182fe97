package webchat

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/memory"
	"github.com/alexma233/Memoh/pkg/persistence/chatstore"
	"github.com/alexma233/Memoh/pkg/streamproto"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
)

// Router wires the chat service and event hub to HTTP routes.
type Router struct {
	baseCtx     context.Context
	mux         *http.ServeMux
	svc         *ChatService
	hub         *EventHub
	upgrader    websocket.Upgrader
	heartbeat   time.Duration
	idleTimeout time.Duration
	sockets     *socketRegistry

	// streamsCtx ends long-lived streams on shutdown.
	streamsCtx    context.Context
	cancelStreams context.CancelFunc
}

func NewRouter(ctx context.Context, svc *ChatService, opts ...RouterOption) (*Router, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if svc == nil {
		return nil, errors.New("chat service is nil")
	}
	r := &Router{
		baseCtx:     ctx,
		mux:         http.NewServeMux(),
		svc:         svc,
		hub:         svc.hub,
		heartbeat:   DefaultHeartbeatInterval,
		idleTimeout: DefaultIdleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.streamsCtx, r.cancelStreams = context.WithCancel(ctx)
	r.sockets = newSocketRegistry(r.streamsCtx, r.hub, r.idleTimeout)
	r.registerRoutes()
	return r, nil
}

func (r *Router) registerRoutes() {
	r.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.mux.HandleFunc("POST /chat", r.handleChat(false))
	r.mux.HandleFunc("POST /chat/stream", r.handleChatStream(false))
	r.mux.HandleFunc("POST /chat/schedule", r.handleSchedule)

	r.mux.HandleFunc("GET /bots", r.handleListBots)
	r.mux.HandleFunc("GET /bots/{bot}/messages", r.handleListMessages)
	r.mux.HandleFunc("POST /bots/{bot}/messages", r.handleChat(true))
	r.mux.HandleFunc("POST /bots/{bot}/messages/stream", r.handleChatStream(true))
	r.mux.HandleFunc("GET /bots/{bot}/messages/events", r.handleEvents)
	r.mux.HandleFunc("GET /bots/{bot}/messages/ws", r.handleWebSocket)
	r.mux.HandleFunc("POST /bots/{bot}/memory/search", r.handleMemorySearch)
	r.mux.HandleFunc("GET /bots/{bot}/schedules", r.handleListSchedules)
	r.mux.HandleFunc("DELETE /bots/{bot}/schedules/{id}", r.handleDeleteSchedule)
}

func (r *Router) Handler() http.Handler { return r.mux }

// CloseStreams ends event streams and websocket connections.
func (r *Router) CloseStreams() {
	if r == nil {
		return
	}
	r.cancelStreams()
	r.sockets.closeAll()
}

func (r *Router) handleChat(botScoped bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sub, err := r.submission(req, botScoped)
		if err != nil {
			writeError(w, err)
			return
		}
		resp, err := r.svc.Submit(req.Context(), sub, nil)
		if err != nil {
			var rp *Replayed
			if stderrors.As(err, &rp) {
				writeReplay(w, rp)
				return
			}
			if resp.Status != "" {
				status, _ := statusFor(err)
				writeJSON(w, status, resp)
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (r *Router) handleChatStream(botScoped bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sub, err := r.submission(req, botScoped)
		if err != nil {
			writeError(w, err)
			return
		}
		enc := streamproto.NewEncoder(w)
		started := false
		start := func() {
			if !started {
				started = true
				setStreamHeaders(w)
				w.WriteHeader(http.StatusOK)
			}
		}
		_, err = r.svc.Submit(req.Context(), sub, func(ev conversation.StreamEvent) error {
			start()
			return enc.WriteTurnEvent(ev)
		})
		if err != nil && !started {
			var rp *Replayed
			if !stderrors.As(err, &rp) {
				writeError(w, err)
				return
			}
			if !replayAsStream(w, enc, rp) {
				writeReplay(w, rp)
				return
			}
			started = true
		}
		if started {
			_ = enc.Close()
		}
	}
}

// replayAsStream writes a finished request's outcome as a turn stream.
func replayAsStream(w http.ResponseWriter, enc *streamproto.Encoder, rp *Replayed) bool {
	var ev conversation.StreamEvent
	switch rp.Response.Status {
	case chatstore.RequestCompleted:
		ev = conversation.TurnComplete{Messages: rp.Response.Messages}
	case chatstore.RequestError:
		ev = conversation.ErrorEvent{Message: rp.Response.Error}
	default:
		return false
	}
	w.Header().Set("Idempotency-Replayed", "true")
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	_ = enc.WriteTurnEvent(ev)
	return true
}

func (r *Router) submission(req *http.Request, botScoped bool) (Submission, error) {
	var body ChatRequestBody
	if err := decodeBody(req, &body); err != nil {
		return Submission{}, err
	}
	sub := Submission{Body: body, Persist: botScoped}
	if botScoped {
		botID, err := pathBotID(req)
		if err != nil {
			return Submission{}, err
		}
		sub.BotID = botID
	}
	key, err := ResolveIdempotencyKey(req, body)
	if err != nil {
		return Submission{}, err
	}
	sub.IdempotencyKey = key
	return sub, nil
}

func (r *Router) handleSchedule(w http.ResponseWriter, req *http.Request) {
	var body ScheduleRequestBody
	if err := decodeBody(req, &body); err != nil {
		writeError(w, err)
		return
	}
	resp, err := r.svc.Schedule(req.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (r *Router) handleListSchedules(w http.ResponseWriter, req *http.Request) {
	botID, err := pathBotID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	sched := r.svc.Scheduler()
	if sched == nil {
		writeError(w, &RequestError{Status: http.StatusNotFound, ClientMsg: "schedules are not enabled"})
		return
	}
	out := []ScheduleResponse{}
	for _, e := range sched.Entries() {
		if e.Descriptor.BotID != botID {
			continue
		}
		next := e.Next
		out = append(out, ScheduleResponse{Schedule: e.Descriptor, NextRun: &next})
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

func (r *Router) handleDeleteSchedule(w http.ResponseWriter, req *http.Request) {
	botID, err := pathBotID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	sched := r.svc.Scheduler()
	if sched == nil {
		writeError(w, &RequestError{Status: http.StatusNotFound, ClientMsg: "schedules are not enabled"})
		return
	}
	id := req.PathValue("id")
	for _, e := range sched.Entries() {
		if e.Descriptor.ID == id && e.Descriptor.BotID == botID && sched.Remove(id) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, &RequestError{Status: http.StatusNotFound, ClientMsg: "schedule not found"})
}

func (r *Router) handleListBots(w http.ResponseWriter, req *http.Request) {
	limit, err := queryInt(req, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	bots, err := r.svc.ListBots(req.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
}

func (r *Router) handleListMessages(w http.ResponseWriter, req *http.Request) {
	botID, err := pathBotID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(req, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	before, err := queryCursor(req, "before")
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := r.svc.ListMessages(req.Context(), botID, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (r *Router) handleMemorySearch(w http.ResponseWriter, req *http.Request) {
	botID, err := pathBotID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	var body MemorySearchBody
	if err := decodeBody(req, &body); err != nil {
		writeError(w, err)
		return
	}
	hits, err := r.svc.SearchMemory(req.Context(), botID, body)
	if err != nil {
		writeError(w, err)
		return
	}
	if hits == nil {
		hits = []memory.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": body.Query, "total": len(hits), "results": hits})
}
