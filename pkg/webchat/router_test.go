package webchat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/alexma233/Memoh/pkg/conversation"
	"github.com/alexma233/Memoh/pkg/memory"
	"github.com/alexma233/Memoh/pkg/orchestrator"
	"github.com/alexma233/Memoh/pkg/persistence/chatstore"
	"github.com/alexma233/Memoh/pkg/redisstream"
	"github.com/alexma233/Memoh/pkg/schedule"
	"github.com/alexma233/Memoh/pkg/streamproto"
)

type fixture struct {
	server   *httptest.Server
	store    *chatstore.InMemoryStore
	provider *memory.Provider
	calls    *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	calls := &atomic.Int32{}
	model := orchestrator.ModelFunc(func(context.Context, orchestrator.ModelRequest) (<-chan orchestrator.ModelChunk, error) {
		calls.Add(1)
		ch := make(chan orchestrator.ModelChunk, 2)
		ch <- orchestrator.ModelChunk{TextDelta: "Hi"}
		ch <- orchestrator.ModelChunk{TextDelta: " there"}
		close(ch)
		return ch, nil
	})

	index, err := memory.NewBleveIndex()
	require.NoError(t, err)
	provider, err := memory.NewProvider(memory.ProviderConfig{Store: memory.NewInMemoryStore(), Index: index})
	require.NoError(t, err)
	orch, err := orchestrator.New(orchestrator.Config{Model: model, Memory: provider})
	require.NoError(t, err)
	t.Cleanup(orch.Wait)

	transport, err := redisstream.Build(redisstream.Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	hub, err := NewEventHub(ctx, transport)
	require.NoError(t, err)

	store := chatstore.NewInMemoryStore(0)
	svc, err := NewChatService(ChatServiceConfig{
		BaseCtx:         ctx,
		Turns:           orch,
		Messages:        store,
		Requests:        store,
		Hub:             hub,
		Memory:          provider,
		Defaults:        Defaults{Channels: []string{"web"}, CurrentChannel: "web", ContextHorizon: time.Hour},
		EnableSchedules: true,
	})
	require.NoError(t, err)
	router, err := NewRouter(ctx, svc, WithHeartbeatInterval(50*time.Millisecond), WithIdleTimeout(0))
	require.NoError(t, err)

	srv := httptest.NewServer(router.Handler())
	t.Cleanup(func() {
		router.CloseStreams()
		srv.Close()
	})
	return &fixture{server: srv, store: store, provider: provider, calls: calls}
}

func (f *fixture) post(t *testing.T, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestBotStreamPersistsAndReplaysOverHistory(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/bots/b1/messages/stream", ChatRequestBody{Query: "hello"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	dec := streamproto.NewDecoder(resp.Body)
	var (
		text  strings.Builder
		final []conversation.Message
	)
	for payload, err := range dec.Records() {
		require.NoError(t, err)
		ev, err := streamproto.DecodeTurnEvent(streamproto.ParsePayload(payload))
		require.NoError(t, err)
		switch e := ev.(type) {
		case conversation.TextDelta:
			text.WriteString(e.Text)
		case conversation.TurnComplete:
			final = e.Messages
		}
	}
	_ = resp.Body.Close()
	require.True(t, dec.SawSentinel())
	require.Equal(t, "Hi there", text.String())
	require.Len(t, final, 2)

	hist, err := f.server.Client().Get(f.server.URL + "/bots/b1/messages?limit=10")
	require.NoError(t, err)
	var page MessagesPage
	decodeJSON(t, hist, &page)
	require.Len(t, page.Messages, 2)
	require.False(t, page.HasMore)
	require.Equal(t, conversation.RoleUser, page.Messages[0].Role)
	require.Equal(t, "Hi there", page.Messages[1].Text())

	bots, err := f.server.Client().Get(f.server.URL + "/bots")
	require.NoError(t, err)
	var out struct {
		Bots []chatstore.BotRecord `json:"bots"`
	}
	decodeJSON(t, bots, &out)
	require.Len(t, out.Bots, 1)
	require.Equal(t, int64(2), out.Bots[0].MessageCount)
}

// recordTypes lists a turn stream's records as "done" or "delta:<event type>".
func recordTypes(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out []string
	for payload, err := range streamproto.NewDecoder(resp.Body).Records() {
		require.NoError(t, err)
		var rec struct {
			Type string `json:"type"`
			Data struct {
				Type string `json:"type"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(payload), &rec), payload)
		if rec.Type == streamproto.RecordDelta {
			out = append(out, rec.Type+":"+rec.Data.Type)
			continue
		}
		out = append(out, rec.Type)
	}
	return out
}

func TestChatStreamRecordSequence(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/chat/stream", ChatRequestBody{Query: "hello"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"delta:text_delta", "delta:text_delta", "done"}, recordTypes(t, resp))

	resp = f.post(t, "/bots/b1/messages/stream", ChatRequestBody{Query: "hello"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{
		"delta:processing_started",
		"delta:text_delta",
		"delta:text_delta",
		"delta:processing_completed",
		"done",
	}, recordTypes(t, resp))
}

func TestIdempotentSubmissionRunsOnce(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{"Idempotency-Key": "k-1"}

	first := f.post(t, "/bots/b1/messages", ChatRequestBody{Query: "hello"}, headers)
	require.Equal(t, http.StatusOK, first.StatusCode)
	var a ChatResponse
	decodeJSON(t, first, &a)
	require.Equal(t, chatstore.RequestCompleted, a.Status)
	require.Equal(t, "k-1", a.IdempotencyKey)

	second := f.post(t, "/bots/b1/messages", ChatRequestBody{Query: "hello"}, headers)
	require.Equal(t, http.StatusOK, second.StatusCode)
	require.Equal(t, "true", second.Header.Get("Idempotency-Replayed"))
	var b ChatResponse
	decodeJSON(t, second, &b)
	require.Equal(t, len(a.Messages), len(b.Messages))
	require.Equal(t, a.Messages[1].ID, b.Messages[1].ID)
	require.Equal(t, int32(1), f.calls.Load())

	// Same key over the stream route replays the stored outcome.
	replay := f.post(t, "/bots/b1/messages/stream", ChatRequestBody{Query: "hello", IdempotencyKey: "k-1"}, nil)
	body, err := io.ReadAll(replay.Body)
	_ = replay.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), `"type":"done"`)
	require.True(t, strings.HasSuffix(string(body), "data: [DONE]\n\n"))
	require.Equal(t, int32(1), f.calls.Load())
}

func TestValidationErrorsAreBadRequests(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/chat", ChatRequestBody{Query: "  "}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var eb ErrorBody
	decodeJSON(t, resp, &eb)
	require.Contains(t, eb.Error, "query")

	neg := -5
	resp = f.post(t, "/chat/stream", ChatRequestBody{Query: "hi", MaxContextLoadTime: &neg}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/chat", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err = f.server.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = f.server.Client().Get(f.server.URL + "/bots/b1/messages?before=yesterday")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestStatelessChatDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/chat", ChatRequestBody{Query: "hello", BotID: "b9"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out ChatResponse
	decodeJSON(t, resp, &out)
	require.Equal(t, "Hi there", out.Text)
	require.Len(t, out.Messages, 2)

	msgs, err := f.store.ListSince(context.Background(), "b9", time.Time{}, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func readRecord(t *testing.T, records <-chan string) streamproto.MessageCreated {
	t.Helper()
	select {
	case payload := <-records:
		ev, ok := streamproto.DecodeMessageCreated(streamproto.ParsePayload(payload))
		require.True(t, ok, payload)
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event record")
	}
	return streamproto.MessageCreated{}
}

func TestEventFeedReplaysThenStreamsLive(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/bots/b1/messages", ChatRequestBody{Query: "first"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/bots/b1/messages/events", nil)
	require.NoError(t, err)
	feed, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = feed.Body.Close() }()
	require.Equal(t, http.StatusOK, feed.StatusCode)

	records := make(chan string, 16)
	go func() {
		defer close(records)
		for payload, err := range streamproto.NewDecoder(feed.Body).Records() {
			if err != nil {
				return
			}
			records <- payload
		}
	}()

	r1 := readRecord(t, records)
	r2 := readRecord(t, records)
	require.Equal(t, "b1", r1.BotID)
	require.Equal(t, conversation.RoleUser, r1.Message.Role)
	require.Equal(t, conversation.RoleAssistant, r2.Message.Role)

	resp = f.post(t, "/bots/b1/messages", ChatRequestBody{Query: "second"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	r3 := readRecord(t, records)
	r4 := readRecord(t, records)
	require.Equal(t, "second", r3.Message.Text())
	require.Equal(t, "Hi there", r4.Message.Text())

	// Resuming from a cursor replays only what came after it.
	since := conversation.CursorAt(r3.Message.CreatedAt)
	resumeCtx, resumeCancel := context.WithCancel(context.Background())
	defer resumeCancel()
	req, err = http.NewRequestWithContext(resumeCtx, http.MethodGet, f.server.URL+"/bots/b1/messages/events?since="+string(since), nil)
	require.NoError(t, err)
	resumed, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resumed.Body.Close() }()
	payload, err := streamproto.NewDecoder(resumed.Body).Next()
	require.NoError(t, err)
	ev, ok := streamproto.DecodeMessageCreated(streamproto.ParsePayload(payload))
	require.True(t, ok)
	require.Equal(t, r4.Message.ID, ev.Message.ID)
}

func TestWebSocketReceivesMessageCreated(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/bots/b1/messages/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello wsControl
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "hello", hello.Type)
	require.Equal(t, "b1", hello.BotID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	var pong wsControl
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, "pong", pong.Type)

	resp := f.post(t, "/bots/b1/messages", ChatRequestBody{Query: "over ws"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	var created streamproto.MessageCreated
	require.NoError(t, conn.ReadJSON(&created))
	require.Equal(t, streamproto.RecordMessageCreated, created.Type)
	require.Equal(t, "over ws", created.Message.Text())
}

func scheduleDescriptor() schedule.Descriptor {
	return schedule.Descriptor{
		ID:          "s1",
		Name:        "standup",
		Description: "daily standup reminder",
		Pattern:     "0 9 * * *",
		Command:     "remind the team about standup",
	}
}

func TestScheduleAndMemorySearch(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/chat/schedule", ScheduleRequestBody{
		ChatRequestBody: ChatRequestBody{BotID: "b1"},
		Schedule:        scheduleDescriptor(),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sr ScheduleResponse
	decodeJSON(t, resp, &sr)
	require.Equal(t, "Hi there", sr.Text)
	require.NotNil(t, sr.NextRun)

	list, err := f.server.Client().Get(f.server.URL + "/bots/b1/schedules")
	require.NoError(t, err)
	var out struct {
		Schedules []ScheduleResponse `json:"schedules"`
	}
	decodeJSON(t, list, &out)
	require.Len(t, out.Schedules, 1)
	require.Equal(t, "s1", out.Schedules[0].Schedule.ID)

	bad := scheduleDescriptor()
	bad.Pattern = "whenever"
	resp = f.post(t, "/chat/schedule", ScheduleRequestBody{ChatRequestBody: ChatRequestBody{BotID: "b1"}, Schedule: bad}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.post(t, "/bots/b1/messages", ChatRequestBody{Query: "my favourite flower is the tulip"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	require.Eventually(t, func() bool {
		hits, err := f.provider.SearchSemantic(context.Background(), "tulip", "b1", 5)
		return err == nil && len(hits) > 0
	}, 3*time.Second, 20*time.Millisecond)

	resp = f.post(t, "/bots/b1/memory/search", MemorySearchBody{Query: "tulip", Limit: 5}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var search struct {
		Total   int                `json:"total"`
		Results []memory.SearchHit `json:"results"`
	}
	decodeJSON(t, resp, &search)
	require.GreaterOrEqual(t, search.Total, 1)

	resp = f.post(t, "/bots/b1/memory/search", MemorySearchBody{Query: "tulip", Limit: 51}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/bots/b1/schedules/s1", nil)
	require.NoError(t, err)
	del, err := f.server.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, del.StatusCode)
	_ = del.Body.Close()
}
