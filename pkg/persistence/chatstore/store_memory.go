package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
)

// InMemoryStore is a size-limited MessageStore and RequestStore. It mirrors
// the ordering semantics of the SQLite store. When a bot's log exceeds the
// limit the oldest messages are dropped.
type InMemoryStore struct {
	mu                sync.Mutex
	maxMessagesPerBot int
	logs              map[string][]conversation.Message
	ids               map[string]struct{}
	bots              map[string]BotRecord
	requests          map[string]RequestRecord
}

var (
	_ MessageStore = &InMemoryStore{}
	_ RequestStore = &InMemoryStore{}
)

func NewInMemoryStore(maxMessagesPerBot int) *InMemoryStore {
	if maxMessagesPerBot <= 0 {
		maxMessagesPerBot = 5000
	}
	return &InMemoryStore{
		maxMessagesPerBot: maxMessagesPerBot,
		logs:              map[string][]conversation.Message{},
		ids:               map[string]struct{}{},
		bots:              map[string]BotRecord{},
		requests:          map[string]RequestRecord{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func messageLess(a, b conversation.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *InMemoryStore) Append(_ context.Context, msg conversation.Message) (bool, error) {
	if s == nil {
		return false, errors.New("in-memory chat store: nil store")
	}
	if err := validateMessage(msg); err != nil {
		return false, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[msg.ID]; ok {
		return false, nil
	}
	s.ids[msg.ID] = struct{}{}

	log := s.logs[msg.BotID]
	i := sort.Search(len(log), func(i int) bool { return messageLess(msg, log[i]) })
	log = append(log, conversation.Message{})
	copy(log[i+1:], log[i:])
	log[i] = msg
	if len(log) > s.maxMessagesPerBot {
		drop := len(log) - s.maxMessagesPerBot
		for _, m := range log[:drop] {
			delete(s.ids, m.ID)
		}
		log = append([]conversation.Message(nil), log[drop:]...)
	}
	s.logs[msg.BotID] = log

	atMs := msg.CreatedAt.UnixMilli()
	rec, ok := s.bots[msg.BotID]
	if !ok {
		rec = BotRecord{BotID: msg.BotID, CreatedAtMs: atMs, LastActivityMs: atMs}
	}
	if atMs < rec.CreatedAtMs {
		rec.CreatedAtMs = atMs
	}
	if atMs > rec.LastActivityMs {
		rec.LastActivityMs = atMs
	}
	rec.MessageCount++
	s.bots[msg.BotID] = rec
	return true, nil
}

func (s *InMemoryStore) ListSince(_ context.Context, botID string, since time.Time, limit int) ([]conversation.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return nil, errors.New("in-memory chat store: botID is empty")
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := []conversation.Message{}
	for _, m := range s.logs[botID] {
		if !since.IsZero() && !m.CreatedAt.After(since) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListBefore(_ context.Context, botID string, before time.Time, limit int) ([]conversation.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return nil, errors.New("in-memory chat store: botID is empty")
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[botID]
	end := len(log)
	if !before.IsZero() {
		end = sort.Search(len(log), func(i int) bool { return !log[i].CreatedAt.Before(before) })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]conversation.Message{}, log[start:end]...), nil
}

func (s *InMemoryStore) ListBots(_ context.Context, limit int) ([]BotRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory chat store: nil store")
	}
	limit = clampLimit(limit)
	s.mu.Lock()
	out := make([]BotRecord, 0, len(s.bots))
	for _, r := range s.bots {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityMs != out[j].LastActivityMs {
			return out[i].LastActivityMs > out[j].LastActivityMs
		}
		return out[i].BotID < out[j].BotID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func requestKey(botID, key string) string { return botID + "\x00" + key }

func (s *InMemoryStore) Begin(_ context.Context, rec RequestRecord) (RequestRecord, bool, error) {
	if s == nil {
		return RequestRecord{}, false, errors.New("in-memory chat store: nil store")
	}
	rec = normalizeRequest(rec, time.Now().UnixMilli())
	if rec.BotID == "" || rec.IdempotencyKey == "" {
		return RequestRecord{}, false, errors.New("in-memory chat store: request needs bot id and idempotency key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := requestKey(rec.BotID, rec.IdempotencyKey)
	if existing, ok := s.requests[k]; ok {
		return existing, false, nil
	}
	s.requests[k] = rec
	return rec, true, nil
}

func (s *InMemoryStore) Finish(_ context.Context, botID, key string, status RequestStatus, response, errMsg string) error {
	if s == nil {
		return errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := requestKey(botID, key)
	rec, ok := s.requests[k]
	if !ok {
		return errors.Errorf("in-memory chat store: unknown request %s/%s", botID, key)
	}
	rec.Status = status
	rec.Response = response
	rec.Error = errMsg
	rec.UpdatedAtMs = time.Now().UnixMilli()
	s.requests[k] = rec
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, botID, key string) (RequestRecord, bool, error) {
	if s == nil {
		return RequestRecord{}, false, errors.New("in-memory chat store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requests[requestKey(botID, key)]
	return rec, ok, nil
}
