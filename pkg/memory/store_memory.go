package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
)

// InMemoryStore is a process-local Store with the same ordering semantics as
// SQLiteStore.
type InMemoryStore struct {
	mu    sync.RWMutex
	units map[string]conversation.MemoryUnit
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{units: map[string]conversation.MemoryUnit{}}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Write(_ context.Context, unit conversation.MemoryUnit) error {
	if s == nil {
		return errors.New("in-memory memory store: nil store")
	}
	unit.ID = strings.TrimSpace(unit.ID)
	if unit.ID == "" {
		return errors.New("in-memory memory store: unit id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[unit.ID]; ok {
		return nil
	}
	unit.Messages = append([]conversation.Message(nil), unit.Messages...)
	s.units[unit.ID] = unit
	return nil
}

func (s *InMemoryStore) ReadByWindow(_ context.Context, from, to time.Time, subject string) ([]conversation.MemoryUnit, error) {
	if s == nil {
		return nil, errors.New("in-memory memory store: nil store")
	}
	s.mu.RLock()
	out := make([]conversation.MemoryUnit, 0)
	for _, u := range s.units {
		if u.Subject != subject {
			continue
		}
		if u.Timestamp.Before(from) || u.Timestamp.After(to) {
			continue
		}
		out = append(out, u)
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
