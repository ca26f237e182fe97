package memory

import (
	"context"
	"time"

	"github.com/alexma233/Memoh/pkg/conversation"
)

// Store persists MemoryUnits and serves recency windows.
//
// Write is an idempotent upsert keyed by unit ID: writing a unit whose ID is
// already present is a no-op. ReadByWindow returns units whose timestamp lies
// in [from, to], ascending by timestamp.
type Store interface {
	Write(ctx context.Context, unit conversation.MemoryUnit) error
	ReadByWindow(ctx context.Context, from, to time.Time, subject string) ([]conversation.MemoryUnit, error)
	Close() error
}

// SearchHit is one ranked semantic recall result.
type SearchHit struct {
	ID      string  `json:"id"`
	Content string  `json:"memory"`
	Score   float64 `json:"score"`
}

// Index is the semantic recall side of the provider.
type Index interface {
	Index(ctx context.Context, unit conversation.MemoryUnit) error
	Search(ctx context.Context, query, subject string, limit int) ([]SearchHit, error)
	Close() error
}

// PersistenceError reports a write-back failure after a successful turn.
type PersistenceError struct {
	UnitID string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e == nil || e.Err == nil {
		return "memory persistence failed"
	}
	return "memory persistence failed for " + e.UnitID + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
