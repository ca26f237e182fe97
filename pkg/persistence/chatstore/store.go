package chatstore

import (
	"context"
	"time"

	"github.com/alexma233/Memoh/pkg/conversation"
)

const (
	DefaultPageSize = 30
	MaxPageSize     = 200
)

// BotRecord captures per-bot activity derived from the message log.
type BotRecord struct {
	BotID          string `json:"bot_id"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
	MessageCount   int64  `json:"message_count"`
}

// MessageStore is the append-only per-bot message log served to clients.
//
// Messages are keyed by id; appending an id twice keeps the first copy.
// Listings are ordered by created_at ascending with id as tie-breaker.
type MessageStore interface {
	// Append reports whether msg was newly stored.
	Append(ctx context.Context, msg conversation.Message) (bool, error)
	// ListSince returns messages created strictly after since. A zero since
	// returns from the start of the log.
	ListSince(ctx context.Context, botID string, since time.Time, limit int) ([]conversation.Message, error)
	// ListBefore returns the newest messages created strictly before before,
	// in ascending order. A zero before means "now".
	ListBefore(ctx context.Context, botID string, before time.Time, limit int) ([]conversation.Message, error)
	ListBots(ctx context.Context, limit int) ([]BotRecord, error)
	Close() error
}

type RequestStatus string

const (
	RequestQueued    RequestStatus = "queued"
	RequestRunning   RequestStatus = "running"
	RequestCompleted RequestStatus = "completed"
	RequestError     RequestStatus = "error"
)

// RequestRecord tracks a client request by idempotency key so retries get the
// original outcome.
type RequestRecord struct {
	BotID          string        `json:"bot_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Status         RequestStatus `json:"status"`
	Response       string        `json:"response,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAtMs    int64         `json:"created_at_ms"`
	UpdatedAtMs    int64         `json:"updated_at_ms"`
}

// RequestStore persists RequestRecords.
type RequestStore interface {
	// Begin stores rec unless a record with the same key exists, in which
	// case the existing record is returned with created=false.
	Begin(ctx context.Context, rec RequestRecord) (RequestRecord, bool, error)
	Finish(ctx context.Context, botID, key string, status RequestStatus, response, errMsg string) error
	Get(ctx context.Context, botID, key string) (RequestRecord, bool, error)
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
