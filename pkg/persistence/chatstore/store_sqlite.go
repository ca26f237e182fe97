package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/alexma233/Memoh/pkg/conversation"
)

// SQLiteStore implements MessageStore and RequestStore on one database.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ MessageStore = &SQLiteStore{}
	_ RequestStore = &SQLiteStore{}
)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			role TEXT NOT NULL,
			platform TEXT NOT NULL DEFAULT '',
			created_at_ns INTEGER NOT NULL,
			content_json TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_by_bot_created
			ON chat_messages(bot_id, created_at_ns, id)`,
		`CREATE TABLE IF NOT EXISTS chat_bots (
			bot_id TEXT PRIMARY KEY,
			created_at_ms INTEGER NOT NULL,
			last_activity_ms INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS chat_bots_by_last_activity
			ON chat_bots(last_activity_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS chat_requests (
			bot_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			status TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (bot_id, idempotency_key)
		)`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, msg conversation.Message) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("sqlite chat store: db is nil")
	}
	if err := validateMessage(msg); err != nil {
		return false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	content := string(msg.Content)
	if content == "" {
		content = `""`
	}
	metadata := ""
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return false, errors.Wrap(err, "sqlite chat store: marshal metadata")
		}
		metadata = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "sqlite chat store: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, bot_id, role, platform, created_at_ns, content_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, msg.ID, msg.BotID, string(msg.Role), msg.Platform, msg.CreatedAt.UTC().UnixNano(), content, metadata)
	if err != nil {
		return false, errors.Wrap(err, "sqlite chat store: insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sqlite chat store: rows affected")
	}
	if n == 0 {
		return false, nil
	}

	atMs := msg.CreatedAt.UTC().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_bots (bot_id, created_at_ms, last_activity_ms, message_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(bot_id) DO UPDATE SET
			created_at_ms = CASE
				WHEN excluded.created_at_ms < chat_bots.created_at_ms THEN excluded.created_at_ms
				ELSE chat_bots.created_at_ms
			END,
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > chat_bots.last_activity_ms THEN excluded.last_activity_ms
				ELSE chat_bots.last_activity_ms
			END,
			message_count = chat_bots.message_count + 1
	`, msg.BotID, atMs, atMs)
	if err != nil {
		return false, errors.Wrap(err, "sqlite chat store: upsert bot")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "sqlite chat store: commit")
	}
	return true, nil
}

func (s *SQLiteStore) ListSince(ctx context.Context, botID string, since time.Time, limit int) ([]conversation.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return nil, errors.New("sqlite chat store: botID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query := `
		SELECT id, bot_id, role, platform, created_at_ns, content_json, metadata_json
		FROM chat_messages
		WHERE bot_id = ?
	`
	args := []any{botID}
	if !since.IsZero() {
		query += ` AND created_at_ns > ?`
		args = append(args, since.UTC().UnixNano())
	}
	query += ` ORDER BY created_at_ns ASC, id ASC LIMIT ?`
	args = append(args, clampLimit(limit))
	return s.queryMessages(ctx, query, args...)
}

func (s *SQLiteStore) ListBefore(ctx context.Context, botID string, before time.Time, limit int) ([]conversation.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return nil, errors.New("sqlite chat store: botID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query := `
		SELECT id, bot_id, role, platform, created_at_ns, content_json, metadata_json
		FROM chat_messages
		WHERE bot_id = ?
	`
	args := []any{botID}
	if !before.IsZero() {
		query += ` AND created_at_ns < ?`
		args = append(args, before.UTC().UnixNano())
	}
	query += ` ORDER BY created_at_ns DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(limit))
	out, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: query messages")
	}
	defer func() { _ = rows.Close() }()

	out := []conversation.Message{}
	for rows.Next() {
		var (
			msg       conversation.Message
			role      string
			createdNs int64
			content   string
			metadata  string
		)
		if err := rows.Scan(&msg.ID, &msg.BotID, &role, &msg.Platform, &createdNs, &content, &metadata); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan message")
		}
		msg.Role = conversation.Role(role)
		msg.CreatedAt = time.Unix(0, createdNs).UTC()
		msg.Content = json.RawMessage(content)
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
				return nil, errors.Wrapf(err, "sqlite chat store: decode metadata of %s", msg.ID)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate messages")
	}
	return out, nil
}

func (s *SQLiteStore) ListBots(ctx context.Context, limit int) ([]BotRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, created_at_ms, last_activity_ms, message_count
		FROM chat_bots
		ORDER BY last_activity_ms DESC, bot_id ASC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list bots")
	}
	defer func() { _ = rows.Close() }()

	out := []BotRecord{}
	for rows.Next() {
		var r BotRecord
		if err := rows.Scan(&r.BotID, &r.CreatedAtMs, &r.LastActivityMs, &r.MessageCount); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan bot")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate bots")
	}
	return out, nil
}

func (s *SQLiteStore) Begin(ctx context.Context, rec RequestRecord) (RequestRecord, bool, error) {
	if s == nil || s.db == nil {
		return RequestRecord{}, false, errors.New("sqlite chat store: db is nil")
	}
	rec = normalizeRequest(rec, time.Now().UnixMilli())
	if rec.BotID == "" || rec.IdempotencyKey == "" {
		return RequestRecord{}, false, errors.New("sqlite chat store: request needs bot id and idempotency key")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_requests (bot_id, idempotency_key, status, response, error, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bot_id, idempotency_key) DO NOTHING
	`, rec.BotID, rec.IdempotencyKey, string(rec.Status), rec.Response, rec.Error, rec.CreatedAtMs, rec.UpdatedAtMs)
	if err != nil {
		return RequestRecord{}, false, errors.Wrap(err, "sqlite chat store: insert request")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return rec, true, nil
	}
	existing, ok, err := s.Get(ctx, rec.BotID, rec.IdempotencyKey)
	if err != nil {
		return RequestRecord{}, false, err
	}
	if !ok {
		return RequestRecord{}, false, errors.New("sqlite chat store: request vanished after conflict")
	}
	return existing, false, nil
}

func (s *SQLiteStore) Finish(ctx context.Context, botID, key string, status RequestStatus, response, errMsg string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_requests
		SET status = ?, response = ?, error = ?, updated_at_ms = ?
		WHERE bot_id = ? AND idempotency_key = ?
	`, string(status), response, errMsg, time.Now().UnixMilli(), botID, key)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: finish request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("sqlite chat store: unknown request %s/%s", botID, key)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, botID, key string) (RequestRecord, bool, error) {
	if s == nil || s.db == nil {
		return RequestRecord{}, false, errors.New("sqlite chat store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		rec    RequestRecord
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT bot_id, idempotency_key, status, response, error, created_at_ms, updated_at_ms
		FROM chat_requests
		WHERE bot_id = ? AND idempotency_key = ?
	`, botID, key).Scan(&rec.BotID, &rec.IdempotencyKey, &status, &rec.Response, &rec.Error, &rec.CreatedAtMs, &rec.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return RequestRecord{}, false, nil
	}
	if err != nil {
		return RequestRecord{}, false, errors.Wrap(err, "sqlite chat store: get request")
	}
	rec.Status = RequestStatus(status)
	return rec, true, nil
}

// SQLiteDSNForFile builds a DSN for a file-backed chat database.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func validateMessage(msg conversation.Message) error {
	switch {
	case strings.TrimSpace(msg.ID) == "":
		return errors.New("chat store: message id is empty")
	case strings.TrimSpace(msg.BotID) == "":
		return errors.New("chat store: message bot_id is empty")
	case msg.Role == "":
		return errors.New("chat store: message role is empty")
	case msg.CreatedAt.IsZero():
		return errors.New("chat store: message created_at is zero")
	}
	return nil
}

func normalizeRequest(rec RequestRecord, nowMs int64) RequestRecord {
	rec.BotID = strings.TrimSpace(rec.BotID)
	rec.IdempotencyKey = strings.TrimSpace(rec.IdempotencyKey)
	if rec.Status == "" {
		rec.Status = RequestQueued
	}
	if rec.CreatedAtMs <= 0 {
		rec.CreatedAtMs = nowMs
	}
	if rec.UpdatedAtMs <= 0 {
		rec.UpdatedAtMs = rec.CreatedAtMs
	}
	return rec
}
