package memory

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

// SQLiteStore keeps one history row per completed turn.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite memory store: empty dsn")
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
	if s == nil || s.db == nil {
		return errors.New("sqlite memory store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_history (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			messages_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS memory_history_by_subject_ts
			ON memory_history(subject, timestamp_ms)`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite memory store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Write(ctx context.Context, unit conversation.MemoryUnit) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite memory store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	unit.ID = strings.TrimSpace(unit.ID)
	if unit.ID == "" {
		return errors.New("sqlite memory store: unit id is empty")
	}
	msgs := unit.Messages
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return errors.Wrap(err, "sqlite memory store: marshal messages")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_history(id, subject, timestamp_ms, messages_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, unit.ID, unit.Subject, unit.Timestamp.UnixMilli(), string(b))
	if err != nil {
		return errors.Wrap(err, "sqlite memory store: insert")
	}
	return nil
}

func (s *SQLiteStore) ReadByWindow(ctx context.Context, from, to time.Time, subject string) ([]conversation.MemoryUnit, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite memory store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, timestamp_ms, messages_json
		FROM memory_history
		WHERE subject = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC, id ASC
	`, subject, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "sqlite memory store: query window")
	}
	defer func() { _ = rows.Close() }()

	out := make([]conversation.MemoryUnit, 0)
	for rows.Next() {
		var (
			u      conversation.MemoryUnit
			tsMs   int64
			msgRaw string
		)
		if err := rows.Scan(&u.ID, &u.Subject, &tsMs, &msgRaw); err != nil {
			return nil, errors.Wrap(err, "sqlite memory store: scan")
		}
		u.Timestamp = time.UnixMilli(tsMs).UTC()
		if err := json.Unmarshal([]byte(msgRaw), &u.Messages); err != nil {
			return nil, errors.Wrapf(err, "sqlite memory store: decode messages for %s", u.ID)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite memory store: rows")
	}
	return out, nil
}

// SQLiteDSNForFile returns a WAL-mode DSN for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite memory store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}
