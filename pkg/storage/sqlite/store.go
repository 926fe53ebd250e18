// Package sqlite stores chat history in a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/HMasataka/huddle/pkg/domain"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store is a history.Backend over SQLite
type Store struct {
	sqlDB *sql.DB
}

// Open opens the database at path and applies the schema
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Append implements history.Backend. Appending the same message twice is a no-op.
func (s *Store) Append(ctx context.Context, msg domain.Message) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (msg_id, user, text, kind, sent_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID,
		msg.User,
		msg.Text,
		string(msg.Kind),
		msg.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent implements history.Backend
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT msg_id, user, text, kind, sent_at FROM messages ORDER BY sent_at DESC, msg_id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.Message, 0, limit)
	for rows.Next() {
		var (
			msg    domain.Message
			kind   string
			sentAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.User, &msg.Text, &kind, &sentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Kind = domain.Kind(kind)
		msg.Timestamp = time.Unix(0, sentAt).UTC()
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	slices.Reverse(msgs)
	return msgs, nil
}

// Ping implements history.Backend
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Close implements history.Backend
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
