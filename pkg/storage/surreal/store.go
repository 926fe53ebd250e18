// Package surreal stores chat history in SurrealDB.
package surreal

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/surrealdb/surrealdb.go"
)

// Config holds the SurrealDB connection settings
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// record is the stored row shape. The record id is left to SurrealDB; the
// message id lives in msg_id.
type record struct {
	MsgID  string `json:"msg_id"`
	User   string `json:"author"`
	Text   string `json:"body"`
	Kind   string `json:"kind"`
	SentAt int64  `json:"sent_at"`
}

// Store is a history.Backend over SurrealDB
type Store struct {
	db *surrealdb.DB
}

// Dial connects, signs in when credentials are set and selects the namespace
// and database.
func Dial(ctx context.Context, cfg Config) (*Store, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to surrealdb: %w", err)
	}

	if cfg.Username != "" {
		authData := &surrealdb.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
		}
		if _, err = db.SignIn(ctx, authData); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("failed to sign in: %w", err)
		}
	}

	if err = db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/db: %w", err)
	}

	return &Store{db: db}, nil
}

// Append implements history.Backend
func (s *Store) Append(ctx context.Context, msg domain.Message) error {
	query := `
		CREATE messages CONTENT {
			msg_id: $msg_id,
			author: $author,
			body: $body,
			kind: $kind,
			sent_at: $sent_at
		}
	`

	rec := toRecord(msg)
	params := map[string]any{
		"msg_id":  rec.MsgID,
		"author":  rec.User,
		"body":    rec.Text,
		"kind":    rec.Kind,
		"sent_at": rec.SentAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, query, params); err != nil {
		return fmt.Errorf("query execution failed: %w", err)
	}
	return nil
}

// Recent implements history.Backend
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}

	query := `SELECT msg_id, author, body, kind, sent_at FROM messages ORDER BY sent_at DESC LIMIT $limit`
	params := map[string]any{
		"limit": limit,
	}

	results, err := surrealdb.Query[[]record](ctx, s.db, query, params)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []domain.Message{}, nil
	}

	return fromNewestFirst((*results)[0].Result), nil
}

// Ping implements history.Backend
func (s *Store) Ping(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, s.db, "RETURN 1", nil); err != nil {
		return fmt.Errorf("surrealdb ping failed: %w", err)
	}
	return nil
}

// Close implements history.Backend
func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

func toRecord(msg domain.Message) record {
	return record{
		MsgID:  msg.ID,
		User:   msg.User,
		Text:   msg.Text,
		Kind:   string(msg.Kind),
		SentAt: msg.Timestamp.UTC().UnixNano(),
	}
}

func fromRecord(r record) domain.Message {
	return domain.Message{
		ID:        r.MsgID,
		User:      r.User,
		Text:      r.Text,
		Kind:      domain.Kind(r.Kind),
		Timestamp: time.Unix(0, r.SentAt).UTC(),
	}
}

// fromNewestFirst converts rows read newest first into oldest-first messages
func fromNewestFirst(rows []record) []domain.Message {
	msgs := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, fromRecord(r))
	}
	slices.Reverse(msgs)
	return msgs
}
