// Package badger stores chat history in an embedded BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/HMasataka/huddle/pkg/domain"
	badgerdb "github.com/dgraph-io/badger/v4"
)

const keyPrefix = "msg:"

type record struct {
	ID     string `json:"id"`
	User   string `json:"user"`
	Text   string `json:"text"`
	Kind   string `json:"kind"`
	SentAt int64  `json:"sent_at"`
}

// Store is a history.Backend over BadgerDB
type Store struct {
	db *badgerdb.DB
}

// Open opens the database in dir. An empty dir keeps everything in memory.
func Open(dir string) (*Store, error) {
	opts := badgerdb.DefaultOptions(dir).WithLoggingLevel(badgerdb.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// messageKey is "msg:{unix_nanos_padded}:{id}". The 19-digit padding makes
// lexicographic key order equal send order; the id separates messages sent
// in the same nanosecond.
func messageKey(msg domain.Message) []byte {
	return fmt.Appendf(nil, "%s%019d:%s", keyPrefix, msg.Timestamp.UnixNano(), msg.ID)
}

// Append implements history.Backend
func (s *Store) Append(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(record{
		ID:     msg.ID,
		User:   msg.User,
		Text:   msg.Text,
		Kind:   string(msg.Kind),
		SentAt: msg.Timestamp.UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(messageKey(msg), value)
	})
}

// Recent implements history.Backend
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []domain.Message{}, nil
	}

	msgs := make([]domain.Message, 0, limit)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := []byte(keyPrefix)
		options := badgerdb.DefaultIteratorOptions
		options.Reverse = true
		options.PrefetchSize = limit
		it := txn.NewIterator(options)
		defer it.Close()

		// newest first: start past the largest possible key
		for it.Seek(append(slices.Clone(prefix), 0xff)); it.ValidForPrefix(prefix) && len(msgs) < limit; it.Next() {
			var rec record
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &rec)
			})
			if err != nil {
				return err
			}
			msgs = append(msgs, domain.Message{
				ID:        rec.ID,
				User:      rec.User,
				Text:      rec.Text,
				Kind:      domain.Kind(rec.Kind),
				Timestamp: time.Unix(0, rec.SentAt).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}

	slices.Reverse(msgs)
	return msgs, nil
}

// Ping implements history.Backend
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return badgerdb.ErrDBClosed
	}
	return nil
}

// Close implements history.Backend
func (s *Store) Close() error {
	return s.db.Close()
}
