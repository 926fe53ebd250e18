package history

import (
	"context"
	"fmt"
	"sort"

	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/samber/lo"
)

// Durable writes through to a Backend. A failed append lands in a local
// buffer instead so the message is never dropped, and Recent merges both.
type Durable struct {
	backend  Backend
	fallback *Buffer
	logger   *logging.Logger
}

// NewDurable creates a write-through store over backend
func NewDurable(backend Backend, logger *logging.Logger) *Durable {
	return &Durable{
		backend:  backend,
		fallback: NewBuffer(Capacity),
		logger:   logger,
	}
}

// Append implements Store. On backend failure the message is kept in memory
// and an error wrapping domain.ErrStoreUnavailable is returned.
func (d *Durable) Append(ctx context.Context, msg domain.Message) error {
	err := d.backend.Append(ctx, msg)
	if err == nil {
		return nil
	}

	d.logger.Warn("durable append failed, message kept in memory",
		"message_id", msg.ID,
		"error", err,
	)
	if ferr := d.fallback.Append(ctx, msg); ferr != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, ferr)
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

// Recent implements Store
func (d *Durable) Recent(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}

	stored, err := d.backend.Recent(ctx, limit)
	if err != nil {
		d.logger.Warn("durable read failed, serving memory fallback", "error", err)
		err = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	local, _ := d.fallback.Recent(ctx, limit)
	if len(local) == 0 {
		return lastN(stored, limit), err
	}

	merged := lo.UniqBy(append(stored, local...), func(m domain.Message) string {
		return m.ID
	})
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return lastN(merged, limit), err
}

// Mode implements Store
func (d *Durable) Mode() Mode {
	return ModeDurable
}

// Close implements Store
func (d *Durable) Close() error {
	return d.backend.Close()
}

func lastN(msgs []domain.Message, n int) []domain.Message {
	if msgs == nil {
		return []domain.Message{}
	}
	if len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}
