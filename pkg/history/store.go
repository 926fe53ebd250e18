// Package history keeps the recent message log replayed to newly attached
// connections. The storage mode is chosen once at startup and never changes
// for the lifetime of the process.
package history

import (
	"context"
	"time"

	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/domain"
)

// Mode reports where appended messages go
type Mode string

const (
	ModeDurable Mode = "durable"
	ModeMemory  Mode = "memory"
)

// Store is the history contract used by the ingest pipeline
type Store interface {
	// Append records msg
	Append(ctx context.Context, msg domain.Message) error

	// Recent returns at most limit messages, oldest first
	Recent(ctx context.Context, limit int) ([]domain.Message, error)

	// Mode reports the storage mode fixed at startup
	Mode() Mode

	// Close releases the underlying resources
	Close() error
}

// Backend is an external durable message store
type Backend interface {
	Append(ctx context.Context, msg domain.Message) error

	// Recent returns the last limit messages ordered by send time, oldest first
	Recent(ctx context.Context, limit int) ([]domain.Message, error)

	// Ping checks reachability
	Ping(ctx context.Context) error

	Close() error
}

// Dialer connects to a durable backend
type Dialer func(ctx context.Context) (Backend, error)

// Open selects the process-wide store. A nil dialer, a failed dial or a failed
// reachability probe all yield the in-memory buffer.
func Open(ctx context.Context, dial Dialer, probeTimeout time.Duration, logger *logging.Logger) Store {
	if dial == nil {
		logger.Info("history store configured", "mode", ModeMemory)
		return NewBuffer(Capacity)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	backend, err := dial(probeCtx)
	if err != nil {
		logger.Warn("durable store unreachable, continuing in memory mode", "error", err)
		return NewBuffer(Capacity)
	}

	if err := backend.Ping(probeCtx); err != nil {
		logger.Warn("durable store probe failed, continuing in memory mode", "error", err)
		if cerr := backend.Close(); cerr != nil {
			logger.Debug("closing unreachable backend", "error", cerr)
		}
		return NewBuffer(Capacity)
	}

	logger.Info("history store configured", "mode", ModeDurable)
	return NewDurable(backend, logger)
}
