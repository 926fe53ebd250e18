// Package storage selects the durable history backend named in configuration.
package storage

import (
	"context"
	"fmt"

	"github.com/HMasataka/huddle/internal/config"
	"github.com/HMasataka/huddle/pkg/history"
	"github.com/HMasataka/huddle/pkg/storage/badger"
	"github.com/HMasataka/huddle/pkg/storage/sqlite"
	"github.com/HMasataka/huddle/pkg/storage/surreal"
)

// NewDialer returns the dialer for cfg.Driver, or nil for the memory driver
func NewDialer(cfg config.StoreConfig) (history.Dialer, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return nil, nil
	case config.DriverSurreal:
		return func(ctx context.Context) (history.Backend, error) {
			return surreal.Dial(ctx, surreal.Config{
				URL:       cfg.SurrealURL,
				Namespace: cfg.SurrealNS,
				Database:  cfg.SurrealDB,
				Username:  cfg.SurrealUser,
				Password:  cfg.SurrealPassword,
			})
		}, nil
	case config.DriverSQLite:
		return func(ctx context.Context) (history.Backend, error) {
			return sqlite.Open(ctx, cfg.SQLitePath)
		}, nil
	case config.DriverBadger:
		return func(context.Context) (history.Backend, error) {
			return badger.Open(cfg.BadgerPath)
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
