package chat

import (
	"context"

	"github.com/HMasataka/huddle/pkg/domain"
)

type connectionKey struct{}

// WithConnection returns a context carrying the connection a frame arrived on
func WithConnection(ctx context.Context, conn domain.Connection) context.Context {
	return context.WithValue(ctx, connectionKey{}, conn)
}

// ConnectionFromContext returns the connection stored by WithConnection
func ConnectionFromContext(ctx context.Context) (domain.Connection, bool) {
	conn, ok := ctx.Value(connectionKey{}).(domain.Connection)
	if !ok || conn == nil {
		return nil, false
	}

	return conn, true
}
