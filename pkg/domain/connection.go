package domain

import (
	"context"
)

// Connection is the handle the transport layer gives the core for one open
// duplex channel. The core never opens or accepts connections itself.
type Connection interface {
	// ID returns the unique identifier of the connection
	ID() string

	// Send queues a serialized frame for delivery. It never blocks past ctx.
	Send(ctx context.Context, message []byte) error

	// Close closes the connection. Calling it more than once is a no-op.
	Close() error

	// OnClose registers fn to run once the connection is closed. If the
	// connection is already closed, fn runs immediately.
	OnClose(fn func())

	// Context is cancelled when the connection closes
	Context() context.Context
}
