package domain

import (
	"errors"
)

// Core error taxonomy. Every one of these is recoverable: the affected
// operation is dropped and everyone else keeps being served.
var (
	// ErrAlreadyBound is returned when login is attempted on a connection that is already bound
	ErrAlreadyBound = errors.New("connection already bound to a user")

	// ErrNotAuthenticated is returned for chat frames received before login
	ErrNotAuthenticated = errors.New("connection is not authenticated")

	// ErrMalformedFrame is returned for unparseable or unrecognized frames
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrStoreUnavailable is returned when the durable store cannot serve a request
	ErrStoreUnavailable = errors.New("history store unavailable")

	// ErrSendFailure is returned when a frame could not be queued on a connection
	ErrSendFailure = errors.New("send failed")

	// ErrConnectionClosed is returned when trying to use a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrHubStopped is returned when trying to use a hub that has been stopped
	ErrHubStopped = errors.New("hub stopped")
)
