// Package presence derives join/leave transitions from registry mutations.
// A user is present while at least one open connection is bound to it.
package presence

import (
	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/registry"
)

// EventKind is the direction of a presence transition
type EventKind string

const (
	Joined EventKind = "joined"
	Left   EventKind = "left"
)

// Event reports a 0->1 or 1->0 connection count transition for a user
type Event struct {
	Kind     EventKind
	Username string
}

// Tracker wraps a registry with presence edge detection. Like the registry it
// wraps, it is not safe for concurrent use.
type Tracker struct {
	registry *registry.Registry
}

// NewTracker creates a tracker over reg
func NewTracker(reg *registry.Registry) *Tracker {
	return &Tracker{registry: reg}
}

// OnLogin binds conn to username and returns a Joined event when this is the
// user's first open connection.
func (t *Tracker) OnLogin(conn domain.Connection, username string) (*Event, error) {
	if err := t.registry.Bind(conn, username); err != nil {
		return nil, err
	}
	if t.registry.Count(username) != 1 {
		return nil, nil
	}
	return &Event{Kind: Joined, Username: username}, nil
}

// OnDisconnect unbinds conn and returns a Left event when it was the user's
// last open connection. Connections that never logged in produce nothing.
func (t *Tracker) OnDisconnect(conn domain.Connection) *Event {
	username, ok := t.registry.Unbind(conn)
	if !ok {
		return nil
	}
	if t.registry.Count(username) != 0 {
		return nil
	}
	return &Event{Kind: Left, Username: username}
}

// Present reports whether username has at least one open connection
func (t *Tracker) Present(username string) bool {
	return t.registry.Count(username) > 0
}
