// Package registry maps open connections to the usernames bound on them.
//
// A Registry is not safe for concurrent use; the chat hub owns one and
// serializes every call through its run loop.
package registry

import (
	"sort"

	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/errors"
	"github.com/samber/lo"
)

type binding struct {
	conn     domain.Connection
	username string
}

// Registry is a bidirectional connection <-> username index
type Registry struct {
	byConn map[string]binding                      // connection id -> binding
	byUser map[string]map[string]domain.Connection // username -> connection id -> connection
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		byConn: make(map[string]binding),
		byUser: make(map[string]map[string]domain.Connection),
	}
}

// Bind associates conn with username. It fails with domain.ErrAlreadyBound if
// conn is bound already, whatever the name.
func (r *Registry) Bind(conn domain.Connection, username string) error {
	if existing, ok := r.byConn[conn.ID()]; ok {
		return errors.Wrap(domain.ErrAlreadyBound, errors.ErrorTypeConflict, errors.CodeAlreadyBound, "connection already logged in").
			WithDetails(existing.username)
	}

	r.byConn[conn.ID()] = binding{conn: conn, username: username}

	conns, ok := r.byUser[username]
	if !ok {
		conns = make(map[string]domain.Connection)
		r.byUser[username] = conns
	}
	conns[conn.ID()] = conn
	return nil
}

// Unbind removes conn from both directions and returns the freed username.
// Unbinding an unbound connection is a no-op.
func (r *Registry) Unbind(conn domain.Connection) (string, bool) {
	b, ok := r.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn.ID())

	if conns, ok := r.byUser[b.username]; ok {
		delete(conns, conn.ID())
		if len(conns) == 0 {
			delete(r.byUser, b.username)
		}
	}
	return b.username, true
}

// Username returns the name bound on conn
func (r *Registry) Username(conn domain.Connection) (string, bool) {
	b, ok := r.byConn[conn.ID()]
	return b.username, ok
}

// ConnectionsOf returns the connections bound to username, empty if unknown
func (r *Registry) ConnectionsOf(username string) []domain.Connection {
	return lo.Values(r.byUser[username])
}

// Count returns how many connections are bound to username
func (r *Registry) Count(username string) int {
	return len(r.byUser[username])
}

// Usernames returns the distinct bound usernames, sorted
func (r *Registry) Usernames() []string {
	names := lo.Keys(r.byUser)
	sort.Strings(names)
	return names
}

// Len returns the number of bound connections
func (r *Registry) Len() int {
	return len(r.byConn)
}
