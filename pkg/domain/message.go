package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes user chat from synthesized announcements
type Kind string

const (
	KindChat   Kind = "chat"
	KindSystem Kind = "system"
)

// SystemUser is the sender recorded on system messages
const SystemUser = "system"

// Message is immutable once created. Timestamp is always assigned by the server.
type Message struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
}

// NewChatMessage creates a chat message sent by user
func NewChatMessage(user, text string, at time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		User:      user,
		Text:      text,
		Timestamp: at.UTC(),
		Kind:      KindChat,
	}
}

// NewSystemMessage creates a system announcement
func NewSystemMessage(text string, at time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		User:      SystemUser,
		Text:      text,
		Timestamp: at.UTC(),
		Kind:      KindSystem,
	}
}

// Clock provides message timestamps
type Clock interface {
	Now() time.Time
}

// MonotonicClock never returns the same instant twice and never goes backwards,
// even if the wall clock does.
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewMonotonicClock creates a clock backed by time.Now
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{now: time.Now}
}

// Now implements Clock
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Round(0)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
