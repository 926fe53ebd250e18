package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      string
	failing bool

	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	onClose []func()
	ctx     context.Context
	cancel  context.CancelFunc
}

func newFakeConn(id string) *fakeConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeConn{id: id, ctx: ctx, cancel: cancel}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("broken pipe")
	}
	if c.closed {
		return domain.ErrConnectionClosed
	}
	c.sent = append(c.sent, message)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	c.cancel()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

func (c *fakeConn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *fakeConn) Context() context.Context { return c.ctx }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// wireFrame is the union of every outbound frame shape
type wireFrame struct {
	Type      string   `json:"type"`
	User      string   `json:"user"`
	Text      string   `json:"text"`
	Timestamp string   `json:"timestamp"`
	Kind      string   `json:"kind"`
	List      []string `json:"list"`
	Code      string   `json:"code"`
}

func (c *fakeConn) frames(t *testing.T) []wireFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]wireFrame, 0, len(c.sent))
	for _, raw := range c.sent {
		var f wireFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

// drain returns the frames received so far and forgets them
func (c *fakeConn) drain(t *testing.T) []wireFrame {
	t.Helper()
	frames := c.frames(t)
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
	return frames
}

func chatFrame(user, text string) wireFrame {
	return wireFrame{Type: "message", User: user, Text: text, Kind: "chat"}
}

func systemFrame(text string) wireFrame {
	return wireFrame{Type: "message", User: domain.SystemUser, Text: text, Kind: "system"}
}

func usersFrame(list ...string) wireFrame {
	if list == nil {
		list = []string{}
	}
	return wireFrame{Type: "users", List: list}
}

// stripTimestamps blanks timestamps so frames compare by content
func stripTimestamps(frames []wireFrame) []wireFrame {
	out := make([]wireFrame, len(frames))
	for i, f := range frames {
		f.Timestamp = ""
		out[i] = f
	}
	return out
}
