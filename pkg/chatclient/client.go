// Package chatclient is a Go client for the chat WebSocket endpoint.
package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/errors"
	"github.com/HMasataka/huddle/pkg/transport/protocol"
	"github.com/HMasataka/huddle/pkg/transport/websocket"
	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// Options represents chat client options
type Options struct {
	Logger      *logging.Logger
	Header      http.Header
	SendTimeout time.Duration
	Connection  websocket.ClientOptions
}

// DefaultOptions returns default client options
func DefaultOptions() Options {
	return Options{
		SendTimeout: 5 * time.Second,
		Connection:  websocket.DefaultClientOptions(),
	}
}

// Client is a chat participant connected over WebSocket
type Client struct {
	url     url.URL
	options Options
	logger  *logging.Logger
	conn    *websocket.Client

	onMessage func(domain.Message)
	onUsers   func([]string)
	onError   func(code, message string)
	handlerMu sync.RWMutex

	mu sync.RWMutex
}

// New creates a new chat client
func New(serverURL url.URL, options Options) *Client {
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = DefaultOptions().SendTimeout
	}
	if options.Connection.PingInterval <= 0 {
		options.Connection = websocket.DefaultClientOptions()
	}

	return &Client{
		url:     serverURL,
		options: options,
		logger:  options.Logger,
	}
}

// Connect dials the server and starts the connection pumps. History replay
// starts arriving immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("connecting to chat server", "url", c.url.String())

	conn, _, err := gorillaws.DefaultDialer.DialContext(ctx, c.url.String(), c.options.Header)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "DIAL_ERROR", "failed to connect to server")
	}

	opts := c.options.Connection
	opts.ID = xid.New().String()

	c.conn = websocket.NewClient(opts.ID, conn, c.logger, opts)
	c.conn.Receive(c.handleMessage)
	c.conn.Start()

	c.logger.Info("connected to chat server", "url", c.url.String())

	return nil
}

// Disconnect closes the connection and waits for the pumps to stop
func (c *Client) Disconnect() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	conn.Wait()
	return err
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.conn.Context().Done()
}

// Login binds this connection to username
func (c *Client) Login(ctx context.Context, username string) error {
	return c.send(ctx, protocol.Frame{Type: protocol.FrameLogin, User: username})
}

// Say sends a chat message
func (c *Client) Say(ctx context.Context, text string) error {
	return c.send(ctx, protocol.Frame{Type: protocol.FrameMessage, Text: text})
}

// OnMessage registers the handler for history and live messages
func (c *Client) OnMessage(fn func(domain.Message)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onMessage = fn
}

// OnUsers registers the handler for presence list updates
func (c *Client) OnUsers(fn func([]string)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onUsers = fn
}

// OnError registers the handler for rejected frames
func (c *Client) OnError(fn func(code, message string)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onError = fn
}

func (c *Client) handleMessage(data []byte) error {
	var head struct {
		Type protocol.FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.logger.Warn("failed to unmarshal frame", "error", err)
		return err
	}

	c.handlerMu.RLock()
	onMessage, onUsers, onError := c.onMessage, c.onUsers, c.onError
	c.handlerMu.RUnlock()

	switch head.Type {
	case protocol.FrameMessage:
		msg, err := protocol.ParseMessageFrame(data)
		if err != nil {
			return err
		}
		if onMessage != nil {
			onMessage(msg)
		}
	case protocol.FrameUsers:
		var f protocol.UsersFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		if onUsers != nil {
			onUsers(f.List)
		}
	case protocol.FrameError:
		var f protocol.ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		if onError != nil {
			onError(f.Code, f.Message)
		}
	default:
		c.logger.Warn("no handler for frame type", "type", head.Type)
	}

	return nil
}

func (c *Client) send(ctx context.Context, frame protocol.Frame) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.New(errors.ErrorTypeTransport, "NOT_CONNECTED", "not connected to server")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "MARSHAL_ERROR", "failed to marshal frame")
	}

	ctx, cancel := context.WithTimeout(ctx, c.options.SendTimeout)
	defer cancel()

	return conn.Send(ctx, data)
}
