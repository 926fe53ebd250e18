package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/errors"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// MessageHandler receives each inbound text or binary frame
type MessageHandler func(message []byte) error

// ClientOptions represents websocket client options
type ClientOptions struct {
	ID             string
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// RateLimit is inbound frames per second; zero disables limiting
	RateLimit float64
	RateBurst int
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

// Client implements domain.Connection for WebSocket
type Client struct {
	id       string
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *logging.Logger
	options  ClientOptions
	sendChan chan []byte
	handler  MessageHandler
	limiter  *rate.Limiter

	mu        sync.Mutex
	closed    bool
	onClose   []func()
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, logger *logging.Logger, options ClientOptions) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	if options.SendBuffer <= 0 {
		options.SendBuffer = DefaultClientOptions().SendBuffer
	}
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Client{
		id:       id,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.WithFields(map[string]any{"client_id": id}),
		options:  options,
		sendChan: make(chan []byte, options.SendBuffer),
	}
	if options.RateLimit > 0 {
		burst := options.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(options.RateLimit), burst)
	}

	return c
}

// ID implements domain.Connection
func (c *Client) ID() string {
	return c.id
}

// Send queues a frame for the write pump without blocking
func (c *Client) Send(ctx context.Context, message []byte) error {
	select {
	case <-c.ctx.Done():
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case c.sendChan <- message:
		return nil
	case <-c.ctx.Done():
		return domain.ErrConnectionClosed
	default:
		return errors.Wrap(domain.ErrSendFailure, errors.ErrorTypeTransport, errors.CodeSendBufferFull, "send buffer is full")
	}
}

// Receive sets the inbound frame handler. It must be called before Start.
func (c *Client) Receive(handler MessageHandler) {
	c.handler = handler
}

// OnClose implements domain.Connection. Callbacks registered after the
// client closed run immediately.
func (c *Client) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close implements domain.Connection. It is safe to call from any goroutine
// and more than once; it does not wait for the pumps to exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		callbacks := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		c.logger.Info("closing client connection")

		c.cancel()

		deadline := time.Now().Add(c.options.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

		if err := c.conn.Close(); err != nil {
			c.logger.Debug("error closing websocket connection", "error", err)
		}

		for _, fn := range callbacks {
			fn()
		}
	})

	return nil
}

// Context implements domain.Connection
func (c *Client) Context() context.Context {
	return c.ctx
}

// Start starts the client read and write pumps
func (c *Client) Start() {
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
}

// Wait blocks until both pumps have exited
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) readPump() {
	defer c.wg.Done()
	defer func() {
		c.logger.Debug("read pump stopped")
		c.Close()
	}()

	c.conn.SetReadLimit(c.options.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn("inbound rate limit exceeded, dropping frame", "size", len(message))
			continue
		}

		if c.handler != nil {
			if err := c.handler(message); err != nil {
				c.logger.Debug("message handler error", "error", err)
			}
		}
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()
	defer func() {
		c.logger.Debug("write pump stopped")
		c.Close()
	}()

	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case message := <-c.sendChan:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain any queued messages
			n := len(c.sendChan)
			for range n {
				select {
				case msg := <-c.sendChan:
					if err := c.write(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		select {
		case <-c.ctx.Done():
		default:
			c.logger.Warn("websocket write error", "error", err)
		}
		return err
	}
	return nil
}
