package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/presence"
	"github.com/HMasataka/huddle/pkg/registry"
)

// HubOptions represents hub configuration options
type HubOptions struct {
	Logger      *logging.Logger
	SendTimeout time.Duration
	QueueSize   int
}

// Hub owns every piece of mutable connection state: the registry, the
// presence tracker and the set of broadcast-eligible connections. All of it
// is touched only from the run goroutine; public methods submit closures and
// wait for them.
type Hub struct {
	ops         chan func()
	registry    *registry.Registry
	tracker     *presence.Tracker
	clients     map[string]domain.Connection
	logger      *logging.Logger
	sendTimeout time.Duration

	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	// Statistics
	messagesSent atomic.Int64
	sendFailures atomic.Int64
	startTime    time.Time
}

// NewHub creates a new hub
func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	reg := registry.New()

	return &Hub{
		ops:         make(chan func(), opts.QueueSize),
		registry:    reg,
		tracker:     presence.NewTracker(reg),
		clients:     make(map[string]domain.Connection),
		logger:      opts.Logger,
		sendTimeout: opts.SendTimeout,
		done:        make(chan struct{}),
		startTime:   time.Now(),
	}
}

// Start starts the run loop
func (h *Hub) Start(ctx context.Context) error {
	h.startOnce.Do(func() {
		ctx, h.cancel = context.WithCancel(ctx)
		h.wg.Add(1)
		go h.run(ctx)
		h.logger.Info("hub started")
	})
	return nil
}

// Stop stops the run loop and closes every attached connection
func (h *Hub) Stop() error {
	h.stopOnce.Do(func() {
		h.logger.Info("stopping hub")
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()

		// the loop has exited, so the maps are ours now
		clients := make([]domain.Connection, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		for _, c := range clients {
			c.Close()
		}

		h.logger.Info("hub stopped", "closed_clients", len(clients))
	})
	return nil
}

func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-h.ops:
			op()
		}
	}
}

// do runs fn on the hub goroutine and waits for it to finish
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}

	select {
	case h.ops <- op:
	case <-h.done:
		return domain.ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-h.done:
		select {
		case <-finished:
			return nil
		default:
			return domain.ErrHubStopped
		}
	}
}

// Attach makes conn broadcast-eligible. History replay must already be queued
// on conn when this is called. Closed connections are refused.
func (h *Hub) Attach(ctx context.Context, conn domain.Connection) error {
	var attachErr error
	err := h.do(ctx, func() {
		if conn.Context().Err() != nil {
			attachErr = domain.ErrConnectionClosed
			return
		}
		if _, exists := h.clients[conn.ID()]; exists {
			h.logger.Warn("client already attached", "client_id", conn.ID())
			return
		}
		h.clients[conn.ID()] = conn
		h.logger.Info("client attached",
			"client_id", conn.ID(),
			"total_clients", len(h.clients),
		)
	})
	if err != nil {
		return err
	}
	return attachErr
}

// Detach removes conn from the broadcast set and unbinds it, returning a Left
// event when it was its user's last connection. Detaching twice is a no-op.
func (h *Hub) Detach(ctx context.Context, conn domain.Connection) (*presence.Event, error) {
	var event *presence.Event
	err := h.do(ctx, func() {
		if _, ok := h.clients[conn.ID()]; ok {
			delete(h.clients, conn.ID())
			h.logger.Info("client detached",
				"client_id", conn.ID(),
				"total_clients", len(h.clients),
			)
		}
		event = h.tracker.OnDisconnect(conn)
	})
	return event, err
}

// Login binds conn to username, returning a Joined event on the user's first
// connection. A connection whose context is already cancelled has been or is
// about to be detached and is refused.
func (h *Hub) Login(ctx context.Context, conn domain.Connection, username string) (*presence.Event, error) {
	var (
		event    *presence.Event
		loginErr error
	)
	err := h.do(ctx, func() {
		if conn.Context().Err() != nil {
			loginErr = domain.ErrConnectionClosed
			return
		}
		event, loginErr = h.tracker.OnLogin(conn, username)
	})
	if err != nil {
		return nil, err
	}
	return event, loginErr
}

// Username returns the user conn is bound to
func (h *Hub) Username(ctx context.Context, conn domain.Connection) (string, bool, error) {
	var (
		username string
		ok       bool
	)
	err := h.do(ctx, func() {
		username, ok = h.registry.Username(conn)
	})
	return username, ok, err
}

// Usernames returns a sorted snapshot of present users
func (h *Hub) Usernames(ctx context.Context) ([]string, error) {
	var usernames []string
	err := h.do(ctx, func() {
		usernames = h.registry.Usernames()
	})
	return usernames, err
}

// ConnectionsOf returns the open connections bound to username
func (h *Hub) ConnectionsOf(ctx context.Context, username string) ([]domain.Connection, error) {
	var conns []domain.Connection
	err := h.do(ctx, func() {
		conns = h.registry.ConnectionsOf(username)
	})
	return conns, err
}

// Stats returns hub statistics
func (h *Hub) Stats(ctx context.Context) (domain.HubStats, error) {
	stats := domain.HubStats{
		MessagesSent: h.messagesSent.Load(),
		SendFailures: h.sendFailures.Load(),
		Uptime:       time.Since(h.startTime).Seconds(),
	}
	err := h.do(ctx, func() {
		stats.ConnectedClients = len(h.clients)
		stats.PresentUsers = h.registry.Len()
	})
	return stats, err
}
