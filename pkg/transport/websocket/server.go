package websocket

import (
	"context"
	"net/http"

	"github.com/HMasataka/huddle/internal/eventbus"
	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// Ingestor receives the lifecycle and inbound frames of each connection
type Ingestor interface {
	// Attach replays history to conn and makes it broadcast-eligible
	Attach(ctx context.Context, conn domain.Connection) error

	// HandleFrame processes one inbound frame from conn
	HandleFrame(ctx context.Context, conn domain.Connection, data []byte) error

	// HandleDisconnect releases everything held for conn
	HandleDisconnect(ctx context.Context, conn domain.Connection)
}

// Server represents a WebSocket server
type Server struct {
	upgrader websocket.Upgrader
	ingestor Ingestor
	logger   *logging.Logger
	eventBus eventbus.Bus
	options  ServerOptions
}

// NewServer creates a new WebSocket server
func NewServer(opts ...ServerOption) *Server {
	options := ServerOptions{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     OriginChecker(nil),
		Client:          DefaultClientOptions(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = logging.Discard()
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     options.CheckOrigin,
		},
		ingestor: options.Ingestor,
		logger:   options.Logger,
		eventBus: options.EventBus,
		options:  options,
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error",
			"error", err,
			"remote_addr", r.RemoteAddr,
			"origin", r.Header.Get("Origin"),
		)
		return
	}

	clientID := xid.New().String()

	clientOptions := s.options.Client
	clientOptions.ID = clientID

	client := NewClient(clientID, conn, s.logger, clientOptions)

	client.Receive(func(message []byte) error {
		return s.ingestor.HandleFrame(client.Context(), client, message)
	})
	client.OnClose(func() {
		s.ingestor.HandleDisconnect(context.Background(), client)
	})

	if err := s.ingestor.Attach(client.Context(), client); err != nil {
		s.logger.Error("failed to attach client",
			"error", err,
			"client_id", clientID,
		)
		client.Close()
		return
	}

	s.publish(eventbus.EventClientConnected, map[string]string{
		"client_id":   clientID,
		"remote_addr": r.RemoteAddr,
	})

	client.Start()

	s.logger.Info("client connected",
		"client_id", clientID,
		"remote_addr", r.RemoteAddr,
	)

	<-client.Context().Done()
	client.Wait()

	s.publish(eventbus.EventClientDisconnected, map[string]string{
		"client_id": clientID,
	})

	s.logger.Info("client disconnected", "client_id", clientID)
}

func (s *Server) publish(eventType eventbus.EventType, data map[string]string) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.PublishAsync(eventbus.NewEvent(eventType, "websocket-server", data))
}
