package chat

import (
	"context"

	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/transport/protocol"
)

// Router dispatches inbound frames to their handlers
type Router struct {
	registry *protocol.DefaultHandlerRegistry
	logger   *logging.Logger
}

// NewRouter creates a router with the login and message handlers registered
func NewRouter(pipeline *Pipeline, logger *logging.Logger) *Router {
	registry := protocol.NewHandlerRegistry()

	registry.Register(protocol.FrameLogin, NewLoginHandler(pipeline))
	registry.Register(protocol.FrameMessage, NewMessageHandler(pipeline))

	return &Router{
		registry: registry,
		logger:   logger,
	}
}

// Handle routes frame to the handler registered for its type
func (r *Router) Handle(ctx context.Context, frame *protocol.Frame) error {
	r.logger.Debug("routing frame", "type", frame.Type)
	return r.registry.Handle(ctx, frame)
}

// Register adds or replaces the handler for a frame type
func (r *Router) Register(frameType protocol.FrameType, handler protocol.Handler) {
	r.registry.Register(frameType, handler)
}
