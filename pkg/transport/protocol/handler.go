package protocol

import (
	"context"

	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/errors"
)

// Handler defines the interface for handling inbound frames
type Handler interface {
	// Handle processes a frame
	Handle(ctx context.Context, frame *Frame) error

	// CanHandle checks if the handler can handle a specific frame type
	CanHandle(frameType FrameType) bool
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, frame *Frame) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, frame *Frame) error {
	return f(ctx, frame)
}

// CanHandle implements Handler
func (f HandlerFunc) CanHandle(FrameType) bool {
	return true
}

// HandlerRegistry manages frame handlers
type HandlerRegistry interface {
	// Register registers a handler for a frame type
	Register(frameType FrameType, handler Handler)

	// Get retrieves a handler for a frame type
	Get(frameType FrameType) (Handler, bool)

	// Handle routes a frame to the appropriate handler
	Handle(ctx context.Context, frame *Frame) error
}

// DefaultHandlerRegistry is the default implementation of HandlerRegistry.
// Registration happens at wiring time; lookups are read-only afterwards.
type DefaultHandlerRegistry struct {
	handlers map[FrameType]Handler
}

// NewHandlerRegistry creates a new handler registry
func NewHandlerRegistry() *DefaultHandlerRegistry {
	return &DefaultHandlerRegistry{
		handlers: make(map[FrameType]Handler),
	}
}

// Register implements HandlerRegistry
func (r *DefaultHandlerRegistry) Register(frameType FrameType, handler Handler) {
	r.handlers[frameType] = handler
}

// Get implements HandlerRegistry
func (r *DefaultHandlerRegistry) Get(frameType FrameType) (Handler, bool) {
	handler, ok := r.handlers[frameType]
	if !ok || !handler.CanHandle(frameType) {
		return nil, false
	}
	return handler, true
}

// Handle implements HandlerRegistry
func (r *DefaultHandlerRegistry) Handle(ctx context.Context, frame *Frame) error {
	handler, ok := r.Get(frame.Type)
	if !ok {
		return errors.Wrap(domain.ErrMalformedFrame, errors.ErrorTypeProtocol, errors.CodeMalformedFrame, "no handler found for frame type").
			WithDetails(string(frame.Type))
	}

	return handler.Handle(ctx, frame)
}
