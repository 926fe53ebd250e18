package chat

import (
	"context"

	"github.com/HMasataka/huddle/pkg/errors"
	"github.com/HMasataka/huddle/pkg/transport/protocol"
)

// LoginHandler handles login frames
type LoginHandler struct {
	pipeline *Pipeline
}

// NewLoginHandler creates a new login handler
func NewLoginHandler(pipeline *Pipeline) *LoginHandler {
	return &LoginHandler{pipeline: pipeline}
}

// Handle implements protocol.Handler
func (h *LoginHandler) Handle(ctx context.Context, frame *protocol.Frame) error {
	conn, ok := ConnectionFromContext(ctx)
	if !ok {
		return errors.New(errors.ErrorTypeInternal, "NO_CONNECTION", "frame context carries no connection")
	}
	return h.pipeline.HandleLogin(ctx, conn, frame.User)
}

// CanHandle implements protocol.Handler
func (h *LoginHandler) CanHandle(frameType protocol.FrameType) bool {
	return frameType == protocol.FrameLogin
}

// MessageHandler handles chat message frames. The frame's user and timestamp
// are ignored; identity comes from the login binding.
type MessageHandler struct {
	pipeline *Pipeline
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(pipeline *Pipeline) *MessageHandler {
	return &MessageHandler{pipeline: pipeline}
}

// Handle implements protocol.Handler
func (h *MessageHandler) Handle(ctx context.Context, frame *protocol.Frame) error {
	conn, ok := ConnectionFromContext(ctx)
	if !ok {
		return errors.New(errors.ErrorTypeInternal, "NO_CONNECTION", "frame context carries no connection")
	}
	_, err := h.pipeline.HandleChat(ctx, conn, frame.Text)
	return err
}

// CanHandle implements protocol.Handler
func (h *MessageHandler) CanHandle(frameType protocol.FrameType) bool {
	return frameType == protocol.FrameMessage
}
