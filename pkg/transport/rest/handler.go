// Package rest exposes history, publishing, presence and health over HTTP.
package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/errors"
	"github.com/HMasataka/huddle/pkg/history"
	"github.com/HMasataka/huddle/pkg/transport/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
)

// Service is the chat core as seen by the HTTP surface
type Service interface {
	Recent(ctx context.Context, limit int) ([]domain.Message, error)
	Publish(ctx context.Context, username, text string) (domain.Message, error)
	Usernames(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (domain.HubStats, error)
	StoreMode() history.Mode
}

// PublishRequest is the body of POST /messages
type PublishRequest struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	StoreMode history.Mode `json:"store_mode"`
	domain.HubStats
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler serves the REST routes
type Handler struct {
	svc    Service
	logger *logging.Logger
}

// NewHandler creates a new REST handler
func NewHandler(svc Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes returns the router to mount under /api
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/messages", h.listMessages)
	r.Post("/messages", h.publishMessage)
	r.Get("/users", h.listUsers)
	r.Get("/health", h.health)
	return r
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := history.Capacity
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, errors.CodeMalformedFrame, "limit must be an integer")
			return
		}
		limit = lo.Clamp(n, 1, history.Capacity)
	}

	msgs, err := h.svc.Recent(r.Context(), limit)
	if err != nil {
		if msgs == nil {
			h.writeFailure(w, err)
			return
		}
		h.logger.Warn("serving degraded history", "error", err)
	}

	frames := lo.Map(msgs, func(m domain.Message, _ int) protocol.MessageFrame {
		return protocol.ToMessageFrame(m)
	})
	h.writeJSON(w, http.StatusOK, frames)
}

func (h *Handler) publishMessage(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.CodeMalformedFrame, "invalid JSON body")
		return
	}

	msg, err := h.svc.Publish(r.Context(), req.User, req.Text)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, protocol.ToMessageFrame(msg))
}

// listUsers serves the present-user snapshot, the same list WebSocket
// clients receive in users frames.
func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	usernames, err := h.svc.Usernames(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if usernames == nil {
		usernames = []string{}
	}
	h.writeJSON(w, http.StatusOK, protocol.UsersFrame{Type: protocol.FrameUsers, List: usernames})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{StoreMode: h.svc.StoreMode(), HubStats: stats})
}

func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	message := err.Error()

	var e *errors.Error
	if stderrors.As(err, &e) {
		message = e.Message
	}

	switch {
	case stderrors.Is(err, domain.ErrMalformedFrame):
		h.writeError(w, http.StatusBadRequest, code, message)
	case stderrors.Is(err, domain.ErrHubStopped), stderrors.Is(err, domain.ErrStoreUnavailable):
		if code == "" {
			code = errors.CodeHubStopped
			if stderrors.Is(err, domain.ErrStoreUnavailable) {
				code = errors.CodeStoreUnavailable
			}
		}
		h.writeError(w, http.StatusServiceUnavailable, code, message)
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}
