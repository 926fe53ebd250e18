// Package server assembles the chat core, its transports and the HTTP
// listener into one runnable process.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/HMasataka/huddle/internal/config"
	"github.com/HMasataka/huddle/internal/eventbus"
	"github.com/HMasataka/huddle/internal/logging"
	"github.com/HMasataka/huddle/pkg/chat"
	"github.com/HMasataka/huddle/pkg/history"
	"github.com/HMasataka/huddle/pkg/storage"
	"github.com/HMasataka/huddle/pkg/transport/rest"
	"github.com/HMasataka/huddle/pkg/transport/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server owns every long-lived component of the process
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	bus      *eventbus.InMemoryBus
	store    history.Store
	hub      *chat.Hub
	pipeline *chat.Pipeline
	router   chi.Router
}

// New builds the process from cfg. The history store is probed here, once;
// an unreachable durable backend leaves the process in memory mode.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Server, error) {
	dial, err := storage.NewDialer(cfg.Store)
	if err != nil {
		return nil, err
	}
	store := history.Open(ctx, dial, cfg.Store.ProbeTimeout, logger.WithFields(map[string]any{"component": "history"}))

	bus := eventbus.NewInMemoryBus(1024, logger)
	bus.SubscribeAll(func(e *eventbus.Event) {
		logger.Debug("event", "type", e.Type, "source", e.Source, "metadata", e.Metadata)
	})

	hub := chat.NewHub(chat.HubOptions{
		Logger:      logger.WithFields(map[string]any{"component": "hub"}),
		SendTimeout: cfg.Hub.SendTimeout,
	})

	pipeline := chat.NewPipeline(chat.PipelineOptions{
		Hub:          hub,
		Store:        store,
		EventBus:     bus,
		Logger:       logger.WithFields(map[string]any{"component": "pipeline"}),
		HistoryLimit: cfg.Hub.HistoryLimit,
		SendTimeout:  cfg.Hub.SendTimeout,
		MaxUsername:  cfg.Hub.MaxUsername,
		MaxText:      cfg.Hub.MaxText,
	})

	ws := websocket.NewServer(
		websocket.WithLogger(logger),
		websocket.WithEventBus(bus),
		websocket.WithIngestor(pipeline),
		websocket.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		websocket.WithClientOptions(websocket.ClientOptions{
			WriteTimeout:   cfg.Hub.WriteTimeout,
			ReadTimeout:    cfg.Hub.ReadTimeout,
			PingInterval:   cfg.Hub.PingInterval,
			MaxMessageSize: cfg.Hub.MaxMessageSize,
			SendBuffer:     cfg.Hub.SendBuffer,
			RateLimit:      cfg.Hub.RateLimit,
			RateBurst:      cfg.Hub.RateBurst,
		}),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/ws", ws.ServeHTTP)
	r.Mount("/api", rest.NewHandler(pipeline, logger).Routes())
	if cfg.Server.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.Server.StaticDir)))
	}

	return &Server{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		store:    store,
		hub:      hub,
		pipeline: pipeline,
		router:   r,
	}, nil
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.router
}

// StoreMode reports the history mode chosen at startup
func (s *Server) StoreMode() history.Mode {
	return s.store.Mode()
}

// Start starts the background components
func (s *Server) Start(ctx context.Context) error {
	s.bus.Start(ctx)
	return s.hub.Start(ctx)
}

// Close stops the hub, which closes every connection, then releases the
// event bus and the store.
func (s *Server) Close() error {
	s.hub.Stop()
	s.bus.Stop()
	return s.store.Close()
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Warn("closing history store", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server",
			"address", httpServer.Addr,
			"store_mode", s.store.Mode(),
		)
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	s.logger.Info("server stopped cleanly")
	return nil
}

func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			reqLogger := logger.WithFields(map[string]any{"request_id": middleware.GetReqID(r.Context())})
			next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), reqLogger)))

			reqLogger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}
