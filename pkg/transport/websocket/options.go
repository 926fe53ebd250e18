package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/HMasataka/huddle/internal/eventbus"
	"github.com/HMasataka/huddle/internal/logging"
)

// ServerOptions represents websocket server options
type ServerOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Logger          *logging.Logger
	EventBus        eventbus.Bus
	Ingestor        Ingestor
	Client          ClientOptions
}

// ServerOption is a function that configures ServerOptions
type ServerOption func(*ServerOptions)

// WithLogger sets the logger for the server
func WithLogger(logger *logging.Logger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = logger
	}
}

// WithEventBus sets the event bus for the server
func WithEventBus(eventBus eventbus.Bus) ServerOption {
	return func(o *ServerOptions) {
		o.EventBus = eventBus
	}
}

// WithCheckOrigin sets the check origin function
func WithCheckOrigin(checkOrigin func(r *http.Request) bool) ServerOption {
	return func(o *ServerOptions) {
		o.CheckOrigin = checkOrigin
	}
}

// WithAllowedOrigins restricts upgrades to the listed origins
func WithAllowedOrigins(origins []string) ServerOption {
	return func(o *ServerOptions) {
		o.CheckOrigin = OriginChecker(origins)
	}
}

// WithIngestor sets the component that receives connection lifecycle and frames
func WithIngestor(ingestor Ingestor) ServerOption {
	return func(o *ServerOptions) {
		o.Ingestor = ingestor
	}
}

// WithClientOptions sets the per-connection options
func WithClientOptions(options ClientOptions) ServerOption {
	return func(o *ServerOptions) {
		o.Client = options
	}
}

// OriginChecker builds a CheckOrigin function from an allow-list. An empty
// list or a "*" entry allows every origin. Requests without an Origin header
// come from non-browser clients and are allowed.
func OriginChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := len(origins) == 0

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			allowAll = true
			continue
		}
		if normalized, ok := normalizeOrigin(trimmed); ok {
			allowed[normalized] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}

		header := r.Header.Get("Origin")
		if header == "" {
			return true
		}

		normalized, ok := normalizeOrigin(header)
		if !ok {
			return false
		}
		_, exists := allowed[normalized]
		return exists
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
