package config

import (
	"net"
	"strconv"
	"time"

	"github.com/HMasataka/huddle/internal/logging"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig   `json:"server" yaml:"server" envPrefix:"SERVER_"`
	Hub     HubConfig      `json:"hub" yaml:"hub" envPrefix:"HUB_"`
	Store   StoreConfig    `json:"store" yaml:"store" envPrefix:"STORE_"`
	Logging logging.Config `json:"logging" yaml:"logging" envPrefix:"LOG_"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host" env:"HOST"`
	Port            int           `json:"port" yaml:"port" env:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" env:"READ_TIMEOUT" validate:"min=0"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"min=0"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"IDLE_TIMEOUT" validate:"min=0"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	StaticDir       string        `json:"static_dir" yaml:"static_dir" env:"STATIC_DIR"`
	AllowedOrigins  []string      `json:"allowed_origins" yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// HubConfig represents chat hub and per-connection configuration
type HubConfig struct {
	HistoryLimit   int           `json:"history_limit" yaml:"history_limit" env:"HISTORY_LIMIT" validate:"min=1,max=50"`
	SendTimeout    time.Duration `json:"send_timeout" yaml:"send_timeout" env:"SEND_TIMEOUT" validate:"gt=0"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gt=0"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gt=0"`
	PingInterval   time.Duration `json:"ping_interval" yaml:"ping_interval" env:"PING_INTERVAL" validate:"gt=0,ltfield=ReadTimeout"`
	MaxMessageSize int64         `json:"max_message_size" yaml:"max_message_size" env:"MAX_MESSAGE_SIZE" validate:"gt=0"`
	SendBuffer     int           `json:"send_buffer" yaml:"send_buffer" env:"SEND_BUFFER" validate:"gt=0"`
	RateLimit      float64       `json:"rate_limit" yaml:"rate_limit" env:"RATE_LIMIT" validate:"min=0"`
	RateBurst      int           `json:"rate_burst" yaml:"rate_burst" env:"RATE_BURST" validate:"min=0"`
	MaxUsername    int           `json:"max_username" yaml:"max_username" env:"MAX_USERNAME" validate:"gt=0"`
	MaxText        int           `json:"max_text" yaml:"max_text" env:"MAX_TEXT" validate:"gt=0"`
}

// Store drivers
const (
	DriverMemory  = "memory"
	DriverSurreal = "surreal"
	DriverSQLite  = "sqlite"
	DriverBadger  = "badger"
)

// StoreConfig represents history store configuration. An empty BadgerPath
// runs badger in memory.
type StoreConfig struct {
	Driver          string        `json:"driver" yaml:"driver" env:"DRIVER" validate:"oneof=memory surreal sqlite badger"`
	ProbeTimeout    time.Duration `json:"probe_timeout" yaml:"probe_timeout" env:"PROBE_TIMEOUT" validate:"gt=0"`
	SurrealURL      string        `json:"surreal_url" yaml:"surreal_url" env:"SURREAL_URL" validate:"required_if=Driver surreal"`
	SurrealNS       string        `json:"surreal_namespace" yaml:"surreal_namespace" env:"SURREAL_NAMESPACE" validate:"required_if=Driver surreal"`
	SurrealDB       string        `json:"surreal_database" yaml:"surreal_database" env:"SURREAL_DATABASE" validate:"required_if=Driver surreal"`
	SurrealUser     string        `json:"surreal_user" yaml:"surreal_user" env:"SURREAL_USER"`
	SurrealPassword string        `json:"surreal_password" yaml:"surreal_password" env:"SURREAL_PASSWORD"`
	SQLitePath      string        `json:"sqlite_path" yaml:"sqlite_path" env:"SQLITE_PATH" validate:"required_if=Driver sqlite"`
	BadgerPath      string        `json:"badger_path" yaml:"badger_path" env:"BADGER_PATH"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Hub: HubConfig{
			HistoryLimit:   50,
			SendTimeout:    5 * time.Second,
			WriteTimeout:   10 * time.Second,
			ReadTimeout:    60 * time.Second,
			PingInterval:   54 * time.Second,
			MaxMessageSize: 64 * 1024,
			SendBuffer:     256,
			RateLimit:      20,
			RateBurst:      40,
			MaxUsername:    64,
			MaxText:        4096,
		},
		Store: StoreConfig{
			Driver:       DriverMemory,
			ProbeTimeout: 3 * time.Second,
			SurrealURL:   "ws://localhost:8000",
			SurrealNS:    "huddle",
			SurrealDB:    "chat",
			SQLitePath:   "huddle.db",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
