// Package config loads the sync core's settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Transport selectors.
const (
	TransportWebsocket = "websocket"
	TransportNATS      = "nats"
)

// Config is the full runtime configuration.
type Config struct {
	// ServerURL is the websocket endpoint of the chat backend.
	ServerURL string `env:"CHAT_SERVER_URL" envDefault:"ws://localhost:8080/ws"`

	// Transport selects the backend channel: "websocket" or "nats".
	Transport string `env:"CHAT_TRANSPORT" envDefault:"websocket"`

	// NATSURL is the bus endpoint when Transport is "nats".
	NATSURL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// RedisAddr selects the Redis-backed client state store. Empty runs with
	// an in-memory store (nothing survives a restart).
	RedisAddr string `env:"REDIS_ADDR"`

	// MetricsAddr is the Prometheus endpoint listen address. Empty disables
	// the endpoint.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9100"`

	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"1s"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
	SettleDelay       time.Duration `env:"SETTLE_DELAY" envDefault:"500ms"`
	TypingDebounce    time.Duration `env:"TYPING_DEBOUNCE" envDefault:"1s"`
	DialTimeout       time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.Transport != TransportWebsocket && cfg.Transport != TransportNATS {
		return Config{}, fmt.Errorf("config: unknown transport %q", cfg.Transport)
	}
	return cfg, nil
}
