package server

import (
	"time"
)

// Config holds the server configuration.
type Config struct {
	Host              string        `env:"HOST"` // default: "127.0.0.1"
	Port              int           `env:"PORT"` // default: 8080
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"`

	// CompletionToken authenticates the external builder's completion callback.
	// The callback route isn't registered when it is empty.
	CompletionToken string `env:"COMPLETION_TOKEN,unset"`

	// WatchOrigins lists the origins allowed to open a watch WebSocket.
	// Empty means same origin only.
	WatchOrigins []string `env:"WATCH_ORIGINS"`

	WatchWriteTimeout time.Duration `env:"WATCH_WRITE_TIMEOUT"` // default: 10s
	WatchPingInterval time.Duration `env:"WATCH_PING_INTERVAL"` // default: 30s
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 8080
	}
	return p
}

func (c *Config) watchWriteTimeout() time.Duration {
	if c.WatchWriteTimeout <= 0 {
		return 10 * time.Second
	}
	return c.WatchWriteTimeout
}

func (c *Config) watchPingInterval() time.Duration {
	if c.WatchPingInterval <= 0 {
		return 30 * time.Second
	}
	return c.WatchPingInterval
}
