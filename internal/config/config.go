package config

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/wslink/internal/connection"
	"github.com/rickgao/wslink/internal/version"
)

// Config is the root configuration for a wslink client.
type Config struct {
	URL               string          `yaml:"url"`
	ReconnectInterval time.Duration   `yaml:"reconnect_interval"`
	Transport         TransportConfig `yaml:"transport"`
	Metrics           MetricsConfig   `yaml:"metrics"`
	Log               LogConfig       `yaml:"log"`
}

// TransportConfig holds WebSocket transport settings.
type TransportConfig struct {
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration     `yaml:"write_timeout"`
	PingInterval     time.Duration     `yaml:"ping_interval"`
	PingTimeout      time.Duration     `yaml:"ping_timeout"`
	ReadLimit        int64             `yaml:"read_limit"`
	Headers          map[string]string `yaml:"headers"` // Extra handshake headers
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ManagerConfig converts to the connection manager's config.
func (c *Config) ManagerConfig() connection.ManagerConfig {
	return connection.ManagerConfig{
		URL:               c.URL,
		ReconnectInterval: c.ReconnectInterval,
	}
}

// TransportConfig converts to the WebSocket transport's config. A
// User-Agent header is added unless one is configured.
func (c *Config) TransportConfig() connection.TransportConfig {
	header := make(http.Header, len(c.Transport.Headers)+1)
	for k, v := range c.Transport.Headers {
		header.Set(k, v)
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", version.UserAgent())
	}

	return connection.TransportConfig{
		HandshakeTimeout: c.Transport.HandshakeTimeout,
		WriteTimeout:     c.Transport.WriteTimeout,
		PingInterval:     c.Transport.PingInterval,
		PingTimeout:      c.Transport.PingTimeout,
		ReadLimit:        c.Transport.ReadLimit,
		Header:           header,
	}
}

// LogLevel parses Log.Level. Validate guarantees it parses.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
