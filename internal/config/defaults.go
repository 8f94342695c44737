package config

import (
	"time"

	"github.com/rickgao/wslink/internal/connection"
)

// Default values for optional configuration fields.
const (
	DefaultReconnectInterval = connection.DefaultReconnectInterval
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultPingTimeout       = 60 * time.Second
	DefaultReadLimit         = 1 << 20
	DefaultMetricsAddr       = ":9090"
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "info"
)

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}

	// Transport defaults
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}
	if c.Transport.PingInterval == 0 {
		c.Transport.PingInterval = DefaultPingInterval
	}
	if c.Transport.PingTimeout == 0 {
		c.Transport.PingTimeout = DefaultPingTimeout
	}
	if c.Transport.ReadLimit == 0 {
		c.Transport.ReadLimit = DefaultReadLimit
	}

	// Metrics defaults
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}
