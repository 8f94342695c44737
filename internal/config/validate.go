package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}

	if c.ReconnectInterval <= 0 {
		return errors.New("reconnect_interval must be > 0")
	}

	if err := c.Transport.validate("transport"); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return errors.New("metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level %q is invalid", c.Log.Level)
	}

	return nil
}

func (t *TransportConfig) validate(prefix string) error {
	if t.HandshakeTimeout < 0 {
		return fmt.Errorf("%s.handshake_timeout must be >= 0", prefix)
	}
	if t.WriteTimeout < 0 {
		return fmt.Errorf("%s.write_timeout must be >= 0", prefix)
	}
	if t.PingInterval < 0 {
		return fmt.Errorf("%s.ping_interval must be >= 0", prefix)
	}
	if t.PingInterval > 0 && t.PingTimeout > 0 && t.PingTimeout <= t.PingInterval {
		return fmt.Errorf("%s.ping_timeout (%s) must exceed ping_interval (%s)", prefix, t.PingTimeout, t.PingInterval)
	}
	if t.ReadLimit < 0 {
		return fmt.Errorf("%s.read_limit must be >= 0", prefix)
	}
	return nil
}
