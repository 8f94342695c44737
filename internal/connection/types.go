package connection

import (
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrMalformedMessage = errors.New("malformed message")
)

// MessageListener receives one decoded inbound envelope.
type MessageListener func(Message)

// StatusListener receives one status value.
type StatusListener func(Status)

// TransportConfig configures the WebSocket transport.
type TransportConfig struct {
	HandshakeTimeout time.Duration // Max time for the opening handshake
	WriteTimeout     time.Duration // Write deadline for sends and control frames
	PingInterval     time.Duration // How often to send keepalive pings (0 = disabled)
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	ReadLimit        int64         // Max inbound frame size in bytes (0 = unlimited)
	Header           http.Header   // Extra headers for the handshake request
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL               string        // WebSocket URL (e.g., ws://localhost:8080/ws)
	ReconnectInterval time.Duration // Fixed delay between a disconnect and the next attempt
}

// DefaultReconnectInterval is used when ManagerConfig.ReconnectInterval is zero.
const DefaultReconnectInterval = 3 * time.Second

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectInterval: DefaultReconnectInterval,
	}
}
