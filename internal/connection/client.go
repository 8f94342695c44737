package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketDialer opens gorilla/websocket transport handles.
type WebSocketDialer struct {
	cfg    TransportConfig
	logger *slog.Logger
}

// NewWebSocketDialer creates a new WebSocket dialer.
func NewWebSocketDialer(cfg TransportConfig, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}

	return &WebSocketDialer{
		cfg:    cfg,
		logger: logger,
	}
}

// Dial starts a connection attempt in the background.
func (d *WebSocketDialer) Dial(addr string, events Events) Transport {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	t := &wsTransport{
		id:     id,
		cfg:    d.cfg,
		logger: d.logger.With("conn_id", id),
		events: events,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go t.run(addr)

	return t
}

// wsTransport implements Transport over a single WebSocket connection.
type wsTransport struct {
	id     string
	cfg    TransportConfig
	logger *slog.Logger
	events Events

	// Cancels an in-flight dial when Close is called
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	conn       *websocket.Conn
	open       bool
	closed     bool
	stale      bool
	lastPingAt time.Time
}

// ID returns the handle identifier.
func (t *wsTransport) ID() string {
	return t.id
}

// run dials, then reads until the connection ends. OnClose is always the
// last event delivered.
func (t *wsTransport) run(addr string) {
	defer t.events.OnClose()
	defer t.cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(t.ctx, addr, t.cfg.Header)
	if err != nil {
		// Dial aborted by Close
		if t.isClosed() {
			t.logger.Debug("dial cancelled", "url", addr)
			return
		}
		t.events.OnError(fmt.Errorf("dial %s: %w", addr, err))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.open = true
	t.lastPingAt = time.Now()
	t.mu.Unlock()

	if t.cfg.ReadLimit > 0 {
		conn.SetReadLimit(t.cfg.ReadLimit)
	}

	// Set up ping handler - server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		t.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	// Set up pong handler - server responds to our ping
	conn.SetPongHandler(func(data string) error {
		t.touch()
		return nil
	})

	if t.cfg.PingInterval > 0 {
		readDone := make(chan struct{})
		defer close(readDone)
		go t.heartbeatLoop(conn, readDone)
	}

	t.logger.Debug("websocket connected", "url", addr)
	t.events.OnOpen()

	t.readLoop(conn)
}

// Close gracefully closes the connection, or aborts a pending dial.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.open = false
	conn := t.conn
	t.mu.Unlock()

	// Signal goroutines to stop
	t.cancel()
	close(t.done)

	if conn != nil {
		// Send close message
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}

	return nil
}

// Send writes one text frame.
func (t *wsTransport) Send(data []byte) error {
	t.mu.RLock()
	if !t.open {
		t.mu.RUnlock()
		return ErrNotConnected
	}
	conn := t.conn
	t.mu.RUnlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// IsOpen returns the current connection state.
func (t *wsTransport) IsOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.open
}

func (t *wsTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *wsTransport) touch() {
	t.mu.Lock()
	t.lastPingAt = time.Now()
	t.mu.Unlock()
}

// readLoop forwards frames until the connection fails or is closed.
func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.open = false
			closed := t.closed
			stale := t.stale
			t.mu.Unlock()

			switch {
			case closed:
				// Ignore errors after Close() is called
			case stale:
				t.events.OnError(ErrStaleConnection)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				t.logger.Debug("server closed connection", "error", err)
			default:
				t.events.OnError(err)
			}
			return
		}

		t.events.OnMessage(data)
	}
}

// heartbeatLoop pings the server and tears down stale connections.
func (t *wsTransport) heartbeatLoop(conn *websocket.Conn, readDone <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-readDone:
			return
		case <-ticker.C:
			writeTimeout := t.cfg.WriteTimeout
			if writeTimeout <= 0 {
				writeTimeout = time.Second
			}
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				t.logger.Debug("failed to send ping", "error", err)
			}

			// Check for stale connection (no pong/ping response)
			t.mu.RLock()
			lastPing := t.lastPingAt
			t.mu.RUnlock()

			if t.cfg.PingTimeout > 0 && time.Since(lastPing) > t.cfg.PingTimeout {
				t.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", t.cfg.PingTimeout,
				)
				t.mu.Lock()
				t.stale = true
				t.mu.Unlock()

				// Unblocks readLoop, which reports ErrStaleConnection
				conn.Close()
				return
			}
		}
	}
}
