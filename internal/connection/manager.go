package connection

import (
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/rickgao/wslink/internal/metrics"
)

// Manager owns one logical connection to a target address. It reconnects on
// a fixed interval until Disconnect is called and fans inbound envelopes and
// status changes out to registered listeners.
//
// Connect, Disconnect, Send, Subscribe and OnStatusChange never block on the
// network. Failures are reported only through status listeners and logs.
type Manager struct {
	cfg     ManagerConfig
	dialer  Dialer
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	mu              sync.Mutex
	status          Status
	handle          Transport // live handle (connecting or open), nil otherwise
	shouldReconnect bool
	timer           *clock.Timer

	messageListeners listenerSet[MessageListener]
	statusListeners  listenerSet[StatusListener]

	// Pending notifications, delivered in order by one dispatcher at a time
	queue       []notification
	dispatching bool
}

// notification is either a status change or an inbound message.
type notification struct {
	status  Status
	message *Message
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the clock used to schedule reconnects.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithMetrics records manager activity into met.
func WithMetrics(met *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = met
	}
}

// NewManager creates a new Connection Manager in the idle state.
func NewManager(cfg ManagerConfig, dialer Dialer, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}

	m := &Manager{
		cfg:             cfg,
		dialer:          dialer,
		logger:          logger.With("url", cfg.URL),
		clock:           clock.New(),
		status:          StatusIdle,
		shouldReconnect: true,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.metrics.SetStatus(StatusIdle.String())

	return m
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect opens a new transport unless one is already live. It does nothing
// once Disconnect has been called.
func (m *Manager) Connect() {
	m.mu.Lock()
	if !m.shouldReconnect {
		m.mu.Unlock()
		m.logger.Debug("connect ignored, manager disconnected")
		return
	}
	if m.handle != nil {
		m.mu.Unlock()
		return
	}

	m.setStatusLocked(StatusConnecting)
	events := &handleEvents{m: m}
	events.handle = m.dialer.Dial(m.cfg.URL, events)
	m.handle = events.handle
	m.mu.Unlock()

	m.logger.Info("connecting", "conn_id", events.handle.ID())
	m.dispatch()
}

// Disconnect closes the transport and permanently disables reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.shouldReconnect = false
	handle := m.handle
	m.handle = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			m.logger.Debug("close transport", "conn_id", handle.ID(), "error", err)
		}
	}

	m.logger.Info("disconnected by caller")
	m.dispatch()
}

// Send writes msg when connected and drops it otherwise.
func (m *Manager) Send(msg Message) {
	m.mu.Lock()
	handle := m.handle
	connected := m.status == StatusConnected
	m.mu.Unlock()

	if handle == nil || !connected || !handle.IsOpen() {
		m.logger.Debug("dropping message, not connected", "type", msg.Type)
		m.metrics.MessageDropped()
		return
	}

	data, err := Encode(msg)
	if err != nil {
		m.logger.Warn("failed to encode message", "type", msg.Type, "error", err)
		m.metrics.SendError()
		return
	}

	if err := handle.Send(data); err != nil {
		m.logger.Warn("failed to send message",
			"conn_id", handle.ID(),
			"type", msg.Type,
			"error", err,
		)
		m.metrics.SendError()
		return
	}

	m.metrics.MessageSent()
}

// Subscribe registers a message listener. The returned func removes it and
// may be called any number of times.
func (m *Manager) Subscribe(fn MessageListener) func() {
	if fn == nil {
		return func() {}
	}

	m.mu.Lock()
	id := m.messageListeners.add(fn)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.messageListeners.remove(id)
		m.mu.Unlock()
	}
}

// OnStatusChange registers a status listener with the same contract as Subscribe.
func (m *Manager) OnStatusChange(fn StatusListener) func() {
	if fn == nil {
		return func() {}
	}

	m.mu.Lock()
	id := m.statusListeners.add(fn)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.statusListeners.remove(id)
		m.mu.Unlock()
	}
}

// SubscribeTyped registers a listener that receives the payload decoded as T.
// Envelopes whose payload does not decode are logged and skipped.
func SubscribeTyped[T any](m *Manager, fn func(Message, T)) func() {
	return m.Subscribe(func(msg Message) {
		v, err := DecodePayload[T](msg)
		if err != nil {
			m.logger.Warn("failed to decode payload", "type", msg.Type, "error", err)
			return
		}
		fn(msg, v)
	})
}

// setStatusLocked records a transition and queues its notification.
// Re-entering the current status is not a transition. Caller holds m.mu.
func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	m.metrics.SetStatus(s.String())
	m.queue = append(m.queue, notification{status: s})
}

// dispatch delivers queued notifications. If another goroutine is already
// dispatching it returns at once and that goroutine delivers them, so
// listeners can call back into the Manager and still see notifications in
// transition order. Listeners are snapshotted per notification.
func (m *Manager) dispatch() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true

	for len(m.queue) > 0 {
		n := m.queue[0]
		m.queue[0] = notification{}
		m.queue = m.queue[1:]

		if n.message != nil {
			listeners := m.messageListeners.snapshot()
			m.mu.Unlock()
			for _, fn := range listeners {
				m.invokeMessage(fn, *n.message)
			}
		} else {
			listeners := m.statusListeners.snapshot()
			m.mu.Unlock()
			for _, fn := range listeners {
				m.invokeStatus(fn, n.status)
			}
		}

		m.mu.Lock()
	}

	m.queue = nil
	m.dispatching = false
	m.mu.Unlock()
}

func (m *Manager) invokeMessage(fn MessageListener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message listener panicked", "type", msg.Type, "panic", r)
			m.metrics.ListenerPanic("message")
		}
	}()
	fn(msg)
}

func (m *Manager) invokeStatus(fn StatusListener, s Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("status listener panicked", "status", s, "panic", r)
			m.metrics.ListenerPanic("status")
		}
	}()
	fn(s)
}

// reconnect runs when the reconnect timer fires.
func (m *Manager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	enabled := m.shouldReconnect
	m.mu.Unlock()

	if !enabled {
		return
	}

	m.metrics.ReconnectAttempt()
	m.logger.Info("attempting reconnection")
	m.Connect()
}

// handleEvents binds transport callbacks to the handle they came from.
// Events from a handle that is no longer current are stale.
type handleEvents struct {
	m      *Manager
	handle Transport // set under m.mu before any event can be processed
}

func (e *handleEvents) OnOpen() {
	m := e.m

	m.mu.Lock()
	if m.handle != e.handle {
		m.mu.Unlock()
		// Disconnect (or a newer attempt) won the race; do not keep this one
		m.logger.Debug("closing stale transport", "conn_id", e.handle.ID())
		e.handle.Close()
		return
	}
	m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	m.logger.Info("connected", "conn_id", e.handle.ID())
	m.dispatch()
}

func (e *handleEvents) OnMessage(data []byte) {
	m := e.m

	m.mu.Lock()
	current := m.handle == e.handle
	m.mu.Unlock()
	if !current {
		return
	}

	msg, err := Decode(data)
	if err != nil {
		m.logger.Warn("invalid message format",
			"conn_id", e.handle.ID(),
			"size", len(data),
			"error", err,
		)
		m.metrics.DecodeError()
		return
	}

	m.mu.Lock()
	m.queue = append(m.queue, notification{message: &msg})
	m.mu.Unlock()

	m.metrics.MessageReceived()
	m.dispatch()
}

func (e *handleEvents) OnError(err error) {
	m := e.m

	m.mu.Lock()
	if m.handle != e.handle {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(StatusError)
	m.mu.Unlock()

	m.logger.Warn("connection error", "conn_id", e.handle.ID(), "error", err)
	m.dispatch()
}

func (e *handleEvents) OnClose() {
	m := e.m

	m.mu.Lock()
	if m.handle != e.handle {
		m.mu.Unlock()
		return
	}
	m.handle = nil
	m.setStatusLocked(StatusDisconnected)
	scheduled := false
	if m.shouldReconnect {
		if m.timer != nil {
			m.timer.Stop()
		}
		m.timer = m.clock.AfterFunc(m.cfg.ReconnectInterval, m.reconnect)
		scheduled = true
	}
	m.mu.Unlock()

	m.logger.Info("connection closed",
		"conn_id", e.handle.ID(),
		"reconnect", scheduled,
		"reconnect_in", m.cfg.ReconnectInterval,
	)
	m.dispatch()
}
