package connection

// Dialer opens transport handles.
type Dialer interface {
	// Dial starts connecting to addr and returns the new handle immediately.
	// It must not block and must not invoke events before returning; events
	// are delivered later from the transport's own goroutine.
	Dial(addr string, events Events) Transport
}

// Transport is a single connection attempt. A handle is never reused: once
// it has delivered OnClose it is dead.
type Transport interface {
	// ID identifies the handle in logs.
	ID() string

	// Send writes one text frame. Returns ErrNotConnected unless open.
	Send(data []byte) error

	// Close tears the handle down. Safe to call more than once and while
	// the handle is still connecting.
	Close() error

	// IsOpen reports whether the handle is currently open for writes.
	IsOpen() bool
}

// Events receives the lifecycle of one Transport. Callbacks for a handle are
// delivered sequentially in the order OnOpen, OnMessage*, OnError, OnClose,
// where OnOpen and OnError may be absent and OnClose is delivered exactly once.
type Events interface {
	OnOpen()
	OnMessage(data []byte)
	OnError(err error)
	OnClose()
}
