package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/wslink/internal/metrics"
)

// fakeDialer records every handle it creates. Events are driven by the test.
type fakeDialer struct {
	mu      sync.Mutex
	handles []*fakeTransport
}

func (d *fakeDialer) Dial(addr string, events Events) Transport {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := &fakeTransport{
		id:     fmt.Sprintf("fake-%d", len(d.handles)+1),
		addr:   addr,
		events: events,
	}
	d.handles = append(d.handles, t)
	return t
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

type fakeTransport struct {
	id     string
	addr   string
	events Events

	mu         sync.Mutex
	open       bool
	closeCalls int
	sent       [][]byte
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return ErrNotConnected
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	t.closeCalls++
	return nil
}

func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// simulateOpen resolves the pending attempt, even if Close was already called.
func (t *fakeTransport) simulateOpen() {
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	t.events.OnOpen()
}

func (t *fakeTransport) simulateMessage(data string) {
	t.events.OnMessage([]byte(data))
}

func (t *fakeTransport) simulateError(err error) {
	t.events.OnError(err)
}

func (t *fakeTransport) simulateClose() {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
	t.events.OnClose()
}

func (t *fakeTransport) sentFrames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, b := range t.sent {
		out[i] = string(b)
	}
	return out
}

func (t *fakeTransport) closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// statusRecorder collects status notifications.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *statusRecorder) contains(s Status) bool {
	for _, got := range r.all() {
		if got == s {
			return true
		}
	}
	return false
}

// recordHandler is a slog.Handler that keeps every record.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler        { return h }
func (h *recordHandler) WithGroup(string) slog.Handler             { return h }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordHandler) count(level slog.Level, msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level && r.Message == msg {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *fakeDialer, *clock.Mock) {
	t.Helper()
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	cfg := ManagerConfig{
		URL:               "ws://example.test/ws",
		ReconnectInterval: 3 * time.Second,
	}
	m := NewManager(cfg, dialer, nil, WithClock(mock))
	return m, dialer, mock
}

func mustMessage(t *testing.T, typ string, payload any) Message {
	t.Helper()
	msg, err := NewMessage(typ, payload)
	require.NoError(t, err)
	return msg
}

func TestManager_InitialStatus(t *testing.T) {
	m, dialer, _ := newTestManager(t)

	assert.Equal(t, StatusIdle, m.Status())
	assert.Equal(t, 0, dialer.count())
}

func TestManager_DefaultReconnectInterval(t *testing.T) {
	m := NewManager(ManagerConfig{URL: "ws://example.test"}, &fakeDialer{}, nil)
	assert.Equal(t, DefaultReconnectInterval, m.cfg.ReconnectInterval)
}

// Scenario A
func TestManager_ConnectAndSend(t *testing.T) {
	m, dialer, _ := newTestManager(t)
	rec := &statusRecorder{}
	m.OnStatusChange(rec.record)

	m.Connect()
	require.Equal(t, 1, dialer.count())
	h := dialer.last()
	assert.Equal(t, "ws://example.test/ws", h.addr)
	assert.Equal(t, StatusConnecting, m.Status())

	h.simulateOpen()
	assert.Equal(t, StatusConnected, m.Status())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, rec.all())

	m.Send(mustMessage(t, "ping", map[string]int{"n": 1}))
	assert.Equal(t, []string{`{"type":"ping","payload":{"n":1}}`}, h.sentFrames())
}

func TestManager_ConnectIdempotent(t *testing.T) {
	m, dialer, _ := newTestManager(t)

	m.Connect()
	dialer.last().simulateOpen()

	m.Connect()
	m.Connect()

	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, StatusConnected, m.Status())
}

func TestManager_ConnectWhileConnectingIsNoop(t *testing.T) {
	m, dialer, _ := newTestManager(t)

	m.Connect()
	m.Connect()

	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, StatusConnecting, m.Status())
}

func TestManager_SendWhileNotConnected(t *testing.T) {
	m, dialer, _ := newTestManager(t)
	msg := mustMessage(t, "ping", nil)

	// Idle: no handle at all
	m.Send(msg)

	// Connecting: handle exists but is not open
	m.Connect()
	h := dialer.last()
	m.Send(msg)

	// Open, then closed
	h.simulateOpen()
	h.simulateClose()
	m.Send(msg)

	assert.Empty(t, h.sentFrames())
}

func TestManager_SendWhileErrorStatus(t *testing.T) {
	m, dialer, _ := newTestManager(t)

	m.Connect()
	h := dialer.last()
	h.simulateOpen()
	h.simulateError(errors.New("boom"))
	require.Equal(t, StatusError, m.Status())

	m.Send(mustMessage(t, "ping", nil))
	assert.Empty(t, h.sentFrames())
}

// Scenario B
func TestManager_ReconnectAfterClose(t *testing.T) {
	m, dialer, mock := newTestManager(t)
	rec := &statusRecorder{}
	m.OnStatusChange(rec.record)

	m.Connect()
	dialer.last().simulateOpen()
	dialer.last().simulateClose()

	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, 1, dialer.count())

	// Not yet
	mock.Add(2 * time.Second)
	require.Never(t, func() bool { return dialer.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return dialer.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusConnecting, m.Status())
	assert.Equal(t,
		[]Status{StatusConnecting, StatusConnected, StatusDisconnected, StatusConnecting},
		rec.all(),
	)

	dialer.last().simulateOpen()
	assert.Equal(t, StatusConnected, m.Status())
}

func TestManager_ErrorThenClose(t *testing.T) {
	m, dialer, mock := newTestManager(t)
	rec := &statusRecorder{}
	m.OnStatusChange(rec.record)

	m.Connect()
	h := dialer.last()
	h.simulateError(errors.New("dial failed"))
	assert.Equal(t, StatusError, m.Status())

	// Error alone does not schedule a reconnect
	mock.Add(10 * time.Second)
	require.Never(t, func() bool { return dialer.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	h.simulateClose()
	assert.Equal(t, StatusDisconnected, m.Status())

	mock.Add(3 * time.Second)
	require.Eventually(t, func() bool { return dialer.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t,
		[]Status{StatusConnecting, StatusError, StatusDisconnected, StatusConnecting},
		rec.all(),
	)
}

func TestManager_RepeatedReconnects(t *testing.T) {
	m, dialer, mock := newTestManager(t)

	m.Connect()
	for i := 1; i <= 3; i++ {
		require.Equal(t, i, dialer.count())
		dialer.last().simulateError(errors.New("refused"))
		dialer.last().simulateClose()
		mock.Add(3 * time.Second)
		want := i + 1
		require.Eventually(t, func() bool { return dialer.count() == want }, time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, StatusConnecting, m.Status())
}

func TestManager_DisconnectStopsReconnect(t *testing.T) {
	m, dialer, mock := newTestManager(t)
	rec := &statusRecorder{}
	m.OnStatusChange(rec.record)

	m.Connect()
	h := dialer.last()
	h.simulateOpen()

	m.Disconnect()
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, 1, h.closed())

	// The close event for the detached handle is stale
	h.simulateClose()

	mock.Add(time.Minute)
	require.Never(t, func() bool { return dialer.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	// Terminal: connect after disconnect does nothing
	m.Connect()
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, rec.all())
}

func TestManager_DisconnectWithPendingTimer(t *testing.T) {
	m, dialer, mock := newTestManager(t)

	m.Connect()
	dialer.last().simulateOpen()
	dialer.last().simulateClose()

	// Reconnect timer is pending
	m.Disconnect()
	mock.Add(time.Minute)

	require.Never(t, func() bool { return dialer.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestManager_TimerFiresAfterDisconnect(t *testing.T) {
	m, _, _ := newTestManager(t)
	rec := &statusRecorder{}
	m.OnStatusChange(rec.record)

	m.Disconnect()

	// A timer callback that raced with Disconnect must be a no-op
	m.reconnect()

	assert.Equal(t, StatusDisconnected, m.Status())
	assert.False(t, rec.contains(StatusConnecting))
}

// Scenario C
func TestManager_DisconnectWhileConnecting(t *testing.T) {
	m, dialer, mock := newTestManager(t)
	rec := &statusRecorder{}
	m.OnStatusChange(rec.record)

	m.Connect()
	h := dialer.last()
	require.Equal(t, StatusConnecting, m.Status())

	m.Disconnect()
	require.Equal(t, 1, h.closed())

	// The pending attempt resolves after the disconnect
	h.simulateOpen()

	assert.Equal(t, 2, h.closed(), "stale open must be closed immediately")
	assert.False(t, h.IsOpen())
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.False(t, rec.contains(StatusConnected))

	h.simulateClose()
	mock.Add(time.Minute)
	require.Never(t, func() bool { return dialer.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestManager_MessageDelivery(t *testing.T) {
	m, dialer, _ := newTestManager(t)

	var mu sync.Mutex
	var got []Message
	m.Subscribe(func(msg Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	m.Connect()
	h := dialer.last()
	h.simulateOpen()
	h.simulateMessage(`{"type":"tick","payload":{"price":12.5},"timestamp":1700000000000}`)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "tick", got[0].Type)
	assert.JSONEq(t, `{"price":12.5}`, string(got[0].Payload))
	require.NotNil(t, got[0].Timestamp)
	assert.Equal(t, float64(1700000000000), *got[0].Timestamp)
}

func TestManager_MessageRoundTrip(t *testing.T) {
	m, dialer, _ := newTestManager(t)

	var got []Message
	m.Subscribe(func(msg Message) { got = append(got, msg) })

	m.Connect()
	h := dialer.last()
	h.simulateOpen()

	sent := mustMessage(t, "chat", map[string]any{"text": "hi", "tags": []string{"a", "b"}}).
		WithTimestamp(time.UnixMilli(1700000000123))
	data, err := Encode(sent)
	require.NoError(t, err)
	h.simulateMessage(string(data))

	require.Len(t, got, 1)
	assert.Equal(t, sent, got[0])
}

// Scenario D
func TestManager_MalformedMessage(t *testing.T) {
	logs := &recordHandler{}
	dialer := &fakeDialer{}
	m := NewManager(ManagerConfig{URL: "ws://example.test/ws"}, dialer, slog.New(logs), WithClock(clock.NewMock()))

	calls := 0
	m.Subscribe(func(Message) { calls++ })
	rec := &statusRecorder{}

	m.Connect()
	h := dialer.last()
	h.simulateOpen()
	m.OnStatusChange(rec.record)

	h.simulateMessage(`not json at all`)

	assert.Equal(t, StatusConnected, m.Status())
	assert.Equal(t, 0, calls)
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, logs.count(slog.LevelWarn, "invalid message format"))
}

func TestManager_NonConformingMessages(t *testing.T) {
	m, dialer, _ := newTestManager(t)

	calls := 0
	m.Subscribe(func(Message) { calls++ })

	m.Connect()
	h := dialer.last()
	h.simulateOpen()

	for _, frame := range []string{
		`[]`,
		`null`,
		`"text"`,
		`{"payload":{}}`,
		`{"type":"","payload":{}}`,
		`{"type":7,"payload":{}}`,
		`{"type":"x"}`,
		`{"type":"x","payload":{},"timestamp":"yesterday"}`,
	} {
		h.simulateMessage(frame)
	}

	assert.Equal(t, 0, calls)
	assert.Equal(t, StatusConnected, m.Status())
}

func TestManager_StaleHandleEventsIgnored(t *testing.T) {
	m, dialer, mock := newTestManager(t)

	calls := 0
	m.Subscribe(func(Message) { calls++ })

	m.Connect()
	old := dialer.last()
	old.simulateOpen()
	old.simulateClose()

	mock.Add(3 * time.Second)
	require.Eventually(t, func() bool { return dialer.count() == 2 }, time.Second, 5*time.Millisecond)
	current := dialer.last()
	current.simulateOpen()

	// Late events from the replaced handle change nothing
	old.simulateMessage(`{"type":"late","payload":null}`)
	old.simulateError(errors.New("late"))
	old.simulateClose()

	assert.Equal(t, 0, calls)
	assert.Equal(t, StatusConnected, m.Status())
}

func TestManager_UnsubscribeIdempotent(t *testing.T) {
	m, dialer, _ := newTestManager(t)

	a, b := 0, 0
	unsubA := m.Subscribe(func(Message) { a++ })
	m.Subscribe(func(Message) { b++ })

	m.Connect()
	h := dialer.last()
	h.simulateOpen()

	h.simulateMessage(`{"type":"x","payload":1}`)
	unsubA()
	unsubA()
	h.simulateMessage(`{"type":"x","payload":2}`)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestManager_StatusUnsubscribe(t *testing.T) {
	m, dialer, _ := newTestManager(t)

	rec := &statusRecorder{}
	unsub := m.OnStatusChange(rec.record)

	m.Connect()
	unsub()
	unsub()
	dialer.last().simulateOpen()

	assert.Equal(t, []Status{StatusConnecting}, rec.all())
}

func TestManager_SubscribeSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		m, dialer, _ := newTestManager(t)
		m.Connect()
		h := dialer.last()
		h.simulateOpen()

		const n = 8
		counts := make([]int, n)
		unsubs := make([]func(), n)
		active := make([]bool, n)
		expected := make([]int, n)

		for step := 0; step < 30; step++ {
			i := rng.Intn(n)
			switch rng.Intn(3) {
			case 0:
				if !active[i] {
					idx := i
					unsubs[i] = m.Subscribe(func(Message) { counts[idx]++ })
					active[i] = true
				}
			case 1:
				if unsubs[i] != nil {
					unsubs[i]()
					active[i] = false
				}
			case 2:
				h.simulateMessage(`{"type":"x","payload":null}`)
				for j := range active {
					if active[j] {
						expected[j]++
					}
				}
			}
		}

		assert.Equal(t, expected, counts, "round %d", round)
	}
}

func TestManager_ListenerMutationDuringNotification(t *testing.T) {
	m, dialer, _ := newTestManager(t)

	lateCalls := 0
	selfCalls := 0
	var unsubSelf func()
	unsubSelf = m.Subscribe(func(Message) {
		selfCalls++
		unsubSelf()
		m.Subscribe(func(Message) { lateCalls++ })
	})

	m.Connect()
	h := dialer.last()
	h.simulateOpen()

	h.simulateMessage(`{"type":"x","payload":1}`)
	assert.Equal(t, 1, selfCalls)
	assert.Equal(t, 0, lateCalls, "listener added during notification is not part of it")

	h.simulateMessage(`{"type":"x","payload":2}`)
	assert.Equal(t, 1, selfCalls)
	assert.Equal(t, 1, lateCalls)
}

func TestManager_PanickingListenerIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, dialer, _ := newTestManager(t)
	m.metrics = metrics.New(reg)

	after := 0
	m.Subscribe(func(Message) { panic("boom") })
	m.Subscribe(func(Message) { after++ })

	statusAfter := 0
	m.OnStatusChange(func(Status) { panic("boom") })
	m.OnStatusChange(func(Status) { statusAfter++ })

	m.Connect()
	h := dialer.last()
	h.simulateOpen()
	h.simulateMessage(`{"type":"x","payload":1}`)

	assert.Equal(t, 1, after)
	assert.Equal(t, 2, statusAfter)
	assert.Equal(t, StatusConnected, m.Status())
}

func TestManager_ListenerReentrancy(t *testing.T) {
	m, dialer, _ := newTestManager(t)
	rec := &statusRecorder{}

	// Send from inside the connected notification, then disconnect
	m.OnStatusChange(func(s Status) {
		rec.record(s)
		if s == StatusConnected {
			m.Send(Message{Type: "hello", Payload: json.RawMessage(`{}`)})
			m.Disconnect()
		}
	})

	m.Connect()
	h := dialer.last()
	h.simulateOpen()

	assert.Equal(t, []string{`{"type":"hello","payload":{}}`}, h.sentFrames())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, rec.all())
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestManager_ConcurrentUse(t *testing.T) {
	m, dialer, _ := newTestManager(t)
	m.Connect()
	h := dialer.last()
	h.simulateOpen()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				unsub := m.Subscribe(func(Message) {})
				m.Send(Message{Type: "x", Payload: json.RawMessage(`1`)})
				h.simulateMessage(`{"type":"x","payload":1}`)
				_ = m.Status()
				unsub()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, h.sentFrames(), 800)
	assert.Equal(t, 0, m.messageListeners.len())
}

func TestSubscribeTyped(t *testing.T) {
	m, dialer, _ := newTestManager(t)

	type tick struct {
		Price float64 `json:"price"`
	}
	var got []tick
	SubscribeTyped(m, func(_ Message, v tick) { got = append(got, v) })

	m.Connect()
	h := dialer.last()
	h.simulateOpen()
	h.simulateMessage(`{"type":"tick","payload":{"price":1.25}}`)
	h.simulateMessage(`{"type":"tick","payload":"not an object"}`)

	assert.Equal(t, []tick{{Price: 1.25}}, got)
}

func TestManager_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	dialer := &fakeDialer{}
	m := NewManager(ManagerConfig{URL: "ws://example.test/ws"}, dialer, nil,
		WithClock(clock.NewMock()),
		WithMetrics(metrics.New(reg)),
	)

	m.Send(mustMessage(t, "dropped", nil))
	m.Connect()
	h := dialer.last()
	h.simulateOpen()
	m.Send(mustMessage(t, "sent", nil))
	h.simulateMessage(`{"type":"x","payload":1}`)
	h.simulateMessage(`garbage`)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil && len(metric.GetLabel()) == 0 {
				values[f.GetName()] = c.GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["wslink_messages_dropped_total"])
	assert.Equal(t, 1.0, values["wslink_messages_sent_total"])
	assert.Equal(t, 1.0, values["wslink_messages_received_total"])
	assert.Equal(t, 1.0, values["wslink_messages_decode_errors_total"])
}
