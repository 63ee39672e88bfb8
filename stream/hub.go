package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kradalby/port-twin/measurement"
)

// DefaultRetention is the number of records a Hub keeps for replay.
const DefaultRetention = 10000

// Hub fans stream events out to listeners. It implements Source for
// transports (WebSocket client, MQTT ingest) and for tests.
type Hub struct {
	logger    *slog.Logger
	retention int

	mu          sync.Mutex
	listeners   []*subscription
	connected   bool
	retained    []measurement.Record
	snapshotter func() error
	exitHook    func()

	queue       []func(Listener)
	dispatching bool
}

type subscription struct {
	listener Listener
	active   atomic.Bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRetention bounds the replay buffer. Zero disables replay.
func WithRetention(n int) HubOption {
	return func(h *Hub) {
		if n >= 0 {
			h.retention = n
		}
	}
}

// NewHub creates a disconnected hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:    slog.Default(),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe implements Source.
func (h *Hub) Subscribe(l Listener) func() {
	sub := &subscription{listener: l}
	sub.active.Store(true)

	h.mu.Lock()
	h.listeners = append(h.listeners, sub)
	count := len(h.listeners)
	h.mu.Unlock()

	h.logger.Debug("Stream listener registered", "listeners", count)

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			h.mu.Lock()
			for i, s := range h.listeners {
				if s == sub {
					h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
					break
				}
			}
			count := len(h.listeners)
			h.mu.Unlock()
			h.logger.Debug("Stream listener removed", "listeners", count)
		})
	}
}

// Listeners returns the number of registered listeners.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// SetSnapshotter replaces local replay with fn for RequestInitialData.
func (h *Hub) SetSnapshotter(fn func() error) {
	h.mu.Lock()
	h.snapshotter = fn
	h.mu.Unlock()
}

// SetExitHook sets the function run by ExitHistoricalMode.
func (h *Hub) SetExitHook(fn func()) {
	h.mu.Lock()
	h.exitHook = fn
	h.mu.Unlock()
}

// Connected marks the hub connected and notifies listeners.
func (h *Hub) Connected() {
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
	h.dispatch(func(l Listener) { l.OnConnected() })
}

// Fail marks the hub disconnected and notifies listeners.
func (h *Hub) Fail(message string) {
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()
	h.dispatch(func(l Listener) { l.OnError(message) })
}

// Deliver retains batch for replay and passes it to listeners.
func (h *Hub) Deliver(batch []measurement.Record) {
	if len(batch) == 0 {
		return
	}

	h.mu.Lock()
	if h.retention > 0 {
		h.retained = measurement.Merge(h.retained, batch)
		if over := len(h.retained) - h.retention; over > 0 {
			h.retained = append([]measurement.Record(nil), h.retained[over:]...)
		}
	}
	h.mu.Unlock()

	h.deliver(batch)
}

func (h *Hub) deliver(batch []measurement.Record) {
	h.dispatch(func(l Listener) {
		l.OnDataUpdate(append([]measurement.Record(nil), batch...))
	})
}

// RequestInitialData implements Source. Without a snapshotter the
// retained records are replayed to every listener.
func (h *Hub) RequestInitialData() error {
	h.mu.Lock()
	snapshotter := h.snapshotter
	retained := append([]measurement.Record(nil), h.retained...)
	h.mu.Unlock()

	if snapshotter != nil {
		return snapshotter()
	}
	if len(retained) > 0 {
		h.deliver(retained)
	}
	return nil
}

// IsConnected implements Source.
func (h *Hub) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// ExitHistoricalMode implements Source.
func (h *Hub) ExitHistoricalMode() {
	h.mu.Lock()
	hook := h.exitHook
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// dispatch runs fn for every listener. Calls made while a dispatch is in
// progress, from a listener or another goroutine, are queued and run by
// the dispatching goroutine in order.
func (h *Hub) dispatch(fn func(Listener)) {
	h.mu.Lock()
	h.queue = append(h.queue, fn)
	if h.dispatching {
		h.mu.Unlock()
		return
	}
	h.dispatching = true

	for len(h.queue) > 0 {
		next := h.queue[0]
		h.queue = h.queue[1:]
		subs := append([]*subscription(nil), h.listeners...)
		h.mu.Unlock()

		for _, sub := range subs {
			if sub.active.Load() {
				next(sub.listener)
			}
		}

		h.mu.Lock()
	}

	h.queue = nil
	h.dispatching = false
	h.mu.Unlock()
}

var _ Source = (*Hub)(nil)
