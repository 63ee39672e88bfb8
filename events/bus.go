// Package events wraps the tailscale event bus with the typed events
// exchanged between the engine, the stream, the web surface and metrics.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tailscale.com/util/eventbus"
)

// Named bus clients.
const (
	ClientEngine  = "engine"
	ClientStream  = "stream"
	ClientIngest  = "ingest"
	ClientWeb     = "web"
	ClientMetrics = "metrics"
)

// ErrClosed is returned once the bus has been shut down.
var ErrClosed = errors.New("event bus closed")

// Bus owns the underlying eventbus and hands out named clients.
type Bus struct {
	logger *slog.Logger
	bus    *eventbus.Bus

	mu       sync.Mutex
	clients  map[string]*eventbus.Client
	pubs     map[*eventbus.Client]*publishers
	statuses map[string]ConnectionStatusEvent
	closed   bool
}

type publishers struct {
	view   *eventbus.Publisher[ViewChangedEvent]
	status *eventbus.Publisher[ConnectionStatusEvent]
	fetch  *eventbus.Publisher[FetchEvent]
	ingest *eventbus.Publisher[IngestEvent]
}

// New creates a bus.
func New(logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Bus{
		logger:   logger,
		bus:      eventbus.New(),
		clients:  make(map[string]*eventbus.Client),
		pubs:     make(map[*eventbus.Client]*publishers),
		statuses: make(map[string]ConnectionStatusEvent),
	}, nil
}

// Client returns the named client, creating it on first use.
func (b *Bus) Client(name string) (*eventbus.Client, error) {
	if name == "" {
		return nil, fmt.Errorf("client name is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if c, ok := b.clients[name]; ok {
		return c, nil
	}

	c := b.bus.Client(name)
	b.clients[name] = c
	b.pubs[c] = &publishers{}
	return c, nil
}

func (b *Bus) publishersFor(client *eventbus.Client) *publishers {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || client == nil {
		return nil
	}
	p, ok := b.pubs[client]
	if !ok {
		b.logger.Warn("publish from client not created by this bus")
		return nil
	}
	return p
}

// PublishViewChanged publishes a view change from client.
func (b *Bus) PublishViewChanged(client *eventbus.Client, evt ViewChangedEvent) {
	p := b.publishersFor(client)
	if p == nil {
		return
	}
	b.mu.Lock()
	if p.view == nil {
		p.view = eventbus.Publish[ViewChangedEvent](client)
	}
	pub := p.view
	b.mu.Unlock()
	pub.Publish(evt)
}

// PublishConnectionStatus publishes a lifecycle change and remembers it.
func (b *Bus) PublishConnectionStatus(client *eventbus.Client, evt ConnectionStatusEvent) {
	p := b.publishersFor(client)
	if p == nil {
		return
	}
	b.mu.Lock()
	if p.status == nil {
		p.status = eventbus.Publish[ConnectionStatusEvent](client)
	}
	pub := p.status
	b.statuses[evt.Component] = evt
	b.mu.Unlock()
	pub.Publish(evt)
}

// PublishFetch publishes the outcome of a historical query.
func (b *Bus) PublishFetch(client *eventbus.Client, evt FetchEvent) {
	p := b.publishersFor(client)
	if p == nil {
		return
	}
	b.mu.Lock()
	if p.fetch == nil {
		p.fetch = eventbus.Publish[FetchEvent](client)
	}
	pub := p.fetch
	b.mu.Unlock()
	pub.Publish(evt)
}

// PublishIngest publishes a stream delivery summary.
func (b *Bus) PublishIngest(client *eventbus.Client, evt IngestEvent) {
	p := b.publishersFor(client)
	if p == nil {
		return
	}
	b.mu.Lock()
	if p.ingest == nil {
		p.ingest = eventbus.Publish[IngestEvent](client)
	}
	pub := p.ingest
	b.mu.Unlock()
	pub.Publish(evt)
}

// Statuses returns the last known status per component.
func (b *Bus) Statuses() map[string]ConnectionStatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]ConnectionStatusEvent, len(b.statuses))
	for k, v := range b.statuses {
		out[k] = v
	}
	return out
}

// Close shuts the bus down. It is safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.bus.Close()
	return nil
}
