package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kradalby/port-twin/events"
	"github.com/kradalby/port-twin/measurement"
	"tailscale.com/util/eventbus"
)

// Feed event names.
const (
	EventConnected          = "connected"
	EventDataUpdate         = "data-update"
	EventError              = "error"
	EventRequestInitialData = "request-initial-data"
	EventExitHistoricalMode = "exit-historical-mode"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
)

// ErrNotConnected is returned when a message is sent without a connection.
var ErrNotConnected = errors.New("stream not connected")

// Envelope is the feed's message frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client keeps a WebSocket connection to the energy feed and drives a Hub.
type Client struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	hub        *Hub
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	bus       *events.Bus
	busClient *eventbus.Client

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHeader sets headers sent with the WebSocket handshake.
func WithHeader(header http.Header) ClientOption {
	return func(c *Client) {
		c.header = header
	}
}

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(initial, limit time.Duration) ClientOption {
	return func(c *Client) {
		if initial > 0 {
			c.minBackoff = initial
		}
		if limit >= c.minBackoff {
			c.maxBackoff = limit
		}
	}
}

// WithBus publishes connection status changes on bus.
func WithBus(bus *events.Bus) ClientOption {
	return func(c *Client) {
		c.bus = bus
	}
}

// WithHub drives hub instead of a private one.
func WithHub(hub *Hub) ClientOption {
	return func(c *Client) {
		if hub != nil {
			c.hub = hub
		}
	}
}

// NewClient creates a client for the feed at url.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("stream url is required")
	}

	c := &Client{
		url:        url,
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hub == nil {
		c.hub = NewHub(WithHubLogger(c.logger))
	}

	if c.bus != nil {
		client, err := c.bus.Client(events.ClientStream)
		if err != nil {
			return nil, fmt.Errorf("failed to get stream eventbus client: %w", err)
		}
		c.busClient = client
	}

	c.hub.SetSnapshotter(func() error {
		return c.send(Envelope{Event: EventRequestInitialData})
	})
	c.hub.SetExitHook(func() {
		if err := c.send(Envelope{Event: EventExitHistoricalMode}); err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Warn("Failed to forward exit-historical-mode", "error", err)
		}
	})

	return c, nil
}

// Source returns the hub listeners subscribe to.
func (c *Client) Source() Source {
	return c.hub
}

// Run connects and reconnects until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	reconnects := 0

	for {
		status := events.ConnectionStatusConnecting
		if reconnects > 0 {
			status = events.ConnectionStatusReconnecting
		}
		c.publishStatus(status, "", reconnects)

		started := time.Now()
		err := c.session(ctx, reconnects)
		if ctx.Err() != nil {
			c.publishStatus(events.ConnectionStatusDisconnected, "", reconnects)
			return ctx.Err()
		}

		c.logger.Warn("Stream connection lost",
			"url", c.url,
			"error", err,
			"retry_in", backoff,
		)
		c.hub.Fail(err.Error())
		c.publishStatus(events.ConnectionStatusFailed, err.Error(), reconnects)

		// A session that stayed up for a while resets the backoff.
		if time.Since(started) > c.maxBackoff {
			backoff = c.minBackoff
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			c.publishStatus(events.ConnectionStatusDisconnected, "", reconnects)
			return ctx.Err()
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
		reconnects++
	}
}

func (c *Client) session(ctx context.Context, reconnects int) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	c.logger.Info("Stream connected", "url", c.url, "reconnects", reconnects)
	c.publishStatus(events.ConnectionStatusConnected, "", reconnects)
	c.hub.Connected()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(message)
	}
}

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("Stream ping failed", "error", err)
				return
			}
		case <-ctx.Done():
			// Unblocks ReadMessage in session.
			_ = conn.Close()
			return
		case <-done:
			return
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Debug("Failed to parse stream message", "error", err)
		return
	}

	switch env.Event {
	case EventDataUpdate:
		records, skipped, err := measurement.DecodeBatch(env.Data)
		if err != nil {
			c.logger.Warn("Dropping malformed data-update", "error", err)
			return
		}
		if skipped > 0 {
			c.logger.Debug("Skipped malformed records in data-update", "skipped", skipped)
		}
		c.logger.Debug("Stream data-update", "records", len(records))
		c.hub.Deliver(records)
	case EventError:
		var msg string
		if err := json.Unmarshal(env.Data, &msg); err != nil || msg == "" {
			msg = "stream reported an error"
		}
		c.hub.Fail(msg)
	case EventConnected:
		// The handshake already marked the hub connected.
	default:
		c.logger.Debug("Ignoring stream event", "event", env.Event)
	}
}

func (c *Client) send(env Envelope) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", env.Event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Event, err)
	}
	return nil
}

func (c *Client) publishStatus(status events.ConnectionStatus, errMsg string, reconnects int) {
	if c.bus == nil || c.busClient == nil {
		return
	}
	c.bus.PublishConnectionStatus(c.busClient, events.ConnectionStatusEvent{
		Timestamp:  time.Now(),
		Component:  "stream",
		Status:     status,
		Error:      errMsg,
		Reconnects: reconnects,
	})
}
