// Package ingest accepts measurements published by meters on the port
// network to an embedded MQTT broker and feeds them into a stream hub.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kradalby/port-twin/events"
	"github.com/kradalby/port-twin/measurement"
	"github.com/kradalby/port-twin/stream"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"tailscale.com/util/eventbus"
)

// Component is the name used in connection status events.
const Component = "mqtt"

// Hook handles MQTT messages from meters.
type Hook struct {
	mqtt.HookBase

	hub          *stream.Hub
	logger       *slog.Logger
	loc          *time.Location
	bus          *events.Bus
	client       *eventbus.Client
	connectivity bool

	mu      sync.Mutex
	clients map[string]struct{}
}

// HookOption configures a Hook.
type HookOption func(*Hook)

// WithHookLogger sets the hook logger.
func WithHookLogger(logger *slog.Logger) HookOption {
	return func(h *Hook) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithLocation sets the zone for Tasmota timestamps, which carry none.
func WithLocation(loc *time.Location) HookOption {
	return func(h *Hook) {
		if loc != nil {
			h.loc = loc
		}
	}
}

// WithHookBus publishes broker client status on bus.
func WithHookBus(bus *events.Bus) HookOption {
	return func(h *Hook) {
		h.bus = bus
	}
}

// WithConnectivity makes meter connections drive the hub's connected
// state. Use it when MQTT is the only measurement source.
func WithConnectivity() HookOption {
	return func(h *Hook) {
		h.connectivity = true
	}
}

// NewHook creates a hook delivering to hub.
func NewHook(hub *stream.Hub, opts ...HookOption) (*Hook, error) {
	if hub == nil {
		return nil, fmt.Errorf("hub is required")
	}

	h := &Hook{
		hub:     hub,
		logger:  slog.Default(),
		loc:     time.UTC,
		clients: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.bus != nil {
		client, err := h.bus.Client(events.ClientIngest)
		if err != nil {
			return nil, fmt.Errorf("failed to get ingest eventbus client: %w", err)
		}
		h.client = client
	}

	return h, nil
}

// ID returns the hook identifier
func (h *Hook) ID() string {
	return "port-twin-ingest-hook"
}

// Provides returns the hook methods this hook provides
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
	}, []byte{b})
}

// OnConnect is called when a client connects
func (h *Hook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	h.mu.Lock()
	h.clients[cl.ID] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("MQTT client connected", "client_id", cl.ID, "clients", count)

	if count == 1 {
		h.publishStatus(events.ConnectionStatusConnected, "")
		if h.connectivity {
			h.hub.Connected()
		}
	}
	return nil
}

// OnDisconnect is called when a client disconnects
func (h *Hook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.mu.Lock()
	_, known := h.clients[cl.ID]
	delete(h.clients, cl.ID)
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("MQTT client disconnected", "client_id", cl.ID, "error", err, "expire", expire)

	if known && count == 0 {
		h.publishStatus(events.ConnectionStatusDisconnected, errString(err))
		if h.connectivity {
			h.hub.Fail("all meters disconnected")
		}
	}
}

// OnPublish is called when a message is received from a client
func (h *Hook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	topic := pk.TopicName

	h.logger.Debug("MQTT message received",
		"topic", topic,
		"bytes", len(pk.Payload),
	)

	records, err := h.decode(topic, pk.Payload)
	if err != nil {
		h.logger.Debug("Failed to parse MQTT payload", "topic", topic, "error", err)
		return pk, nil
	}
	if len(records) == 0 {
		return pk, nil
	}

	h.hub.Deliver(records)
	return pk, nil
}

// decode routes a message by topic. Topics are tele/<device>/SENSOR for
// Tasmota meters and port/<device>/measurement for native records.
// Other topics yield no records.
func (h *Hook) decode(topic string, payload []byte) ([]measurement.Record, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" {
		return nil, nil
	}
	device := parts[1]

	switch {
	case parts[0] == "tele" && parts[2] == "SENSOR":
		rec, ok, err := parseSensor(device, payload, h.loc)
		if err != nil || !ok {
			return nil, err
		}
		return []measurement.Record{rec}, nil
	case parts[0] == "port" && parts[2] == "measurement":
		return decodeMeasurements(device, payload)
	default:
		return nil, nil
	}
}

// decodeMeasurements decodes one record or an array, filling in the
// device from the topic where the payload omits it.
func decodeMeasurements(device string, payload []byte) ([]measurement.Record, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &raws); err != nil {
			return nil, err
		}
	} else {
		raws = []json.RawMessage{payload}
	}

	records := make([]measurement.Record, 0, len(raws))
	for _, raw := range raws {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		if d, ok := fields["device"]; !ok || bytes.Equal(d, []byte(`""`)) || bytes.Equal(d, []byte("null")) {
			fields["device"], _ = json.Marshal(device)
		}
		filled, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}

		var rec measurement.Record
		if err := json.Unmarshal(filled, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (h *Hook) publishStatus(status events.ConnectionStatus, errMsg string) {
	if h.bus == nil {
		return
	}
	h.bus.PublishConnectionStatus(h.client, events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: Component,
		Status:    status,
		Error:     errMsg,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
