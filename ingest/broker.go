package ingest

import (
	"fmt"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// NewBroker builds an MQTT server that accepts any client on addr and
// passes published measurements to hook. The caller runs Serve and Close.
func NewBroker(addr string, hook *Hook) (*mqtt.Server, error) {
	if hook == nil {
		return nil, fmt.Errorf("hook is required")
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add MQTT auth hook: %w", err)
	}

	if err := server.AddHook(hook, nil); err != nil {
		return nil, fmt.Errorf("failed to add MQTT ingest hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: addr,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to add MQTT listener: %w", err)
	}

	return server, nil
}
