// Package stream defines the measurement push-stream contract and its
// implementations: an in-process Hub and a WebSocket client for the
// energy feed.
package stream

import (
	"github.com/kradalby/port-twin/measurement"
)

// Listener receives stream events. Calls are made sequentially, in the
// order the events were produced.
type Listener interface {
	OnConnected()
	OnDataUpdate(records []measurement.Record)
	OnError(message string)
}

// Source is a push stream of measurement batches.
type Source interface {
	// Subscribe registers l and returns a function that deregisters it.
	// The returned function is safe to call more than once.
	Subscribe(l Listener) (unsubscribe func())
	// RequestInitialData asks for an out-of-band full snapshot push.
	RequestInitialData() error
	// IsConnected reports current connectivity.
	IsConnected() bool
	// ExitHistoricalMode tells the source its consumer returned to live data.
	ExitHistoricalMode()
}
