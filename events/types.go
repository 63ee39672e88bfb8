package events

import (
	"time"
)

// ViewChangedEvent carries the engine's observable state after a change.
type ViewChangedEvent struct {
	Timestamp            time.Time `json:"timestamp"`
	Reason               string    `json:"reason"`
	Generation           uint64    `json:"generation"`
	Mode                 string    `json:"mode"`
	SelectedDevice       string    `json:"selected_device"`
	SelectedDate         string    `json:"selected_date"`
	Records              int       `json:"records"`
	Devices              int       `json:"devices"`
	PendingRecords       int       `json:"pending_records"`
	IsConnected          bool      `json:"is_connected"`
	IsLoading            bool      `json:"is_loading"`
	IsSearching          bool      `json:"is_searching"`
	HasBackgroundUpdates bool      `json:"has_background_updates"`
}

// Equals determines whether two events carry the same logical state (ignoring timestamp/reason).
func (e ViewChangedEvent) Equals(other ViewChangedEvent) bool {
	return e.Generation == other.Generation &&
		e.Mode == other.Mode &&
		e.SelectedDevice == other.SelectedDevice &&
		e.SelectedDate == other.SelectedDate &&
		e.Records == other.Records &&
		e.Devices == other.Devices &&
		e.PendingRecords == other.PendingRecords &&
		e.IsConnected == other.IsConnected &&
		e.IsLoading == other.IsLoading &&
		e.IsSearching == other.IsSearching &&
		e.HasBackgroundUpdates == other.HasBackgroundUpdates
}

// FetchOutcome classifies the result of a historical query.
type FetchOutcome string

const (
	FetchOutcomeOK         FetchOutcome = "ok"
	FetchOutcomeEmpty      FetchOutcome = "empty"
	FetchOutcomeFailed     FetchOutcome = "failed"
	FetchOutcomeSuperseded FetchOutcome = "superseded"
)

// FetchEvent reports a completed historical query.
type FetchEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	Device    string        `json:"device"`
	Date      string        `json:"date"`
	Outcome   FetchOutcome  `json:"outcome"`
	Records   int           `json:"records"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// IngestEvent reports a stream delivery and where it was routed.
type IngestEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Mode      string    `json:"mode"`
	Records   int       `json:"records"`
	Added     int       `json:"added"`
}

// ConnectionStatusEvent conveys component lifecycle information (stream, web, MQTT, etc.).
type ConnectionStatusEvent struct {
	Timestamp  time.Time        `json:"timestamp"`
	Component  string           `json:"component"`
	Status     ConnectionStatus `json:"status"`
	Error      string           `json:"error"`
	Reconnects int              `json:"reconnects"`
}

// ConnectionStatus represents lifecycle state for a component.
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusFailed       ConnectionStatus = "failed"
)

// AllConnectionStatuses lists every status in a stable order.
var AllConnectionStatuses = []ConnectionStatus{
	ConnectionStatusDisconnected,
	ConnectionStatusConnecting,
	ConnectionStatusConnected,
	ConnectionStatusReconnecting,
	ConnectionStatusFailed,
}
