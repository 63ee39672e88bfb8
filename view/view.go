// Package view holds the dashboard's mode and filter state and the
// projection that turns datasets into the displayed records.
package view

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kradalby/port-twin/measurement"
)

// AllDevices selects every device.
const AllDevices = ""

// Mode is the dashboard's data source.
type Mode int

const (
	// Live shows records from the push stream.
	Live Mode = iota
	// Historical shows the result of the last historical query.
	Historical
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case Historical:
		return "historical"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalJSON encodes the mode by name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a mode name.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "live":
		*m = Live
	case "historical":
		*m = Historical
	default:
		return fmt.Errorf("unknown mode %q", s)
	}
	return nil
}

// State is the user's current view selection.
type State struct {
	Mode           Mode
	SelectedDevice string
	SelectedDate   measurement.Day
}

// NormalizeDevice maps the "all" selector to AllDevices.
func NormalizeDevice(id string) string {
	id = strings.TrimSpace(id)
	if strings.EqualFold(id, "all") {
		return AllDevices
	}
	return id
}

// Project computes the records to display. Live mode reads only live,
// filtered to the selected day and device; historical mode reads only
// historical, filtered to the selected device. The inputs are not
// modified and the result is a fresh slice.
func Project(state State, live, historical []measurement.Record, loc *time.Location) []measurement.Record {
	if state.Mode == Historical {
		out := make([]measurement.Record, 0, len(historical))
		for _, rec := range historical {
			if state.SelectedDevice != AllDevices && rec.Device != state.SelectedDevice {
				continue
			}
			out = append(out, rec)
		}
		return out
	}

	out := make([]measurement.Record, 0, len(live))
	for _, rec := range live {
		if !state.SelectedDate.Contains(rec.Timestamp, loc) {
			continue
		}
		if state.SelectedDevice != AllDevices && rec.Device != state.SelectedDevice {
			continue
		}
		out = append(out, rec)
	}
	return out
}
