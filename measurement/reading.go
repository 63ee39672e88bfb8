package measurement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Unknown is how a missing reading is rendered.
const Unknown = "—"

// Reading is an optional electrical quantity. A Reading that was absent
// from the payload is not the same as a reading of zero.
type Reading struct {
	Value float64
	Valid bool
}

// Known returns a valid reading holding v.
func Known(v float64) Reading {
	return Reading{Value: v, Valid: true}
}

// String renders the reading with two decimals, or Unknown.
func (r Reading) String() string {
	if !r.Valid {
		return Unknown
	}
	return strconv.FormatFloat(r.Value, 'f', 2, 64)
}

// MarshalJSON encodes unknown readings as null.
func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

// UnmarshalJSON accepts numbers, numeric strings and null.
func (r *Reading) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = Reading{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*r = Reading{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("reading %q is not numeric: %w", s, err)
		}
		*r = Known(v)
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid reading %s: %w", data, err)
	}
	*r = Known(v)
	return nil
}

// PhaseReading holds the measurements of a single phase.
type PhaseReading struct {
	Phase       string  `json:"-"`
	ActivePower Reading `json:"activePower"`
	Voltage     Reading `json:"voltage"`
	Current     Reading `json:"current"`
	PowerFactor Reading `json:"powerFactor"`
}
