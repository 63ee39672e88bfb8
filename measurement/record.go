// Package measurement holds the electrical measurement records shared by
// the live stream, historical queries and the dashboard views.
package measurement

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// idNamespace scopes identifiers derived for records that arrive without one.
var idNamespace = uuid.MustParse("6f0c1d52-7d8e-4c1b-9a54-2b8f0e3c9d17")

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// Record is a single reading taken by a device at a point in time.
type Record struct {
	ID               string
	Device           string
	DeviceName       string
	Timestamp        time.Time
	Phases           []PhaseReading
	TotalConsumption Reading
}

// Phase returns the reading for the named phase.
func (r Record) Phase(name string) (PhaseReading, bool) {
	for _, p := range r.Phases {
		if p.Phase == name {
			return p, true
		}
	}
	return PhaseReading{}, false
}

// ActivePower sums the active power over all phases. The result is
// unknown when no phase reported it.
func (r Record) ActivePower() Reading {
	var total Reading
	for _, p := range r.Phases {
		if !p.ActivePower.Valid {
			continue
		}
		total.Value += p.ActivePower.Value
		total.Valid = true
	}
	return total
}

// DerivedID returns the identifier assigned to a record that carries none.
func DerivedID(device string, ts time.Time) string {
	key := device + "|" + ts.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

type wireRecord struct {
	ID               json.RawMessage         `json:"id,omitempty"`
	Device           string                  `json:"device"`
	DeviceName       string                  `json:"deviceName,omitempty"`
	Timestamp        string                  `json:"timestamp"`
	Phases           map[string]PhaseReading `json:"phases,omitempty"`
	TotalConsumption Reading                 `json:"totalConsumption"`
}

// MarshalJSON encodes the record in the feed's wire format.
func (r Record) MarshalJSON() ([]byte, error) {
	id, err := json.Marshal(r.ID)
	if err != nil {
		return nil, err
	}
	w := wireRecord{
		ID:               id,
		Device:           r.Device,
		DeviceName:       r.DeviceName,
		Timestamp:        r.Timestamp.Format(time.RFC3339Nano),
		TotalConsumption: r.TotalConsumption,
	}
	if len(r.Phases) > 0 {
		w.Phases = make(map[string]PhaseReading, len(r.Phases))
		for _, p := range r.Phases {
			w.Phases[p.Phase] = p
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a record from the feed's wire format.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return err
	}

	id, err := parseID(w.ID)
	if err != nil {
		return err
	}
	device := strings.TrimSpace(w.Device)
	if id == "" {
		id = DerivedID(device, ts)
	}

	*r = Record{
		ID:               id,
		Device:           device,
		DeviceName:       strings.TrimSpace(w.DeviceName),
		Timestamp:        ts,
		Phases:           PhasesFromMap(w.Phases),
		TotalConsumption: w.TotalConsumption,
	}
	return nil
}

// PhasesFromMap flattens readings keyed by phase name, ordered by name.
func PhasesFromMap(byName map[string]PhaseReading) []PhaseReading {
	phases := make([]PhaseReading, 0, len(byName))
	for name, p := range byName {
		p.Phase = name
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i].Phase < phases[j].Phase })
	return phases
}

// Decode parses a JSON array of records, or a single record object.
// Records that fail to decode are dropped; see DecodeBatch.
func Decode(data []byte) ([]Record, error) {
	records, _, err := DecodeBatch(data)
	return records, err
}

// DecodeBatch is Decode that also reports how many array elements were
// skipped because they could not be decoded. An error is returned only
// when the payload itself is not a record or an array.
func DecodeBatch(data []byte) ([]Record, int, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, 0, nil
	}

	if data[0] == '{' {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, 0, fmt.Errorf("failed to decode record: %w", err)
		}
		return []Record{rec}, 0, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("failed to decode records: %w", err)
	}

	records := make([]Record, 0, len(raw))
	skipped := 0
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal(item, &rec); err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func parseID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid record id: %w", err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid record id %s", raw)
	}
	return n.String(), nil
}

var errMissingTimestamp = errors.New("record has no timestamp")

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errMissingTimestamp
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
