package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kradalby/port-twin/measurement"
)

const tasmotaTimeLayout = "2006-01-02T15:04:05"

// phaseValues holds a Tasmota energy field, which is a number for single
// phase meters and an array for multi-phase ones.
type phaseValues []float64

func (p *phaseValues) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = nil
		return nil
	}
	if data[0] == '[' {
		var values []float64
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		*p = values
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = phaseValues{v}
	return nil
}

func (p phaseValues) at(i int) measurement.Reading {
	if i < len(p) {
		return measurement.Known(p[i])
	}
	return measurement.Reading{}
}

type tasmotaSensor struct {
	Time   string `json:"Time"`
	Energy *struct {
		Total   *float64    `json:"Total"`
		Power   phaseValues `json:"Power"`
		Voltage phaseValues `json:"Voltage"`
		Current phaseValues `json:"Current"`
		Factor  phaseValues `json:"Factor"`
	} `json:"ENERGY"`
}

// parseSensor converts a Tasmota tele SENSOR payload into a record. It
// reports false for sensor messages without an ENERGY section.
func parseSensor(device string, payload []byte, loc *time.Location) (measurement.Record, bool, error) {
	var msg tasmotaSensor
	if err := json.Unmarshal(payload, &msg); err != nil {
		return measurement.Record{}, false, err
	}
	if msg.Energy == nil {
		return measurement.Record{}, false, nil
	}

	ts, err := time.ParseInLocation(tasmotaTimeLayout, msg.Time, loc)
	if err != nil {
		return measurement.Record{}, false, fmt.Errorf("invalid sensor time %q: %w", msg.Time, err)
	}

	e := msg.Energy
	n := max(len(e.Power), len(e.Voltage), len(e.Current), len(e.Factor))
	phases := make([]measurement.PhaseReading, 0, n)
	for i := 0; i < n; i++ {
		phases = append(phases, measurement.PhaseReading{
			Phase:       "L" + strconv.Itoa(i+1),
			ActivePower: e.Power.at(i),
			Voltage:     e.Voltage.at(i),
			Current:     e.Current.at(i),
			PowerFactor: e.Factor.at(i),
		})
	}

	rec := measurement.Record{
		ID:        measurement.DerivedID(device, ts),
		Device:    device,
		Timestamp: ts,
		Phases:    phases,
	}
	if e.Total != nil {
		rec.TotalConsumption = measurement.Known(*e.Total)
	}
	return rec, true, nil
}
