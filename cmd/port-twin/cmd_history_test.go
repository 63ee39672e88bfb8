package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/kradalby/port-twin/measurement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintRecords(t *testing.T) {
	var buf bytes.Buffer
	records := []measurement.Record{{
		ID:        "a",
		Device:    "Berth_1",
		Timestamp: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Phases: []measurement.PhaseReading{
			{Phase: "L1", ActivePower: measurement.Known(1.5)},
			{Phase: "L2", ActivePower: measurement.Known(2)},
		},
	}}

	require.NoError(t, printRecords(&buf, records, time.UTC))

	out := buf.String()
	assert.Contains(t, out, "2024-01-01 10:00:00")
	assert.Contains(t, out, "Berth_1")
	assert.Contains(t, out, "3.50")
	assert.Contains(t, out, "L1,L2")
	assert.Contains(t, out, measurement.Unknown)
}

func TestPrintRecordsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printRecords(&buf, nil, time.UTC))
	assert.Equal(t, "No records\n", buf.String())
}

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{{"serve"}, {"history", "query"}, {"history", "import"}} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
