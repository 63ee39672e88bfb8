package measurement

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDay(t *testing.T) {
	d, err := ParseDay("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, Day{Year: 2024, Month: time.February, Day: 29}, d)
	assert.Equal(t, "2024-02-29", d.String())

	empty, err := ParseDay("")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
	assert.Equal(t, "", empty.String())

	_, err = ParseDay("2024-13-01")
	require.Error(t, err)
}

func TestDayWindowIsHalfOpen(t *testing.T) {
	d := MustParseDay("2024-01-01")
	start, end := d.Window(time.UTC)

	assert.True(t, d.Contains(start, time.UTC), "midnight belongs to the day")
	assert.True(t, d.Contains(end.Add(-time.Nanosecond), time.UTC))
	assert.False(t, d.Contains(end, time.UTC), "next midnight belongs to the next day")
	assert.False(t, d.Contains(start.Add(-time.Nanosecond), time.UTC))
}

func TestDayWindowHonoursLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	d := MustParseDay("2024-01-01")

	// 02:00 UTC on the 2nd is still the 1st in UTC-3.
	ts := time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC)
	assert.True(t, d.Contains(ts, loc))
	assert.False(t, d.Contains(ts, time.UTC))
}

func TestZeroDayContainsNothing(t *testing.T) {
	assert.False(t, Day{}.Contains(time.Now(), time.UTC))
}

func TestDayJSON(t *testing.T) {
	var payload struct {
		Date Day `json:"date"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"date":"2024-05-06"}`), &payload))
	assert.Equal(t, MustParseDay("2024-05-06"), payload.Date)

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2024-05-06"}`, string(out))
}
