// Package history provides the historical query backends: the energy
// API over HTTP and a Postgres measurements table.
package history

import (
	"context"

	"github.com/kradalby/port-twin/measurement"
)

// Fetcher returns every record of a day, optionally for one device.
// An empty device selects all devices.
type Fetcher interface {
	Fetch(ctx context.Context, device string, day measurement.Day) ([]measurement.Record, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, device string, day measurement.Day) ([]measurement.Record, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, device string, day measurement.Day) ([]measurement.Record, error) {
	return f(ctx, device, day)
}
