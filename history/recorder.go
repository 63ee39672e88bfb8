package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/kradalby/port-twin/measurement"
)

// Inserter persists measurement records.
type Inserter interface {
	Insert(ctx context.Context, records []measurement.Record) error
}

// Recorder archives stream deliveries so later historical queries can
// answer from the store. It satisfies stream.Listener; writes happen on
// the goroutine running Run so delivery to other listeners never waits
// on the database.
type Recorder struct {
	store   Inserter
	logger  *slog.Logger
	timeout time.Duration
	batches chan []measurement.Record
}

// NewRecorder returns a Recorder writing to store.
func NewRecorder(store Inserter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		logger:  logger,
		timeout: 10 * time.Second,
		batches: make(chan []measurement.Record, 256),
	}
}

func (r *Recorder) OnConnected() {}

func (r *Recorder) OnError(string) {}

// OnDataUpdate queues the batch for writing. A full queue drops it.
func (r *Recorder) OnDataUpdate(records []measurement.Record) {
	if len(records) == 0 {
		return
	}

	select {
	case r.batches <- records:
	default:
		r.logger.Warn("Archive queue full, dropping measurements", "records", len(records))
	}
}

// Run writes queued batches until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case batch := <-r.batches:
			r.write(batch)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recorder) write(records []measurement.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.Insert(ctx, records); err != nil {
		r.logger.Warn("Failed to archive measurements",
			"records", len(records),
			"error", err,
		)
		return
	}

	r.logger.Debug("Archived measurements", "records", len(records))
}
