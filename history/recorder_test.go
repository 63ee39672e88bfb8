package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kradalby/port-twin/measurement"
	"github.com/stretchr/testify/assert"
)

type fakeInserter struct {
	mu      sync.Mutex
	batches [][]measurement.Record
	err     error
}

func (f *fakeInserter) Insert(ctx context.Context, records []measurement.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("missing deadline")
	}
	f.batches = append(f.batches, records)
	return f.err
}

func (f *fakeInserter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func startRecorder(t *testing.T, store Inserter) *Recorder {
	t.Helper()
	rec := NewRecorder(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec
}

func TestRecorderArchivesDeliveries(t *testing.T) {
	store := &fakeInserter{}
	rec := startRecorder(t, store)

	batch := []measurement.Record{{ID: "a", Device: "1", Timestamp: time.Now()}}
	rec.OnConnected()
	rec.OnDataUpdate(batch)
	rec.OnDataUpdate(nil)
	rec.OnError("gone")

	assert.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, batch, store.batches[0])
}

func TestRecorderSurvivesInsertFailure(t *testing.T) {
	store := &fakeInserter{err: errors.New("disk full")}
	rec := startRecorder(t, store)

	rec.OnDataUpdate([]measurement.Record{{ID: "a"}})
	rec.OnDataUpdate([]measurement.Record{{ID: "b"}})

	assert.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestRecorderDropsWhenQueueIsFull(t *testing.T) {
	store := &fakeInserter{}
	rec := NewRecorder(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < cap(rec.batches)+5; i++ {
		rec.OnDataUpdate([]measurement.Record{{ID: "x"}})
	}

	assert.Len(t, rec.batches, cap(rec.batches))
}
