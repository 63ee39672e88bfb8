package metrics

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kradalby/port-twin/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	bus, err := events.New(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func newTestCollector(t *testing.T, bus *events.Bus) *Collector {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	collector, err := NewCollector(ctx, testLogger(), bus, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(collector.Close)
	return collector
}

func TestCollectorObservesStatus(t *testing.T) {
	bus := newTestBus(t)
	collector := newTestCollector(t, bus)

	componentClient, err := bus.Client(events.ClientStream)
	require.NoError(t, err)
	bus.PublishConnectionStatus(componentClient, events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "stream",
		Status:    events.ConnectionStatusConnected,
	})

	require.Eventually(t, func() bool {
		value := gaugeValue(collector.statusGauge.WithLabelValues("stream", string(events.ConnectionStatusConnected)))
		return value == 1.0
	}, time.Second, 20*time.Millisecond, "expected component status gauge to update")

	bus.PublishConnectionStatus(componentClient, events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "stream",
		Status:    events.ConnectionStatusReconnecting,
	})

	require.Eventually(t, func() bool {
		return gaugeValue(collector.statusGauge.WithLabelValues("stream", string(events.ConnectionStatusConnected))) == 0 &&
			gaugeValue(collector.statusGauge.WithLabelValues("stream", string(events.ConnectionStatusReconnecting))) == 1
	}, time.Second, 20*time.Millisecond, "expected status gauge to follow the latest status")
}

func TestCollectorObservesEngineEvents(t *testing.T) {
	bus := newTestBus(t)
	collector := newTestCollector(t, bus)

	engineClient, err := bus.Client(events.ClientEngine)
	require.NoError(t, err)

	bus.PublishFetch(engineClient, events.FetchEvent{
		Timestamp: time.Now(),
		Outcome:   events.FetchOutcomeOK,
		Records:   12,
		Duration:  250 * time.Millisecond,
	})
	bus.PublishFetch(engineClient, events.FetchEvent{
		Timestamp: time.Now(),
		Outcome:   events.FetchOutcomeSuperseded,
	})
	bus.PublishIngest(engineClient, events.IngestEvent{Mode: "historical", Records: 3, Added: 2})
	bus.PublishViewChanged(engineClient, events.ViewChangedEvent{
		Mode:           "historical",
		PendingRecords: 2,
		Records:        5,
		Devices:        4,
		IsConnected:    true,
	})

	require.Eventually(t, func() bool {
		return counterValue(collector.fetchCounter.WithLabelValues("ok")) == 1 &&
			counterValue(collector.fetchCounter.WithLabelValues("superseded")) == 1
	}, time.Second, 20*time.Millisecond, "expected fetch counter to increment")

	require.Eventually(t, func() bool {
		return counterValue(collector.ingestCounter.WithLabelValues("historical")) == 2
	}, time.Second, 20*time.Millisecond, "expected ingest counter to add new records")

	require.Eventually(t, func() bool {
		return gaugeValue(collector.modeGauge.WithLabelValues("historical")) == 1 &&
			gaugeValue(collector.modeGauge.WithLabelValues("live")) == 0 &&
			gaugeValue(collector.pendingGauge) == 2 &&
			gaugeValue(collector.displayedGauge) == 5 &&
			gaugeValue(collector.devicesGauge) == 4 &&
			gaugeValue(collector.connectedGauge) == 1
	}, time.Second, 20*time.Millisecond, "expected view gauges to update")
}

func TestNewCollectorValidatesArguments(t *testing.T) {
	bus := newTestBus(t)

	_, err := NewCollector(context.Background(), nil, bus, prometheus.NewRegistry())
	require.Error(t, err)

	_, err = NewCollector(context.Background(), testLogger(), nil, prometheus.NewRegistry())
	require.Error(t, err)
}

func TestCollectorCloseIsIdempotent(t *testing.T) {
	bus := newTestBus(t)
	collector, err := NewCollector(context.Background(), testLogger(), bus, prometheus.NewRegistry())
	require.NoError(t, err)

	collector.Close()
	collector.Close()
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m io_prometheus_client.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	if m.Gauge == nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var m io_prometheus_client.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
