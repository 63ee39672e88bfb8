package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kradalby/port-twin/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"tailscale.com/util/eventbus"
)

var viewModes = []string{"live", "historical"}

// Collector subscribes to eventbus updates and exposes Prometheus metrics.
type Collector struct {
	logger *slog.Logger

	statusSub *eventbus.Subscriber[events.ConnectionStatusEvent]
	fetchSub  *eventbus.Subscriber[events.FetchEvent]
	ingestSub *eventbus.Subscriber[events.IngestEvent]
	viewSub   *eventbus.Subscriber[events.ViewChangedEvent]

	statusGauge    *prometheus.GaugeVec
	fetchCounter   *prometheus.CounterVec
	fetchDuration  prometheus.Histogram
	ingestCounter  *prometheus.CounterVec
	modeGauge      *prometheus.GaugeVec
	pendingGauge   prometheus.Gauge
	connectedGauge prometheus.Gauge
	displayedGauge prometheus.Gauge
	devicesGauge   prometheus.Gauge

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	workers      sync.WaitGroup
}

// NewCollector wires eventbus subscribers into Prometheus metrics.
func NewCollector(ctx context.Context, logger *slog.Logger, bus *events.Bus, reg prometheus.Registerer) (*Collector, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	client, err := bus.Client(events.ClientMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics client: %w", err)
	}

	collectorCtx, cancel := context.WithCancel(ctx)
	factory := promauto.With(reg)

	c := &Collector{
		logger:    logger,
		statusSub: eventbus.Subscribe[events.ConnectionStatusEvent](client),
		fetchSub:  eventbus.Subscribe[events.FetchEvent](client),
		ingestSub: eventbus.Subscribe[events.IngestEvent](client),
		viewSub:   eventbus.Subscribe[events.ViewChangedEvent](client),

		statusGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "port_twin_component_status",
			Help: "Lifecycle state per component (1 when matching status, 0 otherwise)",
		}, []string{"component", "status"}),
		fetchCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "port_twin_historical_fetch_total",
			Help: "Historical queries by outcome",
		}, []string{"outcome"}),
		fetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "port_twin_historical_fetch_seconds",
			Help:    "Historical query latency",
			Buckets: prometheus.DefBuckets,
		}),
		ingestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "port_twin_records_ingested_total",
			Help: "New stream records by the view mode they arrived in",
		}, []string{"mode"}),
		modeGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "port_twin_view_mode",
			Help: "Current view mode (1 when active, 0 otherwise)",
		}, []string{"mode"}),
		pendingGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "port_twin_pending_records",
			Help: "Stream records buffered while viewing historical data",
		}),
		connectedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "port_twin_stream_connected",
			Help: "Whether the engine considers the measurement stream connected",
		}),
		displayedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "port_twin_displayed_records",
			Help: "Records in the current filtered view",
		}),
		devicesGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "port_twin_known_devices",
			Help: "Devices in the catalog",
		}),

		ctx:    collectorCtx,
		cancel: cancel,
	}

	c.workers.Add(4)
	go consume(c, c.statusSub, c.observeStatus)
	go consume(c, c.fetchSub, c.observeFetch)
	go consume(c, c.ingestSub, c.observeIngest)
	go consume(c, c.viewSub, c.observeView)

	logger.Info("metrics collector started")

	return c, nil
}

// Close stops the collector and releases subscribers.
func (c *Collector) Close() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.statusSub.Close()
		c.fetchSub.Close()
		c.ingestSub.Close()
		c.viewSub.Close()
		c.workers.Wait()
		c.logger.Info("metrics collector stopped")
	})
}

func consume[T any](c *Collector, sub *eventbus.Subscriber[T], observe func(T)) {
	defer c.workers.Done()
	for {
		select {
		case evt := <-sub.Events():
			observe(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) observeStatus(evt events.ConnectionStatusEvent) {
	for _, status := range events.AllConnectionStatuses {
		value := 0.0
		if status == evt.Status {
			value = 1.0
		}
		c.statusGauge.WithLabelValues(evt.Component, string(status)).Set(value)
	}
}

func (c *Collector) observeFetch(evt events.FetchEvent) {
	outcome := string(evt.Outcome)
	if outcome == "" {
		outcome = "unknown"
	}
	c.fetchCounter.WithLabelValues(outcome).Inc()
	c.fetchDuration.Observe(evt.Duration.Seconds())
}

func (c *Collector) observeIngest(evt events.IngestEvent) {
	mode := evt.Mode
	if mode == "" {
		mode = "unknown"
	}
	c.ingestCounter.WithLabelValues(mode).Add(float64(evt.Added))
}

func (c *Collector) observeView(evt events.ViewChangedEvent) {
	for _, mode := range viewModes {
		value := 0.0
		if mode == evt.Mode {
			value = 1.0
		}
		c.modeGauge.WithLabelValues(mode).Set(value)
	}
	c.pendingGauge.Set(float64(evt.PendingRecords))
	c.displayedGauge.Set(float64(evt.Records))
	c.devicesGauge.Set(float64(evt.Devices))
	if evt.IsConnected {
		c.connectedGauge.Set(1)
	} else {
		c.connectedGauge.Set(0)
	}
}
