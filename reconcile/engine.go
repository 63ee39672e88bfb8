// Package reconcile keeps the live stream and historical query results of
// the dashboard apart, and merges buffered stream updates back when the
// user returns to live data.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kradalby/port-twin/catalog"
	"github.com/kradalby/port-twin/events"
	"github.com/kradalby/port-twin/history"
	"github.com/kradalby/port-twin/measurement"
	"github.com/kradalby/port-twin/stream"
	"github.com/kradalby/port-twin/view"
	"tailscale.com/util/eventbus"
)

var (
	// ErrNoDateSelected is returned by FetchHistoricalData without a date.
	ErrNoDateSelected = errors.New("no date selected")
	// ErrSuperseded is returned when a fetch resolved after the selection
	// it was made for had already changed. Its result is discarded.
	ErrSuperseded = errors.New("historical fetch superseded")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("engine already started")
)

// FetchError wraps a failed historical query.
type FetchError struct {
	Device string
	Date   measurement.Day
	Err    error
}

func (e *FetchError) Error() string {
	device := e.Device
	if device == view.AllDevices {
		device = "all devices"
	}
	return fmt.Sprintf("failed to fetch historical data for %s on %s: %v", device, e.Date, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Snapshot is the state exposed to renderers.
type Snapshot struct {
	FilteredData         []measurement.Record `json:"filteredData"`
	DeviceList           []catalog.Descriptor `json:"deviceList"`
	SelectedDevice       string               `json:"selectedDevice"`
	SelectedDate         measurement.Day      `json:"selectedDate"`
	Mode                 view.Mode            `json:"mode"`
	IsConnected          bool                 `json:"isConnected"`
	IsLoading            bool                 `json:"isLoading"`
	IsSearching          bool                 `json:"isSearching"`
	HasBackgroundUpdates bool                 `json:"hasBackgroundUpdates"`
	BackgroundData       []measurement.Record `json:"backgroundData"`
	Generation           uint64               `json:"generation"`
}

// Engine owns the live, historical and pending datasets and the view
// selection. It is safe for concurrent use.
type Engine struct {
	source        stream.Source
	fetcher       history.Fetcher
	logger        *slog.Logger
	bus           *events.Bus
	client        *eventbus.Client
	loc           *time.Location
	catalog       *catalog.Catalog
	now           func() time.Time
	initialDate   measurement.Day
	maxLive       int
	chronological bool

	mu            sync.Mutex
	state         view.State
	live          []measurement.Record
	historical    []measurement.Record
	pending       []measurement.Record
	filtered      []measurement.Record
	connected     bool
	loading       bool
	hasBackground bool
	inFlight      int
	generation    uint64
	unsubscribe   func()
	started       bool
	closed        bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithBus publishes view, fetch and ingest events on bus.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithLocation sets the zone that defines calendar days.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithCatalog shares a device catalog with the engine.
func WithCatalog(c *catalog.Catalog) Option {
	return func(e *Engine) {
		if c != nil {
			e.catalog = c
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithInitialDate sets the selected date at startup. Defaults to today.
func WithInitialDate(day measurement.Day) Option {
	return func(e *Engine) {
		e.initialDate = day
	}
}

// WithMaxLiveRecords caps the live and pending sets, dropping the oldest
// records first. Zero means unbounded.
func WithMaxLiveRecords(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxLive = n
		}
	}
}

// WithChronologicalOrder re-sorts merged live data by timestamp instead
// of keeping arrival order.
func WithChronologicalOrder(enabled bool) Option {
	return func(e *Engine) {
		e.chronological = enabled
	}
}

// New creates an engine in live mode.
func New(source stream.Source, fetcher history.Fetcher, opts ...Option) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("stream source is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("historical fetcher is required")
	}

	e := &Engine{
		source:  source,
		fetcher: fetcher,
		logger:  slog.Default(),
		loc:     time.Local,
		now:     time.Now,
		loading: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.catalog == nil {
		e.catalog = catalog.New()
	}

	if e.bus != nil {
		client, err := e.bus.Client(events.ClientEngine)
		if err != nil {
			return nil, fmt.Errorf("failed to get engine eventbus client: %w", err)
		}
		e.client = client
	}

	e.state = view.State{Mode: view.Live, SelectedDate: e.initialDate}
	if e.state.SelectedDate.IsZero() {
		e.state.SelectedDate = measurement.DayOf(e.now().In(e.loc))
	}
	e.filtered = []measurement.Record{}

	return e, nil
}

// Start registers the engine with the stream and requests a snapshot if
// the stream is already connected.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	unsubscribe := e.source.Subscribe(e)

	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	if e.source.IsConnected() {
		e.OnConnected()
	}

	e.logger.Info("Reconciliation engine started",
		"selected_date", e.Snapshot().SelectedDate.String(),
	)
	return nil
}

// Close deregisters the engine from the stream. It is safe to call more
// than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

// OnConnected implements stream.Listener.
func (e *Engine) OnConnected() {
	e.mu.Lock()
	e.connected = true
	evt := e.viewEventLocked("connected")
	e.mu.Unlock()

	e.publishView(evt)

	if err := e.source.RequestInitialData(); err != nil {
		e.logger.Warn("Failed to request initial data", "error", err)
	}
}

// OnDataUpdate implements stream.Listener. Live deliveries are merged
// into the live set; in historical mode they are buffered until the user
// switches back.
func (e *Engine) OnDataUpdate(records []measurement.Record) {
	e.mu.Lock()
	e.catalog.Observe(records)
	e.loading = false

	mode := e.state.Mode
	var added int
	switch mode {
	case view.Live:
		e.live, added = e.mergeLocked(e.live, records)
	case view.Historical:
		e.pending, added = e.mergeLocked(e.pending, records)
		if len(records) > 0 {
			e.hasBackground = true
		}
	}
	e.recomputeLocked()
	evt := e.viewEventLocked("data-update")
	e.mu.Unlock()

	e.logger.Debug("Stream delivery applied",
		"mode", mode.String(),
		"records", len(records),
		"added", added,
	)

	e.publishView(evt)
	if e.bus != nil {
		e.bus.PublishIngest(e.client, events.IngestEvent{
			Timestamp: e.now(),
			Mode:      mode.String(),
			Records:   len(records),
			Added:     added,
		})
	}
}

// OnError implements stream.Listener.
func (e *Engine) OnError(message string) {
	e.mu.Lock()
	e.connected = false
	e.loading = false
	evt := e.viewEventLocked("stream-error")
	e.mu.Unlock()

	e.logger.Warn("Measurement stream error", "error", message)
	e.publishView(evt)
}

// HandleDeviceSelect changes the device filter. "" and "all" select
// every device.
func (e *Engine) HandleDeviceSelect(device string) {
	device = view.NormalizeDevice(device)

	e.mu.Lock()
	if device == e.state.SelectedDevice {
		e.mu.Unlock()
		return
	}
	e.state.SelectedDevice = device
	e.generation++
	e.recomputeLocked()
	evt := e.viewEventLocked("device-select")
	e.mu.Unlock()

	e.logger.Debug("Device selected", "device_id", device)
	e.publishView(evt)
}

// HandleDateChange changes the selected date. In live mode the view is
// re-filtered at once; in historical mode the date only applies to the
// next search.
func (e *Engine) HandleDateChange(day measurement.Day) {
	e.mu.Lock()
	if day == e.state.SelectedDate {
		e.mu.Unlock()
		return
	}
	e.state.SelectedDate = day
	e.generation++
	e.recomputeLocked()
	evt := e.viewEventLocked("date-change")
	e.mu.Unlock()

	e.logger.Debug("Date changed", "date", day.String())
	e.publishView(evt)
}

// FetchHistoricalData queries the selected device and date and, on
// success, switches the view to the result. An empty result is a valid
// historical view. On failure the engine keeps its previous state.
func (e *Engine) FetchHistoricalData(ctx context.Context) error {
	e.mu.Lock()
	device := e.state.SelectedDevice
	day := e.state.SelectedDate
	if day.IsZero() {
		e.mu.Unlock()
		return ErrNoDateSelected
	}
	e.pending = nil
	e.hasBackground = false
	e.generation++
	gen := e.generation
	e.inFlight++
	e.recomputeLocked()
	evt := e.viewEventLocked("fetch-started")
	e.mu.Unlock()

	e.publishView(evt)

	logger := e.logger.With("device_id", device, "date", day.String())
	logger.Info("Fetching historical data")

	started := e.now()
	records, err := e.fetcher.Fetch(ctx, device, day)
	elapsed := e.now().Sub(started)

	e.mu.Lock()
	e.inFlight--

	if gen != e.generation {
		evt := e.viewEventLocked("fetch-superseded")
		e.mu.Unlock()

		logger.Info("Discarding superseded historical result", "records", len(records))
		e.publishView(evt)
		e.publishFetch(device, day, events.FetchOutcomeSuperseded, len(records), elapsed, err)
		return ErrSuperseded
	}

	if err != nil {
		evt := e.viewEventLocked("fetch-failed")
		e.mu.Unlock()

		logger.Error("Historical fetch failed", "error", err)
		e.publishView(evt)
		e.publishFetch(device, day, events.FetchOutcomeFailed, 0, elapsed, err)
		return &FetchError{Device: device, Date: day, Err: err}
	}

	e.historical = measurement.Merge(nil, records)
	e.catalog.Observe(e.historical)
	e.state.Mode = view.Historical
	e.recomputeLocked()
	mismatch := device != view.AllDevices && len(e.historical) > 0 && len(e.filtered) == 0
	count := len(e.historical)
	evt = e.viewEventLocked("fetch-completed")
	e.mu.Unlock()

	if mismatch {
		logger.Warn("Selected device not present in historical result", "records", count)
	}
	logger.Info("Historical data loaded", "records", count, "duration", elapsed)

	outcome := events.FetchOutcomeOK
	if count == 0 {
		outcome = events.FetchOutcomeEmpty
	}
	e.publishView(evt)
	e.publishFetch(device, day, outcome, count, elapsed, nil)
	return nil
}

// SwitchToLiveData merges buffered stream updates into the live set and
// returns to live mode. The stream is told in every case.
func (e *Engine) SwitchToLiveData() {
	e.mu.Lock()
	e.generation++
	var merged int
	if e.state.Mode == view.Historical {
		e.live, merged = e.mergeLocked(e.live, e.pending)
		e.historical = nil
		e.pending = nil
		e.hasBackground = false
		e.state.Mode = view.Live
	}
	e.recomputeLocked()
	evt := e.viewEventLocked("switch-to-live")
	e.mu.Unlock()

	e.logger.Info("Switched to live data", "merged", merged)
	e.publishView(evt)

	e.source.ExitHistoricalMode()
}

// Snapshot returns a copy of the observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	background := make([]measurement.Record, len(e.pending))
	copy(background, e.pending)
	filtered := make([]measurement.Record, len(e.filtered))
	copy(filtered, e.filtered)

	return Snapshot{
		FilteredData:         filtered,
		DeviceList:           e.catalog.Devices(),
		SelectedDevice:       e.state.SelectedDevice,
		SelectedDate:         e.state.SelectedDate,
		Mode:                 e.state.Mode,
		IsConnected:          e.connected,
		IsLoading:            e.loading,
		IsSearching:          e.inFlight > 0,
		HasBackgroundUpdates: e.hasBackground,
		BackgroundData:       background,
		Generation:           e.generation,
	}
}

// Location returns the zone that defines calendar days.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// mergeLocked merges b into a, applies the ordering and cap settings and
// reports how many records were new.
func (e *Engine) mergeLocked(a, b []measurement.Record) ([]measurement.Record, int) {
	merged := measurement.Merge(a, b)
	added := len(merged) - len(a)
	if e.chronological {
		measurement.SortByTimestamp(merged)
	}
	if e.maxLive > 0 && len(merged) > e.maxLive {
		merged = keepNewest(merged, e.maxLive)
	}
	return merged, added
}

// keepNewest drops the oldest records by timestamp until n remain, keeping
// the relative order of the survivors. A replayed backlog therefore cannot
// push out records newer than itself.
func keepNewest(records []measurement.Record, n int) []measurement.Record {
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return records[order[i]].Timestamp.Before(records[order[j]].Timestamp)
	})

	drop := make(map[int]bool, len(records)-n)
	for _, idx := range order[:len(records)-n] {
		drop[idx] = true
	}

	kept := make([]measurement.Record, 0, n)
	for i, rec := range records {
		if !drop[i] {
			kept = append(kept, rec)
		}
	}
	return kept
}

func (e *Engine) recomputeLocked() {
	e.filtered = view.Project(e.state, e.live, e.historical, e.loc)
}

func (e *Engine) viewEventLocked(reason string) events.ViewChangedEvent {
	return events.ViewChangedEvent{
		Timestamp:            e.now(),
		Reason:               reason,
		Generation:           e.generation,
		Mode:                 e.state.Mode.String(),
		SelectedDevice:       e.state.SelectedDevice,
		SelectedDate:         e.state.SelectedDate.String(),
		Records:              len(e.filtered),
		Devices:              e.catalog.Len(),
		PendingRecords:       len(e.pending),
		IsConnected:          e.connected,
		IsLoading:            e.loading,
		IsSearching:          e.inFlight > 0,
		HasBackgroundUpdates: e.hasBackground,
	}
}

func (e *Engine) publishView(evt events.ViewChangedEvent) {
	if e.bus == nil {
		return
	}
	e.bus.PublishViewChanged(e.client, evt)
}

func (e *Engine) publishFetch(device string, day measurement.Day, outcome events.FetchOutcome, records int, elapsed time.Duration, err error) {
	if e.bus == nil {
		return
	}
	evt := events.FetchEvent{
		Timestamp: e.now(),
		Device:    device,
		Date:      day.String(),
		Outcome:   outcome,
		Records:   records,
		Duration:  elapsed,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	e.bus.PublishFetch(e.client, evt)
}

var _ stream.Listener = (*Engine)(nil)
