package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kradalby/port-twin/catalog"
	"github.com/kradalby/port-twin/events"
	"github.com/kradalby/port-twin/measurement"
	"github.com/kradalby/port-twin/reconcile"
	"github.com/kradalby/port-twin/view"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDay = measurement.MustParseDay("2024-01-01")

type fakeController struct {
	mu        sync.Mutex
	snap      reconcile.Snapshot
	fetchErr  error
	fetches   int
	liveCalls int
}

func newFakeController() *fakeController {
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	return &fakeController{
		snap: reconcile.Snapshot{
			FilteredData: []measurement.Record{{
				ID:        "r1",
				Device:    "1",
				Timestamp: ts,
				Phases: []measurement.PhaseReading{
					{Phase: "L1", ActivePower: measurement.Known(4.5), Voltage: measurement.Known(230)},
				},
			}},
			DeviceList: []catalog.Descriptor{
				{ID: "1", DisplayName: "Berth 1"},
			},
			SelectedDate: testDay,
			Mode:         view.Live,
			IsConnected:  true,
		},
	}
}

func (f *fakeController) Snapshot() reconcile.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) HandleDeviceSelect(device string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.SelectedDevice = view.NormalizeDevice(device)
}

func (f *fakeController) HandleDateChange(day measurement.Day) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.SelectedDate = day
}

func (f *fakeController) FetchHistoricalData(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return f.fetchErr
	}
	f.snap.Mode = view.Historical
	return nil
}

func (f *fakeController) SwitchToLiveData() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveCalls++
	f.snap.Mode = view.Live
}

func (f *fakeController) Location() *time.Location {
	return time.UTC
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *fakeController, *events.Bus) {
	t.Helper()

	bus, err := events.New(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	controller := newFakeController()
	s, err := NewServer(testLogger(), controller, bus, WithGatherer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s, controller, bus
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestNewServerValidatesArguments(t *testing.T) {
	bus, err := events.New(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	_, err = NewServer(testLogger(), nil, bus)
	assert.Error(t, err)

	_, err = NewServer(testLogger(), newFakeController(), nil)
	assert.Error(t, err)
}

func TestHandleState(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "live", body["mode"])
	assert.Equal(t, "2024-01-01", body["selectedDate"])
	assert.Equal(t, true, body["isConnected"])
	assert.Len(t, body["filteredData"], 1)
}

func TestHandleDeviceAcceptsFormAndJSON(t *testing.T) {
	s, controller, _ := newTestServer(t)

	form := url.Values{"device": {"7"}}
	req := httptest.NewRequest(http.MethodPost, "/api/device", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7", controller.Snapshot().SelectedDevice)

	req = httptest.NewRequest(http.MethodPost, "/api/device", strings.NewReader(`{"device":"all"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, view.AllDevices, controller.Snapshot().SelectedDevice)
}

func TestHandleDate(t *testing.T) {
	s, controller, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/date", strings.NewReader(`{"date":"2024-02-29"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, measurement.MustParseDay("2024-02-29"), controller.Snapshot().SelectedDate)

	req = httptest.NewRequest(http.MethodPost, "/api/date", strings.NewReader(`{"date":"yesterday"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, measurement.MustParseDay("2024-02-29"), controller.Snapshot().SelectedDate)
}

func TestHandleHistoricalStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{name: "success", wantCode: http.StatusOK},
		{name: "no date", err: reconcile.ErrNoDateSelected, wantCode: http.StatusBadRequest, wantMsg: "Select a date"},
		{name: "superseded", err: reconcile.ErrSuperseded, wantCode: http.StatusConflict, wantMsg: "superseded"},
		{
			name:     "fetch failure",
			err:      &reconcile.FetchError{Date: testDay, Err: errors.New("connection refused")},
			wantCode: http.StatusBadGateway,
			wantMsg:  "connection refused",
		},
		{name: "other", err: errors.New("boom"), wantCode: http.StatusInternalServerError, wantMsg: "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, controller, _ := newTestServer(t)
			controller.fetchErr = tt.err

			req := httptest.NewRequest(http.MethodPost, "/api/historical", nil)
			req.Header.Set("Accept", "application/json")
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			body := decodeBody(t, rec)
			if tt.wantMsg == "" {
				assert.Equal(t, "historical", body["mode"])
				return
			}
			assert.Contains(t, body["error"], tt.wantMsg)
		})
	}
}

func TestHandleHistoricalAppliesSelection(t *testing.T) {
	s, controller, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/historical", strings.NewReader(`{"device":"3","date":"2024-03-01"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	snap := controller.Snapshot()
	assert.Equal(t, "3", snap.SelectedDevice)
	assert.Equal(t, measurement.MustParseDay("2024-03-01"), snap.SelectedDate)
	assert.Equal(t, 1, controller.fetches)
}

func TestHandleHistoricalBadDateKeepsSelection(t *testing.T) {
	s, controller, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/historical", strings.NewReader(`{"device":"3","date":"03/01/2024"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	snap := controller.Snapshot()
	assert.Empty(t, snap.SelectedDevice)
	assert.Equal(t, testDay, snap.SelectedDate)
	assert.Equal(t, 0, controller.fetches)
}

func TestHandleHistoricalHTMXShowsMessage(t *testing.T) {
	s, controller, _ := newTestServer(t)
	controller.fetchErr = &reconcile.FetchError{Date: testDay, Err: errors.New("upstream down")}

	req := httptest.NewRequest(http.MethodPost, "/api/historical", nil)
	req.Header.Set("HX-Request", "true")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "upstream down")
}

func TestFailureMessageIsShownOnce(t *testing.T) {
	s, controller, _ := newTestServer(t)
	controller.fetchErr = &reconcile.FetchError{Date: testDay, Err: errors.New("upstream down")}

	req := httptest.NewRequest(http.MethodPost, "/api/historical", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Body.String(), "upstream down")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotContains(t, rec.Body.String(), "upstream down")
}

func TestHandleLive(t *testing.T) {
	s, controller, _ := newTestServer(t)
	controller.snap.Mode = view.Historical

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, controller.liveCalls)
	assert.Equal(t, "live", decodeBody(t, rec)["mode"])
}

func TestHandleIndex(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Port Energy Twin")
	assert.Contains(t, body, "Berth 1")
	assert.Contains(t, body, "Connected")
	assert.Contains(t, body, "4.50")
	assert.Contains(t, body, "230.00")
	assert.Contains(t, body, measurement.Unknown, "missing readings render as unknown")
	assert.Contains(t, body, "sse-connect")
}

func TestHandleIndexEmptyState(t *testing.T) {
	s, controller, _ := newTestServer(t)
	controller.snap.FilteredData = nil
	controller.snap.Mode = view.Historical

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/partials/records", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No historical records for 2024-01-01")
}

func TestRouting(t *testing.T) {
	tests := []struct {
		method   string
		path     string
		wantCode int
	}{
		{http.MethodGet, "/api/state", http.StatusOK},
		{http.MethodGet, "/api/device", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/state", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/unknown", http.StatusNotFound},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			s, _, _ := newTestServer(t)

			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["connected"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

type flushRecorder struct {
	mu  sync.Mutex
	rec *httptest.ResponseRecorder
}

func (f *flushRecorder) Header() http.Header { return f.rec.Header() }

func (f *flushRecorder) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec.Write(b)
}

func (f *flushRecorder) WriteHeader(code int) { f.rec.WriteHeader(code) }

func (f *flushRecorder) Flush() {}

func (f *flushRecorder) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec.Body.String()
}

func TestHandleSSE(t *testing.T) {
	s, _, bus := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := &flushRecorder{rec: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		s.HandleSSE(rec, req)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		s.sseClientsMu.RLock()
		defer s.sseClientsMu.RUnlock()
		return len(s.sseClients) == 1
	}, time.Second, 10*time.Millisecond)

	client, err := bus.Client(events.ClientEngine)
	require.NoError(t, err)
	bus.PublishViewChanged(client, events.ViewChangedEvent{
		Timestamp:  time.Now(),
		Reason:     "fetch-completed",
		Generation: 3,
		Mode:       "historical",
		Records:    12,
	})

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		body := rec.String()
		assert.Contains(c, body, "event: view")
		assert.Contains(c, body, `"reason":"fetch-completed"`)
		assert.Contains(c, body, `"records":12`)
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SSE handler did not return after context cancellation")
	}
}

func TestHandleEventBusDebugShowsStatuses(t *testing.T) {
	s, _, bus := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	client, err := bus.Client(events.ClientStream)
	require.NoError(t, err)
	bus.PublishConnectionStatus(client, events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "stream",
		Status:    events.ConnectionStatusReconnecting,
		Error:     "dial tcp: connection refused",
	})

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/eventbus", nil))

		body := rec.Body.String()
		assert.Contains(c, body, "Component Status")
		assert.Contains(c, body, "stream")
		assert.Contains(c, body, "reconnecting")
	}, time.Second, 20*time.Millisecond)
}
