// Package web serves the dashboard: a JSON API for the engine's state
// and actions, a server-sent event stream of view changes and an HTML
// overview.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kradalby/port-twin/events"
	"github.com/kradalby/port-twin/measurement"
	"github.com/kradalby/port-twin/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/util/eventbus"
)

// Controller is the engine surface the dashboard drives.
type Controller interface {
	Snapshot() reconcile.Snapshot
	HandleDeviceSelect(device string)
	HandleDateChange(day measurement.Day)
	FetchHistoricalData(ctx context.Context) error
	SwitchToLiveData()
	Location() *time.Location
}

// Server manages the web UI and API.
type Server struct {
	logger   *slog.Logger
	engine   Controller
	bus      *events.Bus
	gatherer prometheus.Gatherer

	viewSub   *eventbus.Subscriber[events.ViewChangedEvent]
	statusSub *eventbus.Subscriber[events.ConnectionStatusEvent]

	sseClients   map[chan events.ViewChangedEvent]struct{}
	sseClientsMu sync.RWMutex

	stateMu  sync.RWMutex
	lastView events.ViewChangedEvent
	flash    string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	workers   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// NewServer creates the dashboard server.
func NewServer(logger *slog.Logger, engine Controller, bus *events.Bus, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	client, err := bus.Client(events.ClientWeb)
	if err != nil {
		return nil, fmt.Errorf("failed to get web eventbus client: %w", err)
	}

	s := &Server{
		logger:     logger,
		engine:     engine,
		bus:        bus,
		gatherer:   prometheus.DefaultGatherer,
		viewSub:    eventbus.Subscribe[events.ViewChangedEvent](client),
		statusSub:  eventbus.Subscribe[events.ConnectionStatusEvent](client),
		sseClients: make(map[chan events.ViewChangedEvent]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start begins forwarding view changes to SSE clients.
func (s *Server) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.workers.Add(2)
	go s.processViewChanges()
	go s.processStatuses()
}

// Close stops the event workers and releases subscribers.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.viewSub.Close()
		s.statusSub.Close()
		s.workers.Wait()
	})
}

// Handler returns the routes of the dashboard.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.HandleIndex)
	r.Get("/partials/records", s.HandleRecordsPartial)
	r.Get("/events", s.HandleSSE)
	r.Get("/health", s.HandleHealth)
	r.Get("/debug/eventbus", s.HandleEventBusDebug)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.HandleState)
		r.Post("/device", s.HandleDevice)
		r.Post("/date", s.HandleDate)
		r.Post("/historical", s.HandleHistorical)
		r.Post("/live", s.HandleLive)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) processViewChanges() {
	defer s.workers.Done()
	for {
		select {
		case evt := <-s.viewSub.Events():
			s.stateMu.Lock()
			s.lastView = evt
			s.stateMu.Unlock()

			s.logger.Debug("Web UI: view change received", "reason", evt.Reason, "records", evt.Records)
			s.broadcastSSE(evt)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) processStatuses() {
	defer s.workers.Done()
	for {
		select {
		case evt := <-s.statusSub.Events():
			s.logger.Debug("Web UI: component status", "component", evt.Component, "status", evt.Status)
		case <-s.ctx.Done():
			return
		}
	}
}

// broadcastSSE sends a message to all connected SSE clients
func (s *Server) broadcastSSE(evt events.ViewChangedEvent) {
	s.sseClientsMu.RLock()
	defer s.sseClientsMu.RUnlock()

	for client := range s.sseClients {
		select {
		case client <- evt:
		default:
			// Client channel is full, skip
		}
	}
}

// HandleState returns the engine snapshot.
func (s *Server) HandleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// HandleDevice changes the device filter.
func (s *Server) HandleDevice(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(r)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s.engine.HandleDeviceSelect(fields["device"])
	s.respond(w, r)
}

// HandleDate changes the selected date.
func (s *Server) HandleDate(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(r)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	day, err := measurement.ParseDay(strings.TrimSpace(fields["date"]))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s.engine.HandleDateChange(day)
	s.respond(w, r)
}

// HandleHistorical runs a historical search. Optional device and date
// fields are applied before searching, and only when both are valid.
func (s *Server) HandleHistorical(w http.ResponseWriter, r *http.Request) {
	fields, err := readFields(r)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Validate everything before touching the selection so a bad request
	// leaves it as it was.
	var day measurement.Day
	raw, hasDate := fields["date"]
	if hasDate {
		day, err = measurement.ParseDay(strings.TrimSpace(raw))
		if err != nil {
			s.fail(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	if device, ok := fields["device"]; ok {
		s.engine.HandleDeviceSelect(device)
	}
	if hasDate {
		s.engine.HandleDateChange(day)
	}

	err = s.engine.FetchHistoricalData(r.Context())

	var fetchErr *reconcile.FetchError
	switch {
	case err == nil:
		s.respond(w, r)
	case errors.Is(err, reconcile.ErrNoDateSelected):
		s.fail(w, r, http.StatusBadRequest, "Select a date before searching")
	case errors.Is(err, reconcile.ErrSuperseded):
		s.fail(w, r, http.StatusConflict, "Search superseded by a newer selection")
	case errors.As(err, &fetchErr):
		s.fail(w, r, http.StatusBadGateway, err.Error())
	default:
		s.fail(w, r, http.StatusInternalServerError, err.Error())
	}
}

// HandleLive returns to live data.
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	s.engine.SwitchToLiveData()
	s.respond(w, r)
}

// HandleHealth reports liveness and stream connectivity.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": snap.IsConnected,
		"mode":      snap.Mode,
		"devices":   len(snap.DeviceList),
	})
}

// HandleSSE handles Server-Sent Events for real-time updates
func (s *Server) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientChan := make(chan events.ViewChangedEvent, 16)

	s.sseClientsMu.Lock()
	s.sseClients[clientChan] = struct{}{}
	s.sseClientsMu.Unlock()

	defer func() {
		s.sseClientsMu.Lock()
		delete(s.sseClients, clientChan)
		s.sseClientsMu.Unlock()
	}()

	flusher.Flush()

	for {
		select {
		case evt := <-clientChan:
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("Failed to marshal SSE event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: view\ndata: %s\n\n", data); err != nil {
				s.logger.Debug("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// respond answers a successful action: the records panel for htmx
// requests, the snapshot otherwise.
func (s *Server) respond(w http.ResponseWriter, r *http.Request) {
	if isHTMX(r) {
		s.writeHTML(w, s.renderPanel(s.engine.Snapshot(), s.takeFlash()).Render())
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// fail reports an action error. htmx requests get the panel with a
// one-time message, since htmx does not swap error responses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.logger.Warn("Dashboard action failed", "path", r.URL.Path, "status", status, "error", message)

	if isHTMX(r) {
		s.writeHTML(w, s.renderPanel(s.engine.Snapshot(), message).Render())
		return
	}
	if !wantsJSON(r) {
		s.setFlash(message)
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) setFlash(message string) {
	s.stateMu.Lock()
	s.flash = message
	s.stateMu.Unlock()
}

func (s *Server) takeFlash() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	msg := s.flash
	s.flash = ""
	return msg
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", "error", err)
	}
}

func (s *Server) writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, body); err != nil {
		s.logger.Error("Failed to write response", "error", err)
	}
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

func wantsJSON(r *http.Request) bool {
	return isJSONBody(r) || strings.Contains(r.Header.Get("Accept"), "application/json")
}

func isJSONBody(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// readFields reads string fields from a JSON object body or a form.
func readFields(r *http.Request) (map[string]string, error) {
	fields := make(map[string]string)

	if isJSONBody(r) {
		if r.ContentLength == 0 {
			return fields, nil
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&fields); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return fields, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form: %w", err)
	}
	for key, values := range r.Form {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	return fields, nil
}
