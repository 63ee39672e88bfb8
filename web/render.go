package web

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
	"github.com/kradalby/port-twin/catalog"
	"github.com/kradalby/port-twin/events"
	"github.com/kradalby/port-twin/measurement"
	"github.com/kradalby/port-twin/reconcile"
	"github.com/kradalby/port-twin/view"
)

const timeLayout = "2006-01-02 15:04:05"

// renderPage renders a basic HTML page
func (s *Server) renderPage(title string, content elem.Node) string {
	page := elem.Html(nil,
		elem.Head(nil,
			elem.Title(nil, elem.Text(title)),
			elem.Script(attrs.Props{
				attrs.Src: "https://unpkg.com/htmx.org@2.0.4",
			}),
			elem.Script(attrs.Props{
				attrs.Src: "https://unpkg.com/htmx-ext-sse@2.2.2/sse.js",
			}),
			elem.Style(nil, elem.Text(`
				body { font-family: system-ui; max-width: 1100px; margin: 40px auto; padding: 0 20px; }
				h1 { color: #333; }
				.badge { display: inline-block; padding: 4px 10px; border-radius: 12px; font-size: 0.85em; }
				.badge.connected { background: #e8f5e9; color: #2e7d32; }
				.badge.disconnected { background: #ffebee; color: #c62828; }
				.badge.historical { background: #fff3e0; color: #e65100; }
				.badge.live { background: #e3f2fd; color: #1565c0; }
				.controls { display: flex; gap: 12px; align-items: end; margin: 20px 0; flex-wrap: wrap; }
				.controls form { display: flex; gap: 8px; align-items: end; }
				.notice { padding: 10px 14px; border-radius: 6px; margin: 10px 0; }
				.notice.error { background: #ffebee; }
				.notice.info { background: #fff8e1; }
				table { width: 100%; border-collapse: collapse; font-size: 0.9em; }
				th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #eee; }
				td.num { font-family: monospace; text-align: right; }
				.empty { padding: 30px; text-align: center; color: #666; }
				button { padding: 8px 16px; cursor: pointer; border: none; border-radius: 4px; background: #1565c0; color: white; }
				table.status td, table.status th { font-family: monospace; }
			`)),
		),
		elem.Body(nil, content),
	)
	return page.Render()
}

// HandleIndex renders the main dashboard
func (s *Server) HandleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()

	content := elem.Div(nil,
		elem.H1(nil, elem.Text("Port Energy Twin")),
		s.renderControls(snap),
		elem.Div(
			attrs.Props{
				"hx-ext":      "sse",
				"sse-connect": "/events",
			},
			elem.Div(
				attrs.Props{
					attrs.ID:     "records",
					"hx-get":     "/partials/records",
					"hx-trigger": "sse:view",
					"hx-swap":    "innerHTML",
				},
				s.renderPanel(snap, s.takeFlash()),
			),
		),
	)

	s.writeHTML(w, s.renderPage("Port Energy Twin", content))
}

// HandleRecordsPartial renders the records panel on its own.
func (s *Server) HandleRecordsPartial(w http.ResponseWriter, r *http.Request) {
	s.writeHTML(w, s.renderPanel(s.engine.Snapshot(), s.takeFlash()).Render())
}

func (s *Server) renderControls(snap reconcile.Snapshot) elem.Node {
	options := []elem.Node{
		option("all", "All devices", snap.SelectedDevice == view.AllDevices),
	}
	for _, d := range snap.DeviceList {
		options = append(options, option(d.ID, d.DisplayName, d.ID == snap.SelectedDevice))
	}

	date := ""
	if !snap.SelectedDate.IsZero() {
		date = snap.SelectedDate.String()
	}

	return elem.Div(attrs.Props{attrs.Class: "controls"},
		elem.Form(
			attrs.Props{
				"hx-post":    "/api/device",
				"hx-trigger": "change",
				"hx-target":  "#records",
			},
			elem.Label(nil, elem.Text("Device "),
				elem.Select(attrs.Props{attrs.Name: "device"}, options...),
			),
		),
		elem.Form(
			attrs.Props{
				"hx-post":    "/api/date",
				"hx-trigger": "change",
				"hx-target":  "#records",
			},
			elem.Label(nil, elem.Text("Date "),
				elem.Input(attrs.Props{attrs.Type: "date", attrs.Name: "date", attrs.Value: date}),
			),
		),
		elem.Form(
			attrs.Props{
				"hx-post":   "/api/historical",
				"hx-target": "#records",
			},
			elem.Button(attrs.Props{attrs.Type: "submit"}, elem.Text("Search history")),
		),
		elem.Form(
			attrs.Props{
				"hx-post":   "/api/live",
				"hx-target": "#records",
			},
			elem.Button(attrs.Props{attrs.Type: "submit"}, elem.Text("Back to live")),
		),
	)
}

func option(value, label string, selected bool) elem.Node {
	props := attrs.Props{attrs.Value: value}
	if selected {
		props[attrs.Selected] = "true"
	}
	return elem.Option(props, elem.Text(label))
}

// renderPanel renders the status line, any notices and the records.
func (s *Server) renderPanel(snap reconcile.Snapshot, flash string) elem.Node {
	connClass, connText := "disconnected", "Disconnected"
	if snap.IsConnected {
		connClass, connText = "connected", "Connected"
	}

	modeText := "Live"
	if snap.Mode == view.Historical {
		modeText = "Historical"
	}

	children := []elem.Node{
		elem.P(nil,
			elem.Span(attrs.Props{attrs.Class: "badge " + connClass}, elem.Text(connText)),
			elem.Text(" "),
			elem.Span(attrs.Props{attrs.Class: "badge " + snap.Mode.String()}, elem.Text(modeText)),
			elem.Text(fmt.Sprintf(" %d records", len(snap.FilteredData))),
		),
	}

	if flash != "" {
		children = append(children, elem.Div(attrs.Props{attrs.Class: "notice error"}, elem.Text(flash)))
	}
	if snap.HasBackgroundUpdates {
		children = append(children, elem.Div(attrs.Props{attrs.Class: "notice info"},
			elem.Text(fmt.Sprintf("%d new live records arrived while viewing history", len(snap.BackgroundData))),
		))
	}

	switch {
	case snap.IsLoading && len(snap.FilteredData) == 0:
		children = append(children, elem.Div(attrs.Props{attrs.Class: "empty"}, elem.Text("Waiting for data…")))
	case snap.IsSearching:
		children = append(children, elem.Div(attrs.Props{attrs.Class: "empty"}, elem.Text("Searching…")))
	case len(snap.FilteredData) == 0:
		children = append(children, elem.Div(attrs.Props{attrs.Class: "empty"}, elem.Text(emptyMessage(snap))))
	default:
		children = append(children, s.renderRecords(snap))
	}

	return elem.Div(nil, children...)
}

func emptyMessage(snap reconcile.Snapshot) string {
	if snap.Mode == view.Historical {
		return fmt.Sprintf("No historical records for %s", snap.SelectedDate)
	}
	if snap.SelectedDate.IsZero() {
		return "Select a date to see live records"
	}
	return fmt.Sprintf("No live records for %s yet", snap.SelectedDate)
}

func (s *Server) renderRecords(snap reconcile.Snapshot) elem.Node {
	names := make(map[string]string, len(snap.DeviceList))
	for _, d := range snap.DeviceList {
		names[d.ID] = d.DisplayName
	}

	phases := phaseNames(snap.FilteredData)

	header := []elem.Node{
		elem.Th(nil, elem.Text("Time")),
		elem.Th(nil, elem.Text("Device")),
		elem.Th(nil, elem.Text("Active power")),
	}
	for _, p := range phases {
		header = append(header, elem.Th(nil, elem.Text(p+" V")), elem.Th(nil, elem.Text(p+" A")))
	}
	header = append(header, elem.Th(nil, elem.Text("Total consumption")))

	loc := s.engine.Location()
	rows := make([]elem.Node, 0, len(snap.FilteredData))
	for _, rec := range snap.FilteredData {
		rows = append(rows, renderRow(rec, names, phases, loc))
	}

	return elem.Table(nil,
		elem.THead(nil, elem.Tr(nil, header...)),
		elem.TBody(nil, rows...),
	)
}

func renderRow(rec measurement.Record, names map[string]string, phases []string, loc *time.Location) elem.Node {
	name := rec.DeviceName
	if n, ok := names[rec.Device]; ok {
		name = n
	}
	if name == "" {
		name = catalog.FormatName(rec.Device)
	}

	cells := []elem.Node{
		elem.Td(nil, elem.Text(rec.Timestamp.In(loc).Format(timeLayout))),
		elem.Td(nil, elem.Text(name)),
		elem.Td(attrs.Props{attrs.Class: "num"}, elem.Text(rec.ActivePower().String())),
	}
	for _, p := range phases {
		reading, _ := rec.Phase(p)
		cells = append(cells,
			elem.Td(attrs.Props{attrs.Class: "num"}, elem.Text(reading.Voltage.String())),
			elem.Td(attrs.Props{attrs.Class: "num"}, elem.Text(reading.Current.String())),
		)
	}
	cells = append(cells, elem.Td(attrs.Props{attrs.Class: "num"}, elem.Text(rec.TotalConsumption.String())))

	return elem.Tr(nil, cells...)
}

func phaseNames(records []measurement.Record) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for _, p := range rec.Phases {
			seen[p.Phase] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleEventBusDebug renders the last known status of every component
// and the most recent view change.
func (s *Server) HandleEventBusDebug(w http.ResponseWriter, r *http.Request) {
	statuses := s.bus.Statuses()

	components := make([]string, 0, len(statuses))
	for name := range statuses {
		components = append(components, name)
	}
	sort.Strings(components)

	rows := make([]elem.Node, 0, len(components))
	for _, name := range components {
		evt := statuses[name]
		rows = append(rows, elem.Tr(nil,
			elem.Td(nil, elem.Text(name)),
			elem.Td(nil, elem.Text(string(evt.Status))),
			elem.Td(nil, elem.Text(evt.Timestamp.Format(time.RFC3339))),
			elem.Td(nil, elem.Text(evt.Error)),
		))
	}

	s.stateMu.RLock()
	last := s.lastView
	s.stateMu.RUnlock()

	content := elem.Div(nil,
		elem.H1(nil, elem.Text("Event Bus")),
		elem.H2(nil, elem.Text("Component Status")),
		elem.Table(attrs.Props{attrs.Class: "status"},
			elem.THead(nil, elem.Tr(nil,
				elem.Th(nil, elem.Text("Component")),
				elem.Th(nil, elem.Text("Status")),
				elem.Th(nil, elem.Text("Since")),
				elem.Th(nil, elem.Text("Error")),
			)),
			elem.TBody(nil, rows...),
		),
		elem.H2(nil, elem.Text("Last View Change")),
		renderViewEvent(last),
	)

	s.writeHTML(w, s.renderPage("Port Energy Twin - Event Bus", content))
}

func renderViewEvent(evt events.ViewChangedEvent) elem.Node {
	if evt.Timestamp.IsZero() {
		return elem.P(nil, elem.Text("No view changes observed yet"))
	}
	return elem.P(nil, elem.Text(fmt.Sprintf(
		"%s at %s: mode=%s device=%q date=%s records=%d pending=%d generation=%d",
		evt.Reason,
		evt.Timestamp.Format(time.RFC3339),
		evt.Mode,
		evt.SelectedDevice,
		evt.SelectedDate,
		evt.Records,
		evt.PendingRecords,
		evt.Generation,
	)))
}
