package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/winwatch/winwatch/internal/journal"
	"github.com/winwatch/winwatch/internal/stream"
)

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	Monitors     int     `json:"monitors"`
	Restarting   int     `json:"restarting"`
	JournalCount int     `json:"journal_count"`
	LastEventAt  string  `json:"last_event_at,omitempty"`
}

// MonitorStatus is the per-monitor payload of /monitors.
type MonitorStatus struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	Filter      string         `json:"filter"`
	State       string         `json:"state"`
	Events      uint64         `json:"events"`
	Restarts    int            `json:"restarts"`
	LastError   string         `json:"last_error,omitempty"`
	LastEventAt string         `json:"last_event_at,omitempty"`
	LastEvent   map[string]any `json:"last_event,omitempty"`
}

// Health returns a snapshot of the current agent health state. Status is
// "degraded" while any monitor is waiting to be rebuilt.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:   "ok",
		UptimeS:  time.Since(a.startTime).Seconds(),
		Monitors: len(a.runners),
	}
	for _, r := range a.runners {
		if r.state == StateRestarting {
			h.Restarting++
		}
	}
	if h.Restarting > 0 {
		h.Status = "degraded"
	}

	if a.journal != nil {
		h.JournalCount = a.journal.Count()
	}

	if !a.lastEventAt.IsZero() {
		h.LastEventAt = a.lastEventAt.UTC().Format(time.RFC3339Nano)
	}

	return h
}

// Monitors returns the status of every configured monitor in configuration
// order.
func (a *Agent) Monitors() []MonitorStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]MonitorStatus, 0, len(a.runners))
	for _, r := range a.runners {
		out = append(out, r.status())
	}
	return out
}

// Monitor returns the status of the named monitor.
func (a *Agent) Monitor(name string) (MonitorStatus, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, r := range a.runners {
		if r.cfg.Name == name {
			return r.status(), true
		}
	}
	return MonitorStatus{}, false
}

// status must be called with Agent.mu held.
func (r *runner) status() MonitorStatus {
	s := MonitorStatus{
		Name:      r.cfg.Name,
		Kind:      r.cfg.Kind,
		Filter:    r.cfg.Filter,
		State:     r.state,
		Events:    r.events,
		Restarts:  r.restarts,
		LastError: r.lastErr,
		LastEvent: r.lastEvent,
	}
	if !r.lastEventAt.IsZero() {
		s.LastEventAt = r.lastEventAt.UTC().Format(time.RFC3339Nano)
	}
	return s
}

// Router returns the chi router serving the agent status API.
//
// Route layout:
//
//	GET /healthz          – liveness and aggregate counters
//	GET /monitors         – status of every monitor
//	GET /monitors/{name}  – status of one monitor
//	GET /events           – recent journal entries (?limit=N&monitor=NAME)
//	GET /events/stream    – live WebSocket event stream (?monitor=NAME)
//	GET /metrics          – Prometheus metrics
//
// With WithAuth, every route except /healthz requires a bearer token.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.HealthzHandler)

	r.Group(func(r chi.Router) {
		if a.auth != nil {
			r.Use(a.requireBearer)
		}
		r.Get("/monitors", a.handleMonitors)
		r.Get("/monitors/{name}", a.handleMonitor)
		r.Get("/events", a.handleEvents)
		r.Handle("/metrics", promhttp.Handler())
		if a.stream != nil {
			r.Method(http.MethodGet, "/events/stream", stream.NewHandler(a.stream, a.logger, 0))
		}
	})

	return r
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's health
// status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Health())
}

func (a *Agent) handleMonitors(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Monitors())
}

func (a *Agent) handleMonitor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s, ok := a.Monitor(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("monitor %q not found", name))
		return
	}
	a.writeJSON(w, http.StatusOK, s)
}

// handleEvents responds to GET /events.
//
// Supported query parameters:
//
//	limit    – maximum number of entries (default 50, max 1000)
//	monitor  – restrict to one monitor name (optional)
//
// Returns HTTP 404 when no journal is configured.
func (a *Agent) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeJSONError(w, http.StatusNotFound, "no journal configured")
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}

	entries, err := a.journal.Recent(r.Context(), r.URL.Query().Get("monitor"), limit)
	if err != nil {
		a.logger.Warn("status: journal query failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *Agent) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("status: failed to encode response", slog.Any("error", err))
	}
}

func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
