// Package agent contains the winwatch agent orchestrator. It builds the
// configured monitors, drives each one from its own goroutine, records every
// observed event in the journal, and rebuilds monitors whose kernel wait
// failed.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/winwatch/winwatch/internal/config"
	"github.com/winwatch/winwatch/internal/journal"
	"github.com/winwatch/winwatch/internal/monitor"
	"github.com/winwatch/winwatch/internal/stream"
)

// Journal is the interface for the local SQLite-backed event journal.
type Journal interface {
	// Record appends one event and returns its ID.
	Record(ctx context.Context, e journal.Entry) (int64, error)
	// Recent returns up to n entries, newest first, optionally restricted to
	// one monitor.
	Recent(ctx context.Context, monitor string, n int) ([]journal.Entry, error)
	// Count returns the number of stored entries.
	Count() int
	// Close releases resources held by the journal.
	Close() error
}

// Sink receives a copy of every journalled event. Sinks are the Postgres
// forwarder, the audit trail and the live stream hub.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e journal.Entry) error
	Close() error
}

// Factory builds the monitor described by mc. It is called once per monitor
// at Start and again every time a failed monitor is rebuilt.
type Factory func(ctx context.Context, mc config.MonitorConfig, logger *slog.Logger) (monitor.Monitor, error)

// Monitor run states reported by the status API.
const (
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateStopped    = "stopped"
)

// runner is the agent-side bookkeeping for one configured monitor. All
// fields are guarded by Agent.mu.
type runner struct {
	cfg config.MonitorConfig

	state       string
	events      uint64
	restarts    int
	lastErr     string
	lastEvent   map[string]any
	lastEventAt time.Time
}

// Agent is the central orchestrator of the winwatch agent.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	factory Factory
	journal Journal
	sinks   []Sink
	stream  *stream.Hub
	auth    *Auth

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	runners     []*runner
	lastEventAt time.Time
	running     bool
	wg          sync.WaitGroup
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithFactory replaces the factory used to build monitors. The default is
// NewMonitor.
func WithFactory(f Factory) Option {
	return func(a *Agent) { a.factory = f }
}

// WithJournal registers the event journal. Without one, events are only
// logged and kept as each monitor's last event.
func WithJournal(j Journal) Option {
	return func(a *Agent) { a.journal = j }
}

// WithSink adds a sink that receives every event after it is journalled.
func WithSink(s Sink) Option {
	return func(a *Agent) { a.sinks = append(a.sinks, s) }
}

// WithStream registers hub as a sink and serves it on GET /events/stream.
func WithStream(hub *stream.Hub) Option {
	return func(a *Agent) {
		a.stream = hub
		a.sinks = append(a.sinks, hub)
	}
}

// New creates a new Agent from the provided configuration and logger.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		factory: NewMonitor,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start builds every configured monitor and starts one goroutine per monitor.
// If any monitor cannot be built, the ones already built are closed and the
// error is returned; nothing keeps running in that case.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.logger.Info("starting winwatch agent",
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("status_addr", a.cfg.StatusAddr),
		slog.String("journal_path", a.cfg.JournalPath),
		slog.Int("num_monitors", len(a.cfg.Monitors)),
	)

	runners := make([]*runner, 0, len(a.cfg.Monitors))
	monitors := make([]monitor.Monitor, 0, len(a.cfg.Monitors))
	for _, mc := range a.cfg.Monitors {
		m, err := a.factory(ctx, mc, a.logger)
		if err != nil {
			for _, built := range monitors {
				_ = built.Close()
			}
			cancel()
			a.mu.Lock()
			a.running = false
			a.cancel = nil
			a.mu.Unlock()
			return fmt.Errorf("agent: monitor %q failed to start: %w", mc.Name, err)
		}
		runners = append(runners, &runner{cfg: mc, state: StateRunning})
		monitors = append(monitors, m)
	}

	// Goroutines are registered under the lock so that a concurrent Stop
	// either waits for them or is seen here before any of them start.
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		for _, m := range monitors {
			_ = m.Close()
		}
		return fmt.Errorf("agent: stopped while starting")
	}
	a.runners = runners
	for i, r := range runners {
		metricMonitorUp.WithLabelValues(r.cfg.Name).Set(1)
		a.wg.Add(1)
		go a.run(ctx, r, monitors[i])
	}
	a.mu.Unlock()

	a.logger.Info("winwatch agent started")
	return nil
}

// Stop cancels every monitor goroutine, waits for them to close their
// monitors, and closes the journal and sinks. It is safe to call Stop
// multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	a.wg.Wait()

	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("error closing event journal", slog.Any("error", err))
		}
	}
	for _, s := range a.sinks {
		if err := s.Close(); err != nil {
			a.logger.Warn("error closing event sink",
				slog.String("sink", s.Name()),
				slog.Any("error", err),
			)
		}
	}

	a.logger.Info("winwatch agent stopped")
}

// run drives one monitor until ctx is cancelled. A monitor whose wait failed
// has already released its handles; it is replaced by a freshly built one
// after the configured backoff.
func (a *Agent) run(ctx context.Context, r *runner, m monitor.Monitor) {
	defer a.wg.Done()

	logger := a.logger.With(slog.String("monitor", r.cfg.Name), slog.String("kind", r.cfg.Kind))
	for {
		err := m.Update(ctx)
		switch {
		case err == nil:
			a.handleEvent(ctx, r, m)
			continue
		case ctx.Err() != nil:
			if cerr := m.Close(); cerr != nil {
				logger.Debug("agent: close monitor", slog.Any("error", cerr))
			}
			a.setState(r, StateStopped, nil)
			return
		case errors.Is(err, monitor.ErrFail):
			logger.Warn("agent: monitor failed, rebuilding",
				slog.Any("error", err),
				slog.Duration("backoff", a.cfg.RestartBackoff),
			)
		default:
			logger.Warn("agent: unexpected update error, rebuilding", slog.Any("error", err))
		}

		metricMonitorFailures.WithLabelValues(r.cfg.Name).Inc()
		_ = m.Close()
		a.setState(r, StateRestarting, err)
		if m = a.rebuild(ctx, r, logger); m == nil {
			a.setState(r, StateStopped, nil)
			return
		}
	}
}

// rebuild keeps calling the factory, one attempt per backoff period, until it
// succeeds or ctx ends. It returns nil when ctx ended first.
func (a *Agent) rebuild(ctx context.Context, r *runner, logger *slog.Logger) monitor.Monitor {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.RestartBackoff):
		}

		m, err := a.factory(ctx, r.cfg, a.logger)
		if err == nil {
			metricMonitorRestarts.WithLabelValues(r.cfg.Name).Inc()
			metricMonitorUp.WithLabelValues(r.cfg.Name).Set(1)
			a.mu.Lock()
			r.restarts++
			r.state = StateRunning
			a.mu.Unlock()
			logger.Info("agent: monitor rebuilt")
			return m
		}
		logger.Warn("agent: rebuild failed", slog.Any("error", err))
		a.setState(r, StateRestarting, err)
	}
}

func (a *Agent) setState(r *runner, state string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r.state = state
	if state != StateRunning {
		metricMonitorUp.WithLabelValues(r.cfg.Name).Set(0)
	}
	if err != nil {
		r.lastErr = err.Error()
	}
}

// handleEvent records the monitor's current event as its last event, logs it,
// appends it to the journal and hands it to every sink. Journal and sink
// errors are logged but do not stop the monitor.
func (a *Agent) handleEvent(ctx context.Context, r *runner, m monitor.Monitor) {
	ts := m.Timestamp()
	detail := m.Snapshot()

	a.mu.Lock()
	r.events++
	r.lastEvent = detail
	r.lastEventAt = ts
	a.lastEventAt = ts
	a.mu.Unlock()

	metricEvents.WithLabelValues(r.cfg.Name, string(m.Kind())).Inc()
	a.logger.Info("monitor event received",
		slog.String("monitor", r.cfg.Name),
		slog.String("kind", string(m.Kind())),
		slog.String("event_type", m.EventType()),
	)

	e := journal.Entry{
		Monitor:   r.cfg.Name,
		Kind:      string(m.Kind()),
		EventType: m.EventType(),
		Timestamp: ts,
		Detail:    detail,
	}
	if a.journal != nil {
		id, err := a.journal.Record(ctx, e)
		if err != nil {
			metricJournalErrors.Inc()
			a.logger.Warn("failed to journal monitor event",
				slog.String("monitor", r.cfg.Name),
				slog.Any("error", err),
			)
		}
		e.ID = id
	}
	for _, s := range a.sinks {
		if err := s.Publish(ctx, e); err != nil {
			metricSinkErrors.WithLabelValues(s.Name()).Inc()
			a.logger.Warn("failed to publish monitor event",
				slog.String("monitor", r.cfg.Name),
				slog.String("sink", s.Name()),
				slog.Any("error", err),
			)
		}
	}
}
