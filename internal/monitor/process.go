package monitor

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/winwatch/winwatch/internal/notify"
)

// processInfo is what the monitor remembers about one live process.
type processInfo struct {
	PID            int32
	PPID           int32
	Name           string
	ExecutablePath string
	CommandLine    string
	CreationDate   time.Time
	ThreadCount    int32
}

// processLister reads the process table.
type processLister interface {
	// List returns the live processes keyed by PID. Only PID, Name,
	// ThreadCount and CreationDate need to be filled; CreationDate tells a
	// reused PID apart from the process that held it before.
	List(ctx context.Context) (map[int32]processInfo, error)
	// Describe fills the remaining fields of info. Fields the OS refuses to
	// report stay empty.
	Describe(ctx context.Context, info processInfo) processInfo
}

func withLister(l processLister) Option {
	return func(o *options) { o.lister = l }
}

// ProcessMonitor reports process creation, deletion and modification by
// diffing the process table. It is portable and holds no OS handles.
type ProcessMonitor struct {
	filter   ProcessFilter
	interval time.Duration
	lister   processLister
	logger   *slog.Logger

	known  map[int32]processInfo
	closed bool
	state  eventState[ProcessEvent]
}

// NewProcessMonitor validates filter and records the current process table as
// the baseline. Processes that exist at construction produce no events, but
// are described in full so that their deletion carries the same details as
// that of a process created later.
func NewProcessMonitor(ctx context.Context, filter ProcessFilter, opts ...Option) (*ProcessMonitor, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	if o.lister == nil {
		o.lister = gopsutilLister{}
	}

	known, err := o.lister.List(ctx)
	if err != nil {
		return nil, &Error{Kind: KindInstall, Monitor: KindProcess, Op: "list processes", Code: codeOf(err), Err: err}
	}
	for pid, info := range known {
		known[pid] = o.lister.Describe(ctx, info)
	}
	m := &ProcessMonitor{
		filter:   filter,
		interval: o.pollInterval,
		lister:   o.lister,
		logger:   o.logger.With(slog.String("monitor", string(KindProcess))),
		known:    known,
	}
	m.logger.Debug("process monitor: baseline",
		slog.Int("processes", len(known)),
		slog.String("filter", string(filter)),
	)
	return m, nil
}

// Update rescans the process table every poll interval until a difference
// matching the filter appears, then stores it. Only the lowest-PID matching
// difference is consumed per call; later ones are reported by later calls.
func (m *ProcessMonitor) Update(ctx context.Context) error {
	if m.closed {
		return &Error{Kind: KindFail, Monitor: KindProcess, Op: "update", Err: notify.ErrClosed}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		live, err := m.lister.List(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &Error{Kind: KindFail, Monitor: KindProcess, Op: "list processes", Code: codeOf(err), Err: err}
		}
		if ev, ok := m.next(ctx, live); ok {
			m.state.store(ev)
			m.logger.Debug("process monitor: change",
				slog.String("event_type", string(ev.EventType)),
				slog.Int("pid", int(ev.ProcessID)),
				slog.String("name", ev.Name),
			)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// next walks the differences between the known and live tables in PID order.
// Differences the filter excludes are folded in silently; the first one it
// includes is folded in and returned.
func (m *ProcessMonitor) next(ctx context.Context, live map[int32]processInfo) (ProcessEvent, bool) {
	pids := make([]int32, 0, len(live))
	for pid := range live {
		pids = append(pids, pid)
	}
	for pid := range m.known {
		if _, ok := live[pid]; !ok {
			pids = append(pids, pid)
		}
	}
	slices.Sort(pids)

	for _, pid := range pids {
		// A reused PID yields two differences, so fold until none is left.
		for {
			typ, info, ok := m.fold(ctx, pid, live)
			if !ok {
				break
			}
			if m.filter.includes(string(typ)) {
				return ProcessEvent{
					Timestamp:       time.Now().UTC(),
					EventType:       typ,
					Name:            info.Name,
					ProcessID:       info.PID,
					ParentProcessID: info.PPID,
					ExecutablePath:  info.ExecutablePath,
					CommandLine:     info.CommandLine,
					CreationDate:    info.CreationDate,
					ThreadCount:     info.ThreadCount,
				}, true
			}
		}
	}
	return ProcessEvent{}, false
}

// fold applies one difference for pid to the known table and returns it.
// When the live process under a known PID was created at a different time,
// the old process is deleted first; the next call then reports the new one
// as created.
func (m *ProcessMonitor) fold(ctx context.Context, pid int32, live map[int32]processInfo) (ProcessFilter, processInfo, bool) {
	cur, alive := live[pid]
	old, seen := m.known[pid]

	switch {
	case alive && !seen:
		info := m.lister.Describe(ctx, cur)
		m.known[pid] = info
		return ProcessCreation, info, true
	case !alive && seen:
		delete(m.known, pid)
		return ProcessDeletion, old, true
	case !alive:
		return "", processInfo{}, false
	case reused(old, cur):
		delete(m.known, pid)
		return ProcessDeletion, old, true
	case old.Name != cur.Name || old.ThreadCount != cur.ThreadCount:
		old.Name, old.ThreadCount = cur.Name, cur.ThreadCount
		m.known[pid] = old
		return ProcessModification, old, true
	}
	return "", processInfo{}, false
}

// reused reports whether cur is a different process from old under the same
// PID. Without a creation time on both sides the PID is taken at face value.
func reused(old, cur processInfo) bool {
	if old.CreationDate.IsZero() || cur.CreationDate.IsZero() {
		return false
	}
	return !old.CreationDate.Equal(cur.CreationDate)
}

// Close drops the process table. A second call returns an error wrapping
// notify.ErrClosed.
func (m *ProcessMonitor) Close() error {
	if m.closed {
		return &Error{Kind: KindFail, Monitor: KindProcess, Op: "close", Err: notify.ErrClosed}
	}
	m.closed = true
	m.known = nil
	return nil
}

func (m *ProcessMonitor) Timestamp() time.Time    { return m.state.ev.Timestamp }
func (m *ProcessMonitor) EventType() string       { return string(m.state.ev.EventType) }
func (m *ProcessMonitor) Name() string            { return m.state.ev.Name }
func (m *ProcessMonitor) ProcessID() int32        { return m.state.ev.ProcessID }
func (m *ProcessMonitor) ParentProcessID() int32  { return m.state.ev.ParentProcessID }
func (m *ProcessMonitor) ExecutablePath() string  { return m.state.ev.ExecutablePath }
func (m *ProcessMonitor) CommandLine() string     { return m.state.ev.CommandLine }
func (m *ProcessMonitor) CreationDate() time.Time { return m.state.ev.CreationDate }
func (m *ProcessMonitor) ThreadCount() int32      { return m.state.ev.ThreadCount }

// Event returns the last change and whether one has been observed.
func (m *ProcessMonitor) Event() (ProcessEvent, bool) { return m.state.last() }

func (m *ProcessMonitor) Filter() ProcessFilter { return m.filter }
func (m *ProcessMonitor) Kind() Kind            { return KindProcess }

func (m *ProcessMonitor) Snapshot() map[string]any { return m.state.snapshot() }

// gopsutilLister reads the process table through gopsutil. Per-process
// lookups that fail (exited or access denied) leave the field empty.
type gopsutilLister struct{}

func (gopsutilLister) List(ctx context.Context) (map[int32]processInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int32]processInfo, len(procs))
	for _, p := range procs {
		info := processInfo{PID: p.Pid}
		info.Name, _ = p.NameWithContext(ctx)
		info.ThreadCount, _ = p.NumThreadsWithContext(ctx)
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			info.CreationDate = time.UnixMilli(ms).UTC()
		}
		out[p.Pid] = info
	}
	return out, nil
}

func (gopsutilLister) Describe(ctx context.Context, info processInfo) processInfo {
	p, err := process.NewProcessWithContext(ctx, info.PID)
	if err != nil {
		return info
	}
	info.PPID, _ = p.PpidWithContext(ctx)
	info.ExecutablePath, _ = p.ExeWithContext(ctx)
	info.CommandLine, _ = p.CmdlineWithContext(ctx)
	if info.CreationDate.IsZero() {
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			info.CreationDate = time.UnixMilli(ms).UTC()
		}
	}
	return info
}
