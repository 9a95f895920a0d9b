package monitor

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/winwatch/winwatch/internal/dirchange"
	"github.com/winwatch/winwatch/internal/notify"
)

// dirWatch is the OS side of a FileMonitor: an overlapped directory read
// that can be armed, waited on, and inspected once it completed.
type dirWatch interface {
	notify.Source
	// Result returns the byte count of the completed read.
	Result() (uint32, error)
	// Buffer is the memory the completed read was written to.
	Buffer() []byte
	// FinalPath resolves the canonical path of the watched directory.
	FinalPath() (string, error)
}

// FileMonitor reports changes under one directory tree.
type FileMonitor struct {
	target FileTarget
	filter FileFilter
	opts   options
	logger *slog.Logger

	w    dirWatch
	note *notify.Notification

	state   eventState[FileChangeEvent]
	records []dirchange.Record
}

// NewFileMonitor validates target and filter, opens the directory, and arms
// the first change request. Validation happens before any OS resource is
// touched.
func NewFileMonitor(target FileTarget, filter FileFilter, opts ...Option) (*FileMonitor, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	mask, _ := filter.Mask()

	w, err := openDirWatch(target.Path, mask, o.bufferSize)
	if err != nil {
		return nil, &Error{Kind: KindInstall, Monitor: KindFile, Op: "open directory", Code: codeOf(err), Err: err}
	}
	return newFileMonitor(target, filter, w, o)
}

func newFileMonitor(target FileTarget, filter FileFilter, w dirWatch, o options) (*FileMonitor, error) {
	note, err := notify.New(w)
	if err != nil {
		return nil, &Error{Kind: KindInstall, Monitor: KindFile, Op: "read directory changes", Code: codeOf(err), Err: err}
	}
	m := &FileMonitor{
		target: target,
		filter: filter,
		opts:   o,
		logger: o.logger.With(slog.String("monitor", string(KindFile)), slog.String("path", target.Path)),
		w:      w,
		note:   note,
	}
	m.logger.Debug("file monitor: armed", slog.String("filter", string(filter)))
	return m, nil
}

// Update blocks until the directory reports a change, then stores the first
// record of the completed read and rearms. On any failure the monitor's
// handles are released and an *Error of KindFail is returned; the previous
// event is kept.
func (m *FileMonitor) Update(ctx context.Context) error {
	res, err := m.note.Wait(ctx)
	switch res {
	case notify.Signaled:
	case notify.TimedOut:
		return err
	default:
		return m.failure("wait for change", err)
	}

	n, err := m.w.Result()
	if err != nil {
		m.note.Fail(err)
		return m.failure("get overlapped result", err)
	}

	ev := FileChangeEvent{Timestamp: time.Now().UTC()}
	var records []dirchange.Record
	if n > 0 {
		path, err := m.w.FinalPath()
		if err != nil {
			m.note.Fail(err)
			return m.failure("resolve final path", err)
		}
		ev.Path = path
		ev.Action, ev.FileName = dirchange.First(m.w.Buffer(), n)
		if m.opts.batch {
			records = slices.Collect(dirchange.Records(m.w.Buffer(), n))
		}
	}

	// Rearming reuses the buffer, so everything above must be decoded first.
	if err := m.note.Rearm(); err != nil {
		return m.failure("rearm", err)
	}

	m.state.store(ev)
	if m.opts.batch {
		m.records = records
	}
	m.logger.Debug("file monitor: change",
		slog.String("action", string(ev.Action)),
		slog.String("file_name", ev.FileName),
		slog.Int("bytes", int(n)),
	)
	return nil
}

func (m *FileMonitor) failure(op string, err error) error {
	m.logger.Debug("file monitor: released after failure", slog.String("op", op), slog.Any("error", err))
	return &Error{Kind: KindFail, Monitor: KindFile, Op: op, Code: codeOf(err), Err: err}
}

// Close releases the directory handle and the event. A second call returns an
// error wrapping notify.ErrClosed.
func (m *FileMonitor) Close() error {
	if err := m.note.Close(); err != nil {
		return &Error{Kind: KindFail, Monitor: KindFile, Op: "close", Code: codeOf(err), Err: err}
	}
	return nil
}

// Timestamp is the UTC time the last change was consumed.
func (m *FileMonitor) Timestamp() time.Time { return m.state.ev.Timestamp }

// EventType is the action of the last change, or "" when none was decoded.
func (m *FileMonitor) EventType() string { return string(m.state.ev.Action) }

// Path is the canonical path of the watched directory as of the last change.
func (m *FileMonitor) Path() string { return m.state.ev.Path }

// FileName is the changed entry relative to Path.
func (m *FileMonitor) FileName() string { return m.state.ev.FileName }

// Event returns the last change and whether one has been observed.
func (m *FileMonitor) Event() (FileChangeEvent, bool) { return m.state.last() }

// Records returns every record of the last completed read when the monitor
// was built WithBatchDecoding, nil otherwise.
func (m *FileMonitor) Records() []dirchange.Record { return m.records }

func (m *FileMonitor) Target() FileTarget { return m.target }
func (m *FileMonitor) Filter() FileFilter { return m.filter }
func (m *FileMonitor) Kind() Kind         { return KindFile }

func (m *FileMonitor) Snapshot() map[string]any { return m.state.snapshot() }

// canonicalPath strips the Win32 file namespace prefix from a final path so
// that it reads like an ordinary absolute path.
func canonicalPath(p string) string {
	switch {
	case strings.HasPrefix(p, `\\?\UNC\`):
		return `\\` + p[len(`\\?\UNC\`):]
	case strings.HasPrefix(p, `\\?\`):
		return p[len(`\\?\`):]
	}
	return p
}
