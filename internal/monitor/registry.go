package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/winwatch/winwatch/internal/notify"
)

// RegistryMonitor reports changes to one registry key and its subkeys.
type RegistryMonitor struct {
	target RegistryTarget
	filter RegistryFilter
	logger *slog.Logger

	note  *notify.Notification
	state eventState[RegistryChangeEvent]
}

// NewRegistryMonitor validates target and filter, opens the key for
// notification, and arms the first change request.
func NewRegistryMonitor(target RegistryTarget, filter RegistryFilter, opts ...Option) (*RegistryMonitor, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	src, err := openKeyWatch(target.Hive, target.KeyPath, filter.notifyFilter())
	if err != nil {
		return nil, &Error{Kind: KindInstall, Monitor: KindRegistry, Op: "open key", Code: codeOf(err), Err: err}
	}
	return newRegistryMonitor(target, filter, src, o)
}

func newRegistryMonitor(target RegistryTarget, filter RegistryFilter, src notify.Source, o options) (*RegistryMonitor, error) {
	note, err := notify.New(src)
	if err != nil {
		return nil, &Error{Kind: KindInstall, Monitor: KindRegistry, Op: "notify change key value", Code: codeOf(err), Err: err}
	}
	m := &RegistryMonitor{
		target: target,
		filter: filter,
		logger: o.logger.With(
			slog.String("monitor", string(KindRegistry)),
			slog.String("key", string(target.Hive)+`\`+target.KeyPath),
		),
		note: note,
	}
	m.logger.Debug("registry monitor: armed", slog.String("filter", string(filter)))
	return m, nil
}

// Update blocks until the key reports a change matching the filter. The
// stored event carries the filter as its type because the kernel does not say
// which of the selected changes happened.
func (m *RegistryMonitor) Update(ctx context.Context) error {
	res, err := m.note.Wait(ctx)
	switch res {
	case notify.Signaled:
	case notify.TimedOut:
		return err
	default:
		return m.failure("wait for change", err)
	}

	ev := RegistryChangeEvent{
		Timestamp: time.Now().UTC(),
		EventType: m.filter,
		Hive:      m.target.Hive,
		KeyPath:   m.target.KeyPath,
	}
	if err := m.note.Rearm(); err != nil {
		return m.failure("rearm", err)
	}
	m.state.store(ev)
	m.logger.Debug("registry monitor: change")
	return nil
}

func (m *RegistryMonitor) failure(op string, err error) error {
	m.logger.Debug("registry monitor: released after failure", slog.String("op", op), slog.Any("error", err))
	return &Error{Kind: KindFail, Monitor: KindRegistry, Op: op, Code: codeOf(err), Err: err}
}

// Close releases the key and the event.
func (m *RegistryMonitor) Close() error {
	if err := m.note.Close(); err != nil {
		return &Error{Kind: KindFail, Monitor: KindRegistry, Op: "close", Code: codeOf(err), Err: err}
	}
	return nil
}

func (m *RegistryMonitor) Timestamp() time.Time { return m.state.ev.Timestamp }
func (m *RegistryMonitor) EventType() string    { return string(m.state.ev.EventType) }
func (m *RegistryMonitor) Hive() Hive           { return m.state.ev.Hive }
func (m *RegistryMonitor) KeyPath() string      { return m.state.ev.KeyPath }

// Event returns the last change and whether one has been observed.
func (m *RegistryMonitor) Event() (RegistryChangeEvent, bool) { return m.state.last() }

func (m *RegistryMonitor) Target() RegistryTarget { return m.target }
func (m *RegistryMonitor) Filter() RegistryFilter { return m.filter }
func (m *RegistryMonitor) Kind() Kind             { return KindRegistry }

func (m *RegistryMonitor) Snapshot() map[string]any { return m.state.snapshot() }
