// Package monitor exposes operating-system change events as small pollable
// objects, one per event category. Update blocks until the next matching
// event and stores it; accessors then return its attributes.
//
// The native Windows monitors (FileMonitor, RegistryMonitor) hold a kernel
// notification handle that is rearmed after every consumed event. The
// ProcessMonitor diffs the process table and is portable. All of them satisfy
// [Monitor], so callers can treat the backends interchangeably.
//
// A monitor is not safe for concurrent use. Run one monitor per goroutine.
package monitor

import (
	"context"
	"time"
)

// Kind names the event category of a monitor.
type Kind string

const (
	KindFile     Kind = "file"
	KindRegistry Kind = "registry"
	KindProcess  Kind = "process"
)

// Monitor is the surface shared by every event source.
type Monitor interface {
	// Update blocks until one event is available and makes it readable
	// through the accessors. Cancelling ctx returns ctx.Err() and leaves the
	// monitor usable; the previous event stays in place.
	Update(ctx context.Context) error
	// Close releases the monitor's OS resources. A closed monitor must not
	// be reused.
	Close() error
	// Timestamp is the UTC instant of the last event, zero before the first.
	Timestamp() time.Time
	// EventType is the category-specific type of the last event.
	EventType() string
	// Kind reports the event category.
	Kind() Kind
	// Snapshot returns the last event's fields keyed by their names, or nil
	// before the first event.
	Snapshot() map[string]any
}
