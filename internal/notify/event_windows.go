//go:build windows

package notify

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows"
)

// WaitForSingleObject ABI values.
const (
	waitTimeout = 0x00000102
	infinite    = 0xFFFFFFFF
)

// Event is a Win32 event object used as the signal half of a Source.
type Event struct {
	h windows.Handle
}

// NewEvent creates an unnamed, initially non-signaled event. A manual-reset
// event stays signaled until Reset is called; an auto-reset event is reset by
// the wait that observes it.
func NewEvent(manualReset bool) (*Event, error) {
	var manual uint32
	if manualReset {
		manual = 1
	}
	h, err := windows.CreateEvent(nil, manual, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("notify: CreateEvent: %w", err)
	}
	return &Event{h: h}, nil
}

// Handle returns the underlying event handle.
func (e *Event) Handle() windows.Handle {
	return e.h
}

// Wait waits on the event for at most timeout. A negative timeout waits
// forever.
func (e *Event) Wait(timeout time.Duration) (WaitResult, error) {
	ms := uint32(infinite)
	if timeout >= 0 {
		ms = uint32(timeout / time.Millisecond)
	}
	ev, err := windows.WaitForSingleObject(e.h, ms)
	switch ev {
	case windows.WAIT_OBJECT_0:
		return Signaled, nil
	case waitTimeout:
		return TimedOut, nil
	default:
		if err == nil {
			err = fmt.Errorf("WaitForSingleObject returned %#x", ev)
		}
		return Failed, err
	}
}

// Reset puts a manual-reset event back into the non-signaled state.
func (e *Event) Reset() error {
	return windows.ResetEvent(e.h)
}

// Close releases the event handle.
func (e *Event) Close() error {
	if e.h == 0 {
		return nil
	}
	err := windows.CloseHandle(e.h)
	e.h = 0
	return err
}
