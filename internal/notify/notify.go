// Package notify manages a kernel notification handle whose armed state has to
// be re-established after every consumed signal. The OS side is abstracted
// behind [Source] so that the arm/wait/rearm state machine can be exercised
// without touching real handles.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Infinite asks a Source to wait without a timeout.
const Infinite time.Duration = -1

// PollInterval is the slice length used by Wait when the caller's context can
// be cancelled. Between slices the context is checked.
const PollInterval = 100 * time.Millisecond

// WaitResult is the outcome of a single wait on a notification handle.
type WaitResult int

const (
	// Signaled means the watched condition occurred.
	Signaled WaitResult = iota + 1
	// TimedOut means no signal arrived before the timeout elapsed.
	TimedOut
	// Failed means the wait itself failed; the handle is unusable.
	Failed
)

func (r WaitResult) String() string {
	switch r {
	case Signaled:
		return "signaled"
	case TimedOut:
		return "timed-out"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("WaitResult(%d)", int(r))
	}
}

// State is the lifecycle state of a Notification.
type State int

const (
	// Unarmed is the state before the initial arm succeeded.
	Unarmed State = iota
	// Armed means a kernel request is outstanding.
	Armed
	// StateSignaled means the request completed and has not been rearmed yet.
	StateSignaled
	// StateFailed is terminal; the source has been released.
	StateFailed
	// Closed is terminal; the source has been released by Close.
	Closed
)

func (s State) String() string {
	switch s {
	case Unarmed:
		return "unarmed"
	case Armed:
		return "armed"
	case StateSignaled:
		return "signaled"
	case StateFailed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrIllegalState is returned when an operation is not valid in the
	// current state, e.g. Wait on a closed notification.
	ErrIllegalState = errors.New("notify: illegal state transition")
	// ErrClosed is returned by Close when the notification was already
	// released.
	ErrClosed = errors.New("notify: already closed")
	// ErrWaitFailed is returned by Wait when the source reported Failed.
	ErrWaitFailed = errors.New("notify: wait failed")
)

// Source is the OS side of a notification: a wait-capable handle plus the
// resource it is attached to.
type Source interface {
	// Arm asks the kernel to signal the handle on the next matching change.
	Arm() error
	// Wait blocks until the handle is signaled or timeout elapses. A negative
	// timeout ([Infinite]) waits forever.
	Wait(timeout time.Duration) (WaitResult, error)
	// Close releases the handle and the associated resource.
	Close() error
}

// Notification drives a Source through Armed → Signaled → Armed cycles. It is
// not safe for concurrent use.
type Notification struct {
	src   Source
	state State
	// err is the cause of the transition to StateFailed.
	err error
}

// New performs the initial arm of src. When arming fails src is closed before
// the error is returned, so the caller has nothing left to release.
func New(src Source) (*Notification, error) {
	n := &Notification{src: src, state: Unarmed}
	if err := src.Arm(); err != nil {
		_ = src.Close()
		n.state = Closed
		return nil, fmt.Errorf("notify: arm: %w", err)
	}
	n.state = Armed
	return n, nil
}

// State reports the current lifecycle state.
func (n *Notification) State() State {
	return n.state
}

// Err returns the error that moved the notification to StateFailed, or nil.
func (n *Notification) Err() error {
	return n.err
}

// Wait blocks until the source signals, fails, or ctx ends. A context that
// can never be cancelled gets a single infinite wait. Otherwise the source is
// waited on in PollInterval slices and TimedOut is returned together with
// ctx.Err() once ctx is done; the notification stays Armed in that case.
func (n *Notification) Wait(ctx context.Context) (WaitResult, error) {
	if n.state != Armed {
		return Failed, fmt.Errorf("%w: wait in state %s", ErrIllegalState, n.state)
	}

	if ctx.Done() == nil {
		return n.waitOnce(Infinite)
	}

	for {
		if err := ctx.Err(); err != nil {
			return TimedOut, err
		}
		res, err := n.waitOnce(PollInterval)
		if res != TimedOut {
			return res, err
		}
	}
}

func (n *Notification) waitOnce(timeout time.Duration) (WaitResult, error) {
	res, err := n.src.Wait(timeout)
	switch res {
	case Signaled:
		n.state = StateSignaled
		return Signaled, nil
	case TimedOut:
		return TimedOut, nil
	default:
		if err == nil {
			err = ErrWaitFailed
		} else {
			err = fmt.Errorf("%w: %w", ErrWaitFailed, err)
		}
		n.fail(err)
		return Failed, err
	}
}

// Rearm re-issues the kernel request after a consumed signal. A failure is
// unrecoverable: the source is released and the notification is Failed.
func (n *Notification) Rearm() error {
	if n.state != StateSignaled {
		return fmt.Errorf("%w: rearm in state %s", ErrIllegalState, n.state)
	}
	if err := n.src.Arm(); err != nil {
		err = fmt.Errorf("notify: rearm: %w", err)
		n.fail(err)
		return err
	}
	n.state = Armed
	return nil
}

// Fail records a consume-side failure (for example a failed completion
// query) and releases the source. Errors from the release are dropped.
func (n *Notification) Fail(cause error) {
	if n.state == Closed || n.state == StateFailed {
		return
	}
	n.fail(cause)
}

func (n *Notification) fail(cause error) {
	_ = n.src.Close()
	n.state = StateFailed
	n.err = cause
}

// Close releases the source. Calling Close on a notification that already
// released its source returns ErrClosed without touching the source again.
func (n *Notification) Close() error {
	switch n.state {
	case Closed:
		return ErrClosed
	case StateFailed:
		n.state = Closed
		return nil
	}
	n.state = Closed
	if err := n.src.Close(); err != nil {
		return fmt.Errorf("notify: close: %w", err)
	}
	return nil
}
