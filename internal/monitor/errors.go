package monitor

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorKind classifies monitor errors so callers can branch on the kind
// instead of the message.
type ErrorKind int

const (
	// KindValidation is a configuration problem detected before any OS
	// resource is touched.
	KindValidation ErrorKind = iota + 1
	// KindInstall means the OS refused to open the resource or to create or
	// arm the notification.
	KindInstall
	// KindFail means a wait failed after a successful arm. The monitor has
	// released its handles.
	KindFail
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInstall:
		return "install"
	case KindFail:
		return "fail"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrValidation = errors.New("monitor: validation error")
	ErrInstall    = errors.New("monitor: install error")
	ErrFail       = errors.New("monitor: wait failed")
)

// ErrUnsupported is wrapped by install errors on platforms without the
// native notification API.
var ErrUnsupported = errors.New("not supported on this platform")

// Error is returned by every monitor constructor and Update call.
type Error struct {
	Kind    ErrorKind
	Monitor Kind
	// Op names the step that failed, e.g. "open directory".
	Op string
	// Code is the originating OS error code, 0 when unknown.
	Code uint32
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s monitor: %s error", e.Monitor, e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (error code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrInstall:
		return e.Kind == KindInstall
	case ErrFail:
		return e.Kind == KindFail
	}
	return false
}

func validationError(m Kind, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Monitor: m, Err: fmt.Errorf(format, args...)}
}

// codeOf extracts the OS error code carried by err, or 0.
func codeOf(err error) uint32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return 0
}
