//go:build windows

package monitor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/windows"

	"github.com/winwatch/winwatch/internal/notify"
)

// dirHandle is an overlapped ReadDirectoryChangesW request on one directory.
// The buffer and OVERLAPPED live as long as the handle because the kernel
// writes to them asynchronously.
type dirHandle struct {
	dir   windows.Handle
	event *notify.Event
	ov    windows.Overlapped
	buf   []byte
	mask  uint32
}

func openDirWatch(path string, mask uint32, bufSize int) (dirWatch, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	dir, err := windows.CreateFile(p,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	ev, err := notify.NewEvent(true)
	if err != nil {
		_ = windows.CloseHandle(dir)
		return nil, err
	}
	return &dirHandle{
		dir:   dir,
		event: ev,
		buf:   make([]byte, bufSize),
		mask:  mask,
	}, nil
}

// Arm issues a recursive change request. The event is manual-reset, so it is
// cleared here rather than by the wait.
func (d *dirHandle) Arm() error {
	if err := d.event.Reset(); err != nil {
		return err
	}
	d.ov = windows.Overlapped{HEvent: d.event.Handle()}
	return windows.ReadDirectoryChanges(d.dir, &d.buf[0], uint32(len(d.buf)), true, d.mask, nil, &d.ov, 0)
}

func (d *dirHandle) Wait(timeout time.Duration) (notify.WaitResult, error) {
	return d.event.Wait(timeout)
}

func (d *dirHandle) Result() (uint32, error) {
	var n uint32
	if err := windows.GetOverlappedResult(d.dir, &d.ov, &n, false); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *dirHandle) Buffer() []byte { return d.buf }

func (d *dirHandle) FinalPath() (string, error) {
	buf := make([]uint16, windows.MAX_PATH)
	for {
		n, err := windows.GetFinalPathNameByHandle(d.dir, &buf[0], uint32(len(buf)), fileNameNormalized|volumeNameDOS)
		if err != nil {
			return "", err
		}
		// A result larger than the buffer is the required size including NUL.
		if int(n) < len(buf) {
			return canonicalPath(windows.UTF16ToString(buf[:n])), nil
		}
		buf = make([]uint16, n)
	}
}

func (d *dirHandle) Close() error {
	var errs []error
	if d.dir != 0 {
		if err := windows.CloseHandle(d.dir); err != nil {
			errs = append(errs, fmt.Errorf("close directory: %w", err))
		}
		d.dir = 0
	}
	if err := d.event.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event: %w", err))
	}
	return errors.Join(errs...)
}
