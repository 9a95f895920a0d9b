package monitor

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/winwatch/winwatch/internal/dirchange"
	"github.com/winwatch/winwatch/internal/notify"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

// fakeDir is an in-memory dirWatch. deliver plays the part of the kernel
// completing the outstanding read.
type fakeDir struct {
	buf    []byte
	n      uint32
	signal bool
	path   string

	waitErr   error
	resultErr error
	pathErr   error
	// rearmErr is returned by every Arm after the first.
	rearmErr error

	arms   int
	closes int
}

func newFakeDir() *fakeDir {
	return &fakeDir{buf: make([]byte, DefaultBufferSize), path: `C:\watched`}
}

func (f *fakeDir) deliver(recs ...dirchange.Record) {
	f.n = uint32(copy(f.buf, dirchange.Encode(nil, recs...)))
	f.signal = true
}

func (f *fakeDir) Arm() error {
	f.arms++
	if f.arms > 1 && f.rearmErr != nil {
		return f.rearmErr
	}
	// A new request owns the buffer; stale bytes must not be read again.
	clear(f.buf)
	f.n = 0
	return nil
}

func (f *fakeDir) Wait(timeout time.Duration) (notify.WaitResult, error) {
	if f.waitErr != nil {
		return notify.Failed, f.waitErr
	}
	if f.signal {
		f.signal = false
		return notify.Signaled, nil
	}
	if timeout > 0 {
		time.Sleep(timeout)
	}
	return notify.TimedOut, nil
}

func (f *fakeDir) Close() error {
	f.closes++
	return nil
}

func (f *fakeDir) Result() (uint32, error) {
	if f.resultErr != nil {
		return 0, f.resultErr
	}
	return f.n, nil
}

func (f *fakeDir) Buffer() []byte { return f.buf }

func (f *fakeDir) FinalPath() (string, error) {
	if f.pathErr != nil {
		return "", f.pathErr
	}
	return f.path, nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func newTestFileMonitor(t *testing.T, w *fakeDir, opts ...Option) *FileMonitor {
	t.Helper()
	m, err := newFileMonitor(FileTarget{Path: `C:\watched`}, FileUnionChange, w, buildOptions(opts))
	if err != nil {
		t.Fatalf("newFileMonitor: %v", err)
	}
	return m
}

// --------------------------------------------------------------------------
// Update
// --------------------------------------------------------------------------

func TestFileMonitor_UpdateStoresFirstRecordAndRearms(t *testing.T) {
	w := newFakeDir()
	m := newTestFileMonitor(t, w)

	w.deliver(dirchange.Record{Code: 1, Name: "note.txt"})
	before := time.Now().UTC()
	if err := m.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if m.EventType() != "Added" {
		t.Errorf("EventType = %q, want Added", m.EventType())
	}
	if m.FileName() != "note.txt" {
		t.Errorf("FileName = %q, want note.txt", m.FileName())
	}
	if m.Path() != `C:\watched` {
		t.Errorf("Path = %q, want C:\\watched", m.Path())
	}
	if ts := m.Timestamp(); ts.Before(before) || ts.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want UTC at or after %v", ts, before)
	}
	if w.arms != 2 {
		t.Errorf("arms = %d, want 2 (initial + rearm)", w.arms)
	}
	if w.closes != 0 {
		t.Errorf("closes = %d, want 0", w.closes)
	}
}

func TestFileMonitor_RenameReportsOldName(t *testing.T) {
	w := newFakeDir()
	m := newTestFileMonitor(t, w)

	w.deliver(
		dirchange.Record{Code: 4, Name: "note.txt"},
		dirchange.Record{Code: 5, Name: "renamed.txt"},
	)
	if err := m.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if m.EventType() != "RenamedFrom" || m.FileName() != "note.txt" {
		t.Errorf("event = (%q, %q), want (RenamedFrom, note.txt)", m.EventType(), m.FileName())
	}
	if m.Records() != nil {
		t.Errorf("Records = %v, want nil without batch decoding", m.Records())
	}
}

func TestFileMonitor_BatchDecodingKeepsAllRecords(t *testing.T) {
	w := newFakeDir()
	m := newTestFileMonitor(t, w, WithBatchDecoding())

	w.deliver(
		dirchange.Record{Code: 4, Name: "note.txt"},
		dirchange.Record{Code: 5, Name: "renamed.txt"},
	)
	if err := m.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	recs := m.Records()
	if len(recs) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(recs))
	}
	if recs[1].Action != dirchange.ActionRenamedTo || recs[1].Name != "renamed.txt" {
		t.Errorf("Records[1] = %+v, want RenamedTo renamed.txt", recs[1])
	}
	// Accessors still reflect the first record only.
	if m.FileName() != "note.txt" {
		t.Errorf("FileName = %q, want note.txt", m.FileName())
	}
}

func TestFileMonitor_ZeroByteCompletionStoresEmptyEvent(t *testing.T) {
	w := newFakeDir()
	m := newTestFileMonitor(t, w)

	w.deliver(dirchange.Record{Code: 1, Name: "first.txt"})
	if err := m.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Overflow: the kernel completes the read without writing any record.
	w.signal = true
	if err := m.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	ev, ok := m.Event()
	if !ok {
		t.Fatal("Event reported no event after a successful Update")
	}
	if ev.Action != "" || ev.Path != "" || ev.FileName != "" {
		t.Errorf("event = %+v, want empty action, path and file name", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp is zero, want the completion time")
	}
	if w.arms != 3 {
		t.Errorf("arms = %d, want 3", w.arms)
	}
}

func TestFileMonitor_CancelledContextKeepsMonitorUsable(t *testing.T) {
	w := newFakeDir()
	m := newTestFileMonitor(t, w)

	w.deliver(dirchange.Record{Code: 3, Name: "log.txt"})
	if err := m.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Update(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Update = %v, want context.DeadlineExceeded", err)
	}
	if m.FileName() != "log.txt" {
		t.Errorf("FileName = %q, want previous event kept", m.FileName())
	}
	if w.closes != 0 {
		t.Errorf("closes = %d, want 0", w.closes)
	}

	w.deliver(dirchange.Record{Code: 2, Name: "gone.txt"})
	if err := m.Update(context.Background()); err != nil {
		t.Fatalf("Update after cancel: %v", err)
	}
	if m.EventType() != "Removed" {
		t.Errorf("EventType = %q, want Removed", m.EventType())
	}
}

// --------------------------------------------------------------------------
// Failures
// --------------------------------------------------------------------------

func TestFileMonitor_ResultFailureReleasesHandles(t *testing.T) {
	w := newFakeDir()
	m := newTestFileMonitor(t, w)

	w.deliver(dirchange.Record{Code: 1, Name: "kept.txt"})
	if err := m.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// The directory handle was closed underneath the monitor.
	w.resultErr = syscall.Errno(6)
	w.signal = true
	err := m.Update(context.Background())
	if !errors.Is(err, ErrFail) {
		t.Fatalf("Update = %v, want ErrFail", err)
	}
	var merr *Error
	if !errors.As(err, &merr) || merr.Code != 6 || merr.Monitor != KindFile {
		t.Errorf("error = %#v, want file monitor error with code 6", err)
	}
	if w.closes != 1 {
		t.Errorf("closes = %d, want 1", w.closes)
	}
	if m.FileName() != "kept.txt" {
		t.Errorf("FileName = %q, want previous event kept", m.FileName())
	}

	if err := m.Update(context.Background()); !errors.Is(err, ErrFail) {
		t.Errorf("Update after failure = %v, want ErrFail", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close after failure = %v, want nil", err)
	}
	if w.closes != 1 {
		t.Errorf("closes = %d, want handles released exactly once", w.closes)
	}
}

func TestFileMonitor_WaitFailure(t *testing.T) {
	w := newFakeDir()
	m := newTestFileMonitor(t, w)

	w.waitErr = syscall.Errno(5)
	err := m.Update(context.Background())
	if !errors.Is(err, ErrFail) {
		t.Fatalf("Update = %v, want ErrFail", err)
	}
	if !errors.Is(err, notify.ErrWaitFailed) {
		t.Errorf("Update = %v, want it to wrap notify.ErrWaitFailed", err)
	}
	if w.closes != 1 {
		t.Errorf("closes = %d, want 1", w.closes)
	}
}

func TestFileMonitor_RearmFailureStoresNothing(t *testing.T) {
	w := newFakeDir()
	m := newTestFileMonitor(t, w)

	w.rearmErr = syscall.Errno(87)
	w.deliver(dirchange.Record{Code: 1, Name: "lost.txt"})
	if err := m.Update(context.Background()); !errors.Is(err, ErrFail) {
		t.Fatalf("Update = %v, want ErrFail", err)
	}
	if _, ok := m.Event(); ok {
		t.Error("Event reported an event after a failed Update")
	}
	if m.Snapshot() != nil {
		t.Errorf("Snapshot = %v, want nil", m.Snapshot())
	}
}

func TestFileMonitor_FinalPathFailure(t *testing.T) {
	w := newFakeDir()
	m := newTestFileMonitor(t, w)

	w.pathErr = syscall.Errno(2)
	w.deliver(dirchange.Record{Code: 1, Name: "x.txt"})
	if err := m.Update(context.Background()); !errors.Is(err, ErrFail) {
		t.Fatalf("Update = %v, want ErrFail", err)
	}
	if w.closes != 1 {
		t.Errorf("closes = %d, want 1", w.closes)
	}
}

func TestNewFileMonitor_ArmFailureIsInstallError(t *testing.T) {
	w := newFakeDir()
	// Arm fails on the first call too.
	w.arms = 1
	w.rearmErr = syscall.Errno(5)

	_, err := newFileMonitor(FileTarget{Path: `C:\watched`}, FileUnionChange, w, buildOptions(nil))
	if !errors.Is(err, ErrInstall) {
		t.Fatalf("newFileMonitor = %v, want ErrInstall", err)
	}
	if w.closes != 1 {
		t.Errorf("closes = %d, want handles released on install failure", w.closes)
	}
}

// --------------------------------------------------------------------------
// Close and accessors
// --------------------------------------------------------------------------

func TestFileMonitor_CloseTwice(t *testing.T) {
	w := newFakeDir()
	m := newTestFileMonitor(t, w)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); !errors.Is(err, notify.ErrClosed) {
		t.Errorf("second Close = %v, want notify.ErrClosed", err)
	}
	if w.closes != 1 {
		t.Errorf("closes = %d, want 1", w.closes)
	}
}

func TestFileMonitor_SnapshotBeforeAndAfterEvent(t *testing.T) {
	w := newFakeDir()
	m := newTestFileMonitor(t, w)

	if m.Snapshot() != nil {
		t.Errorf("Snapshot before first event = %v, want nil", m.Snapshot())
	}
	if !m.Timestamp().IsZero() || m.EventType() != "" {
		t.Error("accessors should be zero before the first event")
	}

	w.deliver(dirchange.Record{Code: 3, Name: "a.log"})
	if err := m.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	snap := m.Snapshot()
	if snap["event_type"] != "Modified" || snap["file_name"] != "a.log" || snap["path"] != `C:\watched` {
		t.Errorf("Snapshot = %v", snap)
	}
	if m.Kind() != KindFile || m.Filter() != FileUnionChange || m.Target().Path != `C:\watched` {
		t.Error("Kind, Filter or Target do not reflect construction")
	}
}

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		`\\?\C:\Users\me\watched`:  `C:\Users\me\watched`,
		`\\?\UNC\server\share\dir`: `\\server\share\dir`,
		`C:\already\plain`:         `C:\already\plain`,
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Errorf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFinalPathFlags(t *testing.T) {
	// FILE_NAME_NORMALIZED | VOLUME_NAME_DOS: the drive-letter form of the
	// normalized path.
	if fileNameNormalized|volumeNameDOS != 0 {
		t.Errorf("final path flags = %#x, want 0", fileNameNormalized|volumeNameDOS)
	}
}
