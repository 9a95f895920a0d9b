package monitor

import (
	"time"

	"github.com/winwatch/winwatch/internal/dirchange"
)

// FileChangeEvent is the last change observed by a FileMonitor.
type FileChangeEvent struct {
	Timestamp time.Time
	// Action is empty when the completed read carried no record.
	Action dirchange.Action
	// Path is the canonical path of the watched directory, not of the
	// changed entry.
	Path string
	// FileName is the record's name relative to Path.
	FileName string
}

func (e FileChangeEvent) fields() map[string]any {
	return map[string]any{
		"timestamp":  e.Timestamp,
		"event_type": string(e.Action),
		"path":       e.Path,
		"file_name":  e.FileName,
	}
}

// RegistryChangeEvent is the last change observed by a RegistryMonitor. The
// kernel reports only that something matching the filter changed, so Hive
// and KeyPath come from the monitor's own target.
type RegistryChangeEvent struct {
	Timestamp time.Time
	EventType RegistryFilter
	Hive      Hive
	KeyPath   string
}

func (e RegistryChangeEvent) fields() map[string]any {
	return map[string]any{
		"timestamp":  e.Timestamp,
		"event_type": string(e.EventType),
		"hive":       string(e.Hive),
		"key_path":   e.KeyPath,
	}
}

// ProcessEvent is the last process lifecycle change observed by a
// ProcessMonitor. Deletion events carry the values last seen while the
// process was alive.
type ProcessEvent struct {
	Timestamp       time.Time
	EventType       ProcessFilter
	Name            string
	ProcessID       int32
	ParentProcessID int32
	ExecutablePath  string
	CommandLine     string
	// CreationDate is zero when the OS did not report it.
	CreationDate time.Time
	ThreadCount  int32
}

func (e ProcessEvent) fields() map[string]any {
	return map[string]any{
		"timestamp":         e.Timestamp,
		"event_type":        string(e.EventType),
		"name":              e.Name,
		"process_id":        e.ProcessID,
		"parent_process_id": e.ParentProcessID,
		"executable_path":   e.ExecutablePath,
		"command_line":      e.CommandLine,
		"creation_date":     e.CreationDate,
		"thread_count":      e.ThreadCount,
	}
}

// eventState holds the most recent event of one monitor. Each store
// replaces the previous event; nothing else is retained.
type eventState[E interface{ fields() map[string]any }] struct {
	ev  E
	set bool
}

func (s *eventState[E]) store(ev E) {
	s.ev = ev
	s.set = true
}

// last returns the stored event and whether one was observed yet.
func (s *eventState[E]) last() (E, bool) {
	return s.ev, s.set
}

func (s *eventState[E]) snapshot() map[string]any {
	if !s.set {
		return nil
	}
	return s.ev.fields()
}
