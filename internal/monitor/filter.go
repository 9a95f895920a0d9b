package monitor

import (
	"slices"
	"strings"
)

// FileFilter selects which directory changes a FileMonitor reports.
type FileFilter string

const (
	FileNameChange  FileFilter = "FileNameChange"
	DirNameChange   FileFilter = "DirNameChange"
	LastWriteChange FileFilter = "LastWriteChange"
	FileUnionChange FileFilter = "UnionChange"
)

// FILE_NOTIFY_CHANGE_* masks (kernel ABI).
const (
	fileNotifyChangeFileName  uint32 = 0x00000001
	fileNotifyChangeDirName   uint32 = 0x00000002
	fileNotifyChangeLastWrite uint32 = 0x00000010
)

// GetFinalPathNameByHandleW flags (kernel ABI).
const (
	fileNameNormalized uint32 = 0x0
	volumeNameDOS      uint32 = 0x0
)

var fileFilterMasks = map[FileFilter]uint32{
	FileNameChange:  fileNotifyChangeFileName,
	DirNameChange:   fileNotifyChangeDirName,
	LastWriteChange: fileNotifyChangeLastWrite,
	FileUnionChange: fileNotifyChangeFileName | fileNotifyChangeDirName | fileNotifyChangeLastWrite,
}

// Mask returns the ReadDirectoryChangesW notify filter for f.
func (f FileFilter) Mask() (uint32, bool) {
	m, ok := fileFilterMasks[f]
	return m, ok
}

// Validate reports an error for any value outside the allowed set.
func (f FileFilter) Validate() error {
	if _, ok := fileFilterMasks[f]; !ok {
		return validationError(KindFile, "notify filter %q must be one of: %s", string(f), allowed(fileFilterMasks))
	}
	return nil
}

// ParseFileFilter converts s, defaulting to UnionChange when s is empty.
func ParseFileFilter(s string) (FileFilter, error) {
	if s == "" {
		return FileUnionChange, nil
	}
	f := FileFilter(s)
	return f, f.Validate()
}

// RegistryFilter selects which key changes a RegistryMonitor reports.
type RegistryFilter string

const (
	NameChange          RegistryFilter = "NameChange"
	LastSetChange       RegistryFilter = "LastSetChange"
	RegistryUnionChange RegistryFilter = "UnionChange"
)

// REG_NOTIFY_* masks (kernel ABI).
const (
	regNotifyChangeName     uint32 = 0x00000001
	regNotifyChangeLastSet  uint32 = 0x00000004
	regNotifyThreadAgnostic uint32 = 0x10000000
)

var registryFilterMasks = map[RegistryFilter]uint32{
	NameChange:          regNotifyChangeName,
	LastSetChange:       regNotifyChangeLastSet,
	RegistryUnionChange: regNotifyChangeName | regNotifyChangeLastSet,
}

// Mask returns the RegNotifyChangeKeyValue notify filter for f.
func (f RegistryFilter) Mask() (uint32, bool) {
	m, ok := registryFilterMasks[f]
	return m, ok
}

// notifyFilter is the mask passed to RegNotifyChangeKeyValue. Requests are
// made from goroutines that can migrate between OS threads, so the
// registration must not die with the thread that issued it.
func (f RegistryFilter) notifyFilter() uint32 {
	return registryFilterMasks[f] | regNotifyThreadAgnostic
}

// Validate reports an error for any value outside the allowed set.
func (f RegistryFilter) Validate() error {
	if _, ok := registryFilterMasks[f]; !ok {
		return validationError(KindRegistry, "notify filter %q must be one of: %s", string(f), allowed(registryFilterMasks))
	}
	return nil
}

// ParseRegistryFilter converts s, defaulting to UnionChange when s is empty.
func ParseRegistryFilter(s string) (RegistryFilter, error) {
	if s == "" {
		return RegistryUnionChange, nil
	}
	f := RegistryFilter(s)
	return f, f.Validate()
}

// ProcessFilter selects which process lifecycle events a ProcessMonitor
// reports.
type ProcessFilter string

const (
	ProcessOperation    ProcessFilter = "Operation"
	ProcessCreation     ProcessFilter = "Creation"
	ProcessDeletion     ProcessFilter = "Deletion"
	ProcessModification ProcessFilter = "Modification"
)

var validProcessFilters = map[ProcessFilter]bool{
	ProcessOperation:    true,
	ProcessCreation:     true,
	ProcessDeletion:     true,
	ProcessModification: true,
}

// Validate reports an error for any value outside the allowed set.
func (f ProcessFilter) Validate() error {
	if !validProcessFilters[f] {
		return validationError(KindProcess, "notify filter %q must be one of: %s", string(f), allowed(validProcessFilters))
	}
	return nil
}

// ParseProcessFilter converts s, defaulting to Operation when s is empty.
func ParseProcessFilter(s string) (ProcessFilter, error) {
	if s == "" {
		return ProcessOperation, nil
	}
	f := ProcessFilter(s)
	return f, f.Validate()
}

func (f ProcessFilter) includes(eventType string) bool {
	return f == ProcessOperation || string(f) == eventType
}

func allowed[K ~string, V any](m map[K]V) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	slices.Sort(keys)
	return strings.Join(keys, ", ")
}
