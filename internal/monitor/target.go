package monitor

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Allowed target keys. Any other key is rejected at construction.
var (
	fileTargetKeys     = []string{"Drive", "Path", "FileName", "Extension"}
	registryTargetKeys = []string{"Hive", "RootPath", "KeyPath", "ValueName"}
)

// FileTarget names the directory a FileMonitor watches. Only Path is used by
// the native backend; the other fields are accepted for compatibility with
// instrumentation backends that filter on them.
type FileTarget struct {
	Drive     string
	Path      string
	FileName  string
	Extension string
}

// ParseFileTarget builds a FileTarget from a key/value mapping, rejecting
// unknown keys.
func ParseFileTarget(m map[string]string) (FileTarget, error) {
	if err := checkKeys(KindFile, m, fileTargetKeys); err != nil {
		return FileTarget{}, err
	}
	t := FileTarget{
		Drive:     m["Drive"],
		Path:      m["Path"],
		FileName:  m["FileName"],
		Extension: m["Extension"],
	}
	return t, t.Validate()
}

// Validate checks that the fields required by the native backend are set.
func (t FileTarget) Validate() error {
	if strings.TrimSpace(t.Path) == "" {
		return validationError(KindFile, "target Path is required")
	}
	return nil
}

// Hive is one of the five predefined registry roots.
type Hive string

const (
	HiveClassesRoot   Hive = "HKEY_CLASSES_ROOT"
	HiveCurrentUser   Hive = "HKEY_CURRENT_USER"
	HiveLocalMachine  Hive = "HKEY_LOCAL_MACHINE"
	HiveUsers         Hive = "HKEY_USERS"
	HiveCurrentConfig Hive = "HKEY_CURRENT_CONFIG"
)

var validHives = map[Hive]bool{
	HiveClassesRoot:   true,
	HiveCurrentUser:   true,
	HiveLocalMachine:  true,
	HiveUsers:         true,
	HiveCurrentConfig: true,
}

// RegistryTarget names the key a RegistryMonitor watches. RootPath and
// ValueName are only meaningful to instrumentation backends.
type RegistryTarget struct {
	Hive      Hive
	RootPath  string
	KeyPath   string
	ValueName string
}

// ParseRegistryTarget builds a RegistryTarget from a key/value mapping,
// rejecting unknown keys.
func ParseRegistryTarget(m map[string]string) (RegistryTarget, error) {
	if err := checkKeys(KindRegistry, m, registryTargetKeys); err != nil {
		return RegistryTarget{}, err
	}
	t := RegistryTarget{
		Hive:      Hive(m["Hive"]),
		RootPath:  m["RootPath"],
		KeyPath:   m["KeyPath"],
		ValueName: m["ValueName"],
	}
	return t, t.Validate()
}

// Validate checks that Hive is a known root and KeyPath is set.
func (t RegistryTarget) Validate() error {
	var errs []error
	if t.Hive == "" {
		errs = append(errs, errors.New("target Hive is required"))
	} else if !validHives[t.Hive] {
		errs = append(errs, fmt.Errorf("target Hive %q must be one of: %s", string(t.Hive), allowed(validHives)))
	}
	if strings.TrimSpace(t.KeyPath) == "" {
		errs = append(errs, errors.New("target KeyPath is required"))
	}
	if len(errs) > 0 {
		return &Error{Kind: KindValidation, Monitor: KindRegistry, Err: errors.Join(errs...)}
	}
	return nil
}

func checkKeys(m Kind, target map[string]string, valid []string) error {
	var unknown []string
	for k := range target {
		if !slices.Contains(valid, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	slices.Sort(unknown)
	return validationError(m, "invalid target keys %s; allowed: %s",
		strings.Join(unknown, ", "), strings.Join(valid, ", "))
}
