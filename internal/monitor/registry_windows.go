//go:build windows

package monitor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/winwatch/winwatch/internal/notify"
)

var hiveRoots = map[Hive]registry.Key{
	HiveClassesRoot:   registry.CLASSES_ROOT,
	HiveCurrentUser:   registry.CURRENT_USER,
	HiveLocalMachine:  registry.LOCAL_MACHINE,
	HiveUsers:         registry.USERS,
	HiveCurrentConfig: registry.CURRENT_CONFIG,
}

// keyHandle is an asynchronous RegNotifyChangeKeyValue request on one key.
type keyHandle struct {
	key   registry.Key
	event *notify.Event
	mask  uint32
}

func openKeyWatch(hive Hive, keyPath string, mask uint32) (notify.Source, error) {
	root, ok := hiveRoots[hive]
	if !ok {
		return nil, fmt.Errorf("unknown hive %q", string(hive))
	}
	key, err := registry.OpenKey(root, keyPath, registry.NOTIFY)
	if err != nil {
		return nil, fmt.Errorf(`open %s\%s: %w`, hive, keyPath, err)
	}
	ev, err := notify.NewEvent(false)
	if err != nil {
		_ = key.Close()
		return nil, err
	}
	return &keyHandle{key: key, event: ev, mask: mask}, nil
}

// Arm registers for the next change under the key, subtree included. The
// registration is one-shot, so it is renewed after every signal.
func (k *keyHandle) Arm() error {
	return windows.RegNotifyChangeKeyValue(windows.Handle(k.key), true, k.mask, k.event.Handle(), true)
}

func (k *keyHandle) Wait(timeout time.Duration) (notify.WaitResult, error) {
	return k.event.Wait(timeout)
}

func (k *keyHandle) Close() error {
	var errs []error
	if k.key != 0 {
		if err := k.key.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close key: %w", err))
		}
		k.key = 0
	}
	if err := k.event.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event: %w", err))
	}
	return errors.Join(errs...)
}
