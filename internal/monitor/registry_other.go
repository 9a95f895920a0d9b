//go:build !windows

package monitor

import "github.com/winwatch/winwatch/internal/notify"

func openKeyWatch(Hive, string, uint32) (notify.Source, error) {
	return nil, ErrUnsupported
}
