//go:build !windows

package monitor

func openDirWatch(string, uint32, int) (dirWatch, error) {
	return nil, ErrUnsupported
}
