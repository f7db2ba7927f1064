//go:build !linux

package health

import "errors"

var errUnsupported = errors.New("health: disk usage not supported on this platform")

// DiskUsage is unavailable off Linux; the disk check reports UNKNOWN.
func DiskUsage(string) (free, total uint64, err error) {
	return 0, 0, errUnsupported
}
