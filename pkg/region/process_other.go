//go:build !linux && !(darwin && cgo)

package region

import "github.com/pkg/errors"

func openProcess(pid int, containing uint64, writable bool) (*Region, error) {
	return nil, errors.Wrapf(ErrRegionUnavailable, "process regions are not supported on this platform (pid %d)", pid)
}
