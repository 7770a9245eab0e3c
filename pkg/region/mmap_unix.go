//go:build unix

package region

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func mapFile(r *Region, f *os.File, offset, size int64) error {
	pageSize := int64(unix.Getpagesize())
	aligned := offset &^ (pageSize - 1)
	delta := offset - aligned

	prot := unix.PROT_READ
	flags := unix.MAP_PRIVATE
	if r.Protection.Write() {
		prot |= unix.PROT_WRITE
		flags = unix.MAP_SHARED
	}
	if r.Protection.Execute() {
		prot |= unix.PROT_EXEC
	}
	m, err := unix.Mmap(int(f.Fd()), aligned, int(size+delta), prot, flags)
	if err != nil {
		return err
	}
	r.data = m[delta : delta+size]
	r.Base = uintptr(unsafe.Pointer(&r.data[0]))
	r.unmap = func() error {
		var err error
		if flags == unix.MAP_SHARED {
			err = unix.Msync(m, unix.MS_SYNC)
		}
		if uerr := unix.Munmap(m); err == nil {
			err = uerr
		}
		return err
	}
	return nil
}
