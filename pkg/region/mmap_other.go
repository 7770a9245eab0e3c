//go:build !unix

package region

import (
	"io"
	"os"
	"unsafe"
)

// mapFile falls back to a private heap copy where mmap is unavailable.
// Writes are flushed back to the file on Close.
func mapFile(r *Region, f *os.File, offset, size int64) error {
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return err
	}
	r.data = buf
	r.Base = uintptr(unsafe.Pointer(&buf[0]))
	if r.Protection.Write() {
		r.unmap = func() error {
			_, err := f.WriteAt(buf, offset)
			return err
		}
	}
	return nil
}
