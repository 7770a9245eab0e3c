// Package region provides a uniform read/write view over a contiguous byte
// range that lives either in a memory mapped file or in the address space of
// another process.
//
// A Region is owned by whoever opened it and must be released with Close.
// Nothing re-validates a region against concurrent external modification of
// its source; callers re-open a region when they need fresh contents.
package region

import (
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/appsworld/mtool/types"
)

var (
	// ErrRegionUnavailable is returned when the source of a region cannot be accessed.
	ErrRegionUnavailable = errors.New("region unavailable")
	// ErrRegionNotWritable is returned when writing to a region opened read-only.
	ErrRegionNotWritable = errors.New("region not writable")
)

// Kind is the source of a region's bytes.
type Kind int

const (
	File Kind = iota
	Process
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Process:
		return "process"
	}
	return "unknown"
}

// processHandle is the OS specific access to another task's memory.
type processHandle interface {
	readAt(p []byte, addr uint64) (int, error)
	writeAt(p []byte, addr uint64) (int, error)
	close() error
}

// A Region is a contiguous mapped byte range.
type Region struct {
	Kind Kind
	// SourceBase is the address (or file offset) of the first byte in the source.
	SourceBase uint64
	// Base is the address of the first byte in this process, 0 for process regions.
	Base       uintptr
	Size       uint64
	Protection types.VmProtection
	PID        int

	writable bool
	data     []byte // requested window of mapping
	unmap    func() error
	proc     processHandle
	closer   io.Closer
	closed   bool
}

// End returns the source address of the last byte in the region.
func (r *Region) End() uint64 {
	if r.Size == 0 {
		return r.SourceBase
	}
	return r.SourceBase + r.Size - 1
}

// Contains reports whether addr (a source address) lies inside the region.
func (r *Region) Contains(addr uint64) bool {
	return r.Size > 0 && addr >= r.SourceBase && addr <= r.End()
}

// Writable reports whether the region was opened with write access.
func (r *Region) Writable() bool { return r.writable }

// Bytes returns the local view of a file region; nil for process regions.
func (r *Region) Bytes() []byte {
	if r.Kind != File || r.closed {
		return nil
	}
	return r.data
}

// ReadAt implements io.ReaderAt; off is relative to the start of the region.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if r.closed {
		return 0, errors.Wrap(ErrRegionUnavailable, "region is closed")
	}
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}
	if uint64(off) >= r.Size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	want := len(p)
	if rem := r.Size - uint64(off); uint64(want) > rem {
		p = p[:rem]
	}
	var n int
	var err error
	switch r.Kind {
	case File:
		n = copy(p, r.data[off:])
	case Process:
		n, err = r.proc.readAt(p, r.SourceBase+uint64(off))
		if err != nil {
			return n, errors.Wrapf(ErrRegionUnavailable, "failed to read %d bytes at %#x from pid %d: %v", len(p), r.SourceBase+uint64(off), r.PID, err)
		}
	}
	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt; writes never extend the region.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if r.closed {
		return 0, errors.Wrap(ErrRegionUnavailable, "region is closed")
	}
	if !r.writable {
		return 0, ErrRegionNotWritable
	}
	if off < 0 || uint64(off)+uint64(len(p)) > r.Size {
		return 0, errors.Errorf("write of %d bytes at %#x is outside region of size %#x", len(p), off, r.Size)
	}
	switch r.Kind {
	case File:
		return copy(r.data[off:], p), nil
	case Process:
		n, err := r.proc.writeAt(p, r.SourceBase+uint64(off))
		if err != nil {
			return n, errors.Wrapf(ErrRegionUnavailable, "failed to write %d bytes at %#x to pid %d: %v", len(p), r.SourceBase+uint64(off), r.PID, err)
		}
		return n, nil
	}
	return 0, ErrRegionUnavailable
}

// Close releases the mapping or process handle. It is safe to call more than once.
func (r *Region) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.unmap != nil {
		err = r.unmap()
		r.unmap = nil
	}
	if r.proc != nil {
		if perr := r.proc.close(); err == nil {
			err = perr
		}
		r.proc = nil
	}
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
		r.closer = nil
	}
	r.data = nil
	return err
}

func (r *Region) String() string {
	src := r.Kind.String()
	if r.Kind == Process {
		src = fmt.Sprintf("pid %d", r.PID)
	}
	return fmt.Sprintf("%s region %#x-%#x (%#x bytes) %s", src, r.SourceBase, r.End(), r.Size, r.Protection)
}

// OpenFile maps size bytes of f starting at offset. The offset does not need
// to be page aligned.
func OpenFile(f *os.File, offset, size int64, writable, executable bool) (*Region, error) {
	if offset < 0 || size < 0 {
		return nil, errors.Wrapf(ErrRegionUnavailable, "invalid file window offset=%d size=%d", offset, size)
	}
	prot := types.VM_PROT_READ
	if writable {
		prot |= types.VM_PROT_WRITE
	}
	if executable {
		prot |= types.VM_PROT_EXECUTE
	}
	r := &Region{
		Kind:       File,
		SourceBase: uint64(offset),
		Size:       uint64(size),
		Protection: prot,
		writable:   writable,
	}
	if size == 0 {
		return r, nil
	}
	if fi, err := f.Stat(); err != nil {
		return nil, errors.Wrapf(ErrRegionUnavailable, "%v", err)
	} else if offset+size > fi.Size() {
		return nil, errors.Wrapf(ErrRegionUnavailable, "window [%#x, %#x) is past the end of %s (%#x bytes)", offset, offset+size, f.Name(), fi.Size())
	}
	if err := mapFile(r, f, offset, size); err != nil {
		return nil, errors.Wrapf(ErrRegionUnavailable, "failed to map %s [%#x, %#x): %v", f.Name(), offset, offset+size, err)
	}
	log.WithFields(log.Fields{
		"file":   f.Name(),
		"offset": offset,
		"size":   size,
		"prot":   prot.String(),
	}).Debug("Mapped file region")
	return r, nil
}

// OpenPath opens the file at path and maps all of it. Closing the region closes the file.
func OpenPath(path string, writable bool) (*Region, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Wrapf(ErrRegionUnavailable, "%v", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(ErrRegionUnavailable, "%v", err)
	}
	r, err := OpenFile(f, 0, fi.Size(), writable, false)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// OpenProcess opens the mapping of process pid that contains address.
// The region holds a handle to the process until Close.
func OpenProcess(pid int, containing uint64, writable bool) (*Region, error) {
	r, err := openProcess(pid, containing, writable)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"pid":  pid,
		"base": fmt.Sprintf("%#x", r.SourceBase),
		"size": fmt.Sprintf("%#x", r.Size),
	}).Debug("Opened process region")
	return r, nil
}
