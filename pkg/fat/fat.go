// Package fat reads, validates and rewrites universal (fat) Mach-O archives.
//
// An Archive is either held in memory or backed by a file. Mutations compute
// the complete new layout before anything is written, and a file backed
// archive is rewritten in place when a mutation succeeds. Every mutation
// that moves bytes invalidates the Entry values issued before it.
package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"

	macho "github.com/appsworld/mtool"
	"github.com/appsworld/mtool/pkg/region"
	"github.com/appsworld/mtool/types"
)

var (
	// ErrUnrecognizedFormat is returned when content is not a thin Mach-O image or a buffer is not a fat archive.
	ErrUnrecognizedFormat = errors.New("unrecognized format")
	// ErrOffsetOverflow is returned when an offset or size cannot be stored in a 32-bit entry.
	ErrOffsetOverflow = errors.New("offset does not fit in a 32-bit fat entry")
	// ErrMalformedArchive is the kind of every validation failure.
	ErrMalformedArchive = errors.New("malformed fat archive")
	// ErrStaleEntry is returned for an Entry issued before the archive last changed layout.
	ErrStaleEntry = errors.New("stale fat entry")
)

const (
	// MaxEntries bounds the entry table.
	MaxEntries = 128
	// MaxAlign is the largest alignment shift an entry may declare.
	MaxAlign = 15

	headerSize  = 8
	entrySize32 = 20
	entrySize64 = 32
)

// Entry describes one architecture slice of an archive.
type Entry struct {
	CPU      types.CPU
	SubCPU   types.CPUSubtype
	Offset   uint64
	Size     uint64
	Align    uint32
	Reserved uint32 // 64-bit entries only

	gen uint64
}

// TrueAlign returns the alignment in bytes.
func (e Entry) TrueAlign() uint64 { return 1 << e.Align }

// ArchName returns the lipo style name of the slice.
func (e Entry) ArchName() string { return types.ArchName(e.CPU, e.SubCPU) }

func (e Entry) String() string {
	return fmt.Sprintf("%-8s offset=%#x size=%#x align=2^%d (%d)", e.ArchName(), e.Offset, e.Size, e.Align, e.TrueAlign())
}

func (e Entry) end() uint64 { return e.Offset + e.Size }

// Archive is a fat archive held in memory or backed by a file.
type Archive struct {
	Magic types.Magic

	entries []Entry
	data    []byte // in memory container, nil when file backed
	path    string // backing file, empty when in memory
	size    uint64 // container length
	gen     uint64
}

// Is64Bit reports whether the entry table uses 64-bit offsets.
func (a *Archive) Is64Bit() bool { return a.Magic == types.MagicFat64 }

// Path returns the backing file, or "" for an in memory archive.
func (a *Archive) Path() string { return a.path }

// Size returns the container length in bytes.
func (a *Archive) Size() uint64 { return a.size }

// Entries returns descriptors for the current layout.
func (a *Archive) Entries() []Entry {
	out := make([]Entry, len(a.entries))
	for i, e := range a.entries {
		e.gen = a.gen
		out[i] = e
	}
	return out
}

func (a *Archive) entrySize() uint64 {
	if a.Is64Bit() {
		return entrySize64
	}
	return entrySize32
}

func (a *Archive) tableEnd() uint64 {
	return headerSize + uint64(len(a.entries))*a.entrySize()
}

// New creates an empty in memory archive.
func New(is64 bool) *Archive {
	a := &Archive{Magic: types.MagicFat}
	if is64 {
		a.Magic = types.MagicFat64
	}
	a.data = a.encode(nil, nil)
	a.size = uint64(len(a.data))
	return a
}

// Load parses the header and entry table of an archive held in memory.
// The entries are not validated; see Validate.
func Load(data []byte) (*Archive, error) {
	a := &Archive{data: data, size: uint64(len(data))}
	if err := a.parse(data); err != nil {
		return nil, err
	}
	return a, nil
}

// Open parses the header and entry table of the archive at path. Later
// mutations are written back to path.
func Open(path string) (*Archive, error) {
	r, err := region.OpenPath(path, false)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	a := &Archive{path: path, size: r.Size}
	if err := a.parse(r.Bytes()); err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	return a, nil
}

func (a *Archive) parse(data []byte) error {
	if len(data) < headerSize {
		return errors.Wrap(ErrUnrecognizedFormat, "too small to be a fat archive")
	}
	a.Magic = types.Magic(binary.BigEndian.Uint32(data[0:]))
	if a.Magic != types.MagicFat && a.Magic != types.MagicFat64 {
		return errors.Wrapf(ErrUnrecognizedFormat, "bad fat magic %#x", uint32(a.Magic))
	}
	count := binary.BigEndian.Uint32(data[4:])
	if count > MaxEntries {
		return &ValidationError{Step: StepWordSize, Reason: fmt.Sprintf("%d entries exceeds the limit of %d", count, MaxEntries)}
	}
	esize := a.entrySize()
	if end := headerSize + uint64(count)*esize; end > uint64(len(data)) {
		return &ValidationError{Step: StepWordSize, Reason: fmt.Sprintf("entry table ends at %#x past the container (%#x bytes)", end, len(data))}
	}
	a.entries = make([]Entry, count)
	for i := range a.entries {
		b := data[headerSize+uint64(i)*esize:]
		e := Entry{
			CPU:    types.CPU(binary.BigEndian.Uint32(b[0:])),
			SubCPU: types.CPUSubtype(binary.BigEndian.Uint32(b[4:])),
		}
		if a.Is64Bit() {
			e.Offset = binary.BigEndian.Uint64(b[8:])
			e.Size = binary.BigEndian.Uint64(b[16:])
			e.Align = binary.BigEndian.Uint32(b[24:])
			e.Reserved = binary.BigEndian.Uint32(b[28:])
		} else {
			e.Offset = uint64(binary.BigEndian.Uint32(b[8:]))
			e.Size = uint64(binary.BigEndian.Uint32(b[12:]))
			e.Align = binary.BigEndian.Uint32(b[16:])
		}
		a.entries[i] = e
	}
	log.WithFields(log.Fields{"magic": a.Magic.String(), "entries": count}).Debug("Loaded fat archive")
	return nil
}

// index returns the position of e in the current table.
func (a *Archive) index(e Entry) (int, error) {
	if e.gen != a.gen {
		return -1, errors.Wrapf(ErrStaleEntry, "%s was issued before the archive changed", e.ArchName())
	}
	for i, cur := range a.entries {
		if cur.CPU == e.CPU && cur.SubCPU == e.SubCPU && cur.Offset == e.Offset && cur.Size == e.Size {
			return i, nil
		}
	}
	return -1, errors.Wrapf(ErrStaleEntry, "%s is not in this archive", e.ArchName())
}

// readRange returns a copy of size bytes at off in the container.
func (a *Archive) readRange(off, size uint64) ([]byte, error) {
	if off+size < off || off+size > a.size {
		return nil, errors.Wrapf(ErrMalformedArchive, "range [%#x, %#x) is outside the container (%#x bytes)", off, off+size, a.size)
	}
	out := make([]byte, size)
	if a.path == "" {
		copy(out, a.data[off:off+size])
		return out, nil
	}
	f, err := os.Open(a.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := region.OpenFile(f, int64(off), int64(size), false, false)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	copy(out, r.Bytes())
	return out, nil
}

// DataForEntry returns a copy of the bytes of e.
func (a *Archive) DataForEntry(e Entry) ([]byte, error) {
	i, err := a.index(e)
	if err != nil {
		return nil, err
	}
	cur := a.entries[i]
	return a.readRange(cur.Offset, cur.Size)
}

// WriteEntry writes the bytes of e to w.
func (a *Archive) WriteEntry(e Entry, w io.Writer) error {
	dat, err := a.DataForEntry(e)
	if err != nil {
		return err
	}
	_, err = w.Write(dat)
	return err
}

// WriteEntryToFile writes the bytes of e to a new file at path.
func (a *Archive) WriteEntryToFile(e Entry, path string) error {
	dat, err := a.DataForEntry(e)
	if err != nil {
		return err
	}
	return os.WriteFile(path, dat, 0o755)
}

// Bytes returns a copy of the whole container.
func (a *Archive) Bytes() ([]byte, error) {
	return a.readRange(0, a.size)
}

// WriteTo writes the whole container to w.
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	dat, err := a.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(dat)
	return int64(n), err
}

// WriteToFile writes the whole container to path without changing the backing store.
func (a *Archive) WriteToFile(path string) error {
	dat, err := a.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, dat, 0o755)
}

// CopyTo writes the container to path and makes path the backing store.
// Entries stay valid.
func (a *Archive) CopyTo(path string) error {
	dat, err := a.Bytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, dat, 0o755); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	a.path = path
	a.data = nil
	return nil
}

// Find returns the entry for cpu and sub, ignoring capability bits.
func (a *Archive) Find(cpu types.CPU, sub types.CPUSubtype) (Entry, bool) {
	for _, e := range a.Entries() {
		if e.CPU == cpu && e.SubCPU&types.CpuSubtypeMask == sub&types.CpuSubtypeMask {
			return e, true
		}
	}
	return Entry{}, false
}

// Image parses the slice e as a Mach-O image.
func (a *Archive) Image(e Entry) (*macho.File, error) {
	dat, err := a.DataForEntry(e)
	if err != nil {
		return nil, err
	}
	return macho.OpenMemory(dat, 0)
}

// encode renders the header, the entry table and the payloads. Gaps are zero.
func (a *Archive) encode(entries []Entry, payloads [][]byte) []byte {
	esize := uint64(entrySize32)
	if a.Is64Bit() {
		esize = entrySize64
	}
	size := headerSize + uint64(len(entries))*esize
	for _, e := range entries {
		size = max(size, e.end())
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, [2]uint32{uint32(a.Magic), uint32(len(entries))})
	for _, e := range entries {
		if a.Is64Bit() {
			binary.Write(&buf, binary.BigEndian, struct {
				CPU    types.CPU
				SubCPU types.CPUSubtype
				Offset uint64
				Size   uint64
				Align  uint32
				Res    uint32
			}{e.CPU, e.SubCPU, e.Offset, e.Size, e.Align, e.Reserved})
		} else {
			binary.Write(&buf, binary.BigEndian, [5]uint32{uint32(e.CPU), uint32(e.SubCPU), uint32(e.Offset), uint32(e.Size), e.Align})
		}
	}
	out := make([]byte, size)
	copy(out, buf.Bytes())
	for i, e := range entries {
		copy(out[e.Offset:e.end()], payloads[i])
	}
	return out
}
