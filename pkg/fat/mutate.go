package fat

import (
	"io"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"

	macho "github.com/appsworld/mtool"
	"github.com/appsworld/mtool/pkg/region"
	"github.com/appsworld/mtool/types"
)

// Content is the source of an entry's bytes. Exactly one field must be set.
type Content struct {
	Data   []byte
	Path   string
	Reader io.Reader
}

func (c Content) load() ([]byte, error) {
	var n int
	if c.Data != nil {
		n++
	}
	if c.Path != "" {
		n++
	}
	if c.Reader != nil {
		n++
	}
	if n != 1 {
		return nil, errors.Errorf("content must have exactly one source, got %d", n)
	}
	switch {
	case c.Path != "":
		dat, err := os.ReadFile(c.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read content")
		}
		return dat, nil
	case c.Reader != nil:
		return io.ReadAll(c.Reader)
	}
	return c.Data, nil
}

// EntryDescription describes an entry to add. It is one of Placeholder,
// WithContent or ContentOnly.
type EntryDescription interface {
	pending() (pendingEntry, error)
}

// Placeholder appends an empty entry for CPU and SubCPU.
type Placeholder struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
}

// WithContent appends Content as the slice for CPU and SubCPU.
type WithContent struct {
	CPU     types.CPU
	SubCPU  types.CPUSubtype
	Content Content
}

// ContentOnly appends Content, taking the architecture from its Mach-O header.
type ContentOnly struct {
	Content Content
}

// pendingEntry is an entry whose offset is not yet assigned.
type pendingEntry struct {
	cpu   types.CPU
	sub   types.CPUSubtype
	align uint32
	data  []byte
}

func (p Placeholder) pending() (pendingEntry, error) {
	return pendingEntry{cpu: p.CPU, sub: p.SubCPU, align: types.PageAlign(p.CPU)}, nil
}

func (w WithContent) pending() (pendingEntry, error) {
	dat, err := w.Content.load()
	if err != nil {
		return pendingEntry{}, err
	}
	align := types.PageAlign(w.CPU)
	if m, err := macho.OpenMemory(dat, 0); err == nil {
		align = segmentAlign(m)
		if m.CPU != w.CPU {
			log.Debugf("content for %s is a %s image", types.ArchName(w.CPU, w.SubCPU), m.ArchName())
		}
	}
	return pendingEntry{cpu: w.CPU, sub: w.SubCPU, align: align, data: dat}, nil
}

func (c ContentOnly) pending() (pendingEntry, error) {
	dat, err := c.Content.load()
	if err != nil {
		return pendingEntry{}, err
	}
	m, err := macho.OpenMemory(dat, 0)
	if err != nil {
		return pendingEntry{}, errors.Wrapf(ErrUnrecognizedFormat, "cannot infer architecture: %v", err)
	}
	return pendingEntry{cpu: m.CPU, sub: m.SubCPU, align: segmentAlign(m), data: dat}, nil
}

// current loads the payloads of the existing entries.
func (a *Archive) current() ([]pendingEntry, error) {
	out := make([]pendingEntry, 0, len(a.entries))
	for _, e := range a.entries {
		dat, err := a.readRange(e.Offset, e.Size)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", e.ArchName())
		}
		out = append(out, pendingEntry{cpu: e.CPU, sub: e.SubCPU, align: e.Align, data: dat})
	}
	return out, nil
}

// layout packs entries after the table, each at its alignment.
func layout(pend []pendingEntry, is64 bool) ([]Entry, [][]byte, error) {
	if len(pend) > MaxEntries {
		return nil, nil, errors.Errorf("%d entries exceeds the limit of %d", len(pend), MaxEntries)
	}
	esize := uint64(entrySize32)
	if is64 {
		esize = entrySize64
	}
	next := headerSize + uint64(len(pend))*esize
	entries := make([]Entry, len(pend))
	payloads := make([][]byte, len(pend))
	for i, p := range pend {
		align := min(p.align, MaxAlign)
		off := alignUp(next, 1<<align)
		size := uint64(len(p.data))
		if !is64 && (off > 1<<32-1 || size > 1<<32-1 || off+size > 1<<32-1) {
			return nil, nil, errors.Wrapf(ErrOffsetOverflow, "%s at %#x", types.ArchName(p.cpu, p.sub), off)
		}
		entries[i] = Entry{CPU: p.cpu, SubCPU: p.sub, Offset: off, Size: size, Align: align}
		payloads[i] = p.data
		next = off + size
	}
	return entries, payloads, nil
}

// commit lays out pend, writes the new container and only then replaces
// the archive's state.
func (a *Archive) commit(pend []pendingEntry, is64 bool) error {
	entries, payloads, err := layout(pend, is64)
	if err != nil {
		return err
	}
	next := &Archive{Magic: types.MagicFat}
	if is64 {
		next.Magic = types.MagicFat64
	}
	buf := next.encode(entries, payloads)

	if a.path != "" {
		if err := writeInPlace(a.path, buf); err != nil {
			return err
		}
	} else {
		a.data = buf
	}
	a.Magic = next.Magic
	a.entries = entries
	a.size = uint64(len(buf))
	a.gen++
	log.WithFields(log.Fields{"entries": len(entries), "size": a.size, "path": a.path}).Debug("Rewrote fat archive")
	return nil
}

// mapForWrite opens the shared mapping writeInPlace writes through.
var mapForWrite = region.OpenFile

// writeInPlace replaces the contents of path with buf through a shared
// mapping. The file only grows before the write and only shrinks after it,
// so a failed write leaves the old header and entries readable.
func writeInPlace(path string, buf []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s for writing", path)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat %s", path)
	}
	size := int64(len(buf))
	if size > fi.Size() {
		if err := f.Truncate(size); err != nil {
			return errors.Wrapf(err, "failed to grow %s", path)
		}
	}
	r, err := mapForWrite(f, 0, size, true, false)
	if err != nil {
		return err
	}
	if _, err := r.WriteAt(buf, 0); err != nil {
		r.Close()
		return err
	}
	if err := r.Close(); err != nil {
		return errors.Wrapf(err, "failed to flush %s", path)
	}
	if size < fi.Size() {
		if err := f.Truncate(size); err != nil {
			return errors.Wrapf(err, "failed to shrink %s", path)
		}
	}
	return nil
}

// AddEntry appends one entry.
func (a *Archive) AddEntry(d EntryDescription) error {
	return a.AddEntries(d)
}

// AddEntries appends entries in order. Every description is checked
// before the archive changes.
func (a *Archive) AddEntries(ds ...EntryDescription) error {
	add := make([]pendingEntry, 0, len(ds))
	for _, d := range ds {
		if d == nil {
			return errors.New("nil entry description")
		}
		p, err := d.pending()
		if err != nil {
			return err
		}
		add = append(add, p)
	}
	pend, err := a.current()
	if err != nil {
		return err
	}
	return a.commit(append(pend, add...), a.Is64Bit())
}

// DeleteEntry removes e.
func (a *Archive) DeleteEntry(e Entry) error {
	return a.DeleteEntries(e)
}

// DeleteEntries removes every listed entry. Later entries move down.
func (a *Archive) DeleteEntries(es ...Entry) error {
	drop := make(map[int]bool, len(es))
	for _, e := range es {
		i, err := a.index(e)
		if err != nil {
			return err
		}
		drop[i] = true
	}
	cur, err := a.current()
	if err != nil {
		return err
	}
	keep := cur[:0]
	for i, p := range cur {
		if !drop[i] {
			keep = append(keep, p)
		}
	}
	return a.commit(keep, a.Is64Bit())
}

// SetDataForEntry replaces the bytes of e.
func (a *Archive) SetDataForEntry(e Entry, c Content) error {
	i, err := a.index(e)
	if err != nil {
		return err
	}
	dat, err := c.load()
	if err != nil {
		return err
	}
	cur, err := a.current()
	if err != nil {
		return err
	}
	cur[i].data = dat
	return a.commit(cur, a.Is64Bit())
}

// SetIs64Bit changes the entry table word size. Narrowing fails with
// ErrOffsetOverflow, leaving the archive as it was, if any entry does not
// fit in 32 bits.
func (a *Archive) SetIs64Bit(is64 bool) error {
	if is64 == a.Is64Bit() {
		return nil
	}
	if !is64 {
		for _, e := range a.entries {
			if e.Offset > 1<<32-1 || e.Size > 1<<32-1 {
				return errors.Wrapf(ErrOffsetOverflow, "%s", e)
			}
		}
	}
	cur, err := a.current()
	if err != nil {
		return err
	}
	return a.commit(cur, is64)
}
