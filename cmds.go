package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/appsworld/mtool/types"
)

// A Load represents any Mach-O load command.
type Load interface {
	Raw() []byte
	String() string
	Command() types.LoadCmd
	LoadSize(*FileTOC) uint32 // Need the TOC for alignment, sigh.
	Put([]byte, binary.ByteOrder) int
	Write(buf *bytes.Buffer, o binary.ByteOrder) error
}

// imageRef is the link from a load command back to the image it was parsed
// from. It is only used to resolve references and never owns the image.
type imageRef struct {
	owner *File
}

// Owner returns the image the command belongs to.
func (r imageRef) Owner() *File { return r.owner }

// LoadCmdBytes is a command-tagged sequence of bytes.
// This is used for Load Commands that are not (yet)
// interesting to us, and to common up this behavior for
// all those that are.
type LoadCmdBytes struct {
	types.LoadCmd
	LoadBytes
	imageRef
}

func (s LoadCmdBytes) String() string {
	return s.LoadCmd.String() + ": " + s.LoadBytes.String()
}

// A LoadBytes is the uninterpreted bytes of a Mach-O load command.
type LoadBytes []byte

func (b LoadBytes) String() string {
	s := "["
	for i, a := range b {
		if i > 0 {
			s += " "
			if len(b) > 48 && i >= 16 {
				s += fmt.Sprintf("... (%d bytes)", len(b))
				break
			}
		}
		s += fmt.Sprintf("%x", a)
	}
	s += "]"
	return s
}
func (b LoadBytes) Raw() []byte                          { return b }
func (b LoadBytes) Copy() LoadBytes                      { return LoadBytes(append([]byte{}, b...)) }
func (b LoadBytes) LoadSize(t *FileTOC) uint32           { return uint32(len(b)) }
func (b LoadBytes) Put(o []byte, _ binary.ByteOrder) int { return copy(o, b) }
func (b LoadBytes) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	_, err := buf.Write(b)
	return err
}

// putCmd encodes the fixed part of a command and an optional trailing
// string at strOff, zero filling the rest of the command up to size.
func putCmd(b []byte, o binary.ByteOrder, fixed any, size uint32, strOff uint32, str string) int {
	n, err := binary.Encode(b, o, fixed)
	if err != nil {
		return 0
	}
	end := int(size)
	if end > len(b) {
		end = len(b)
	}
	if n < end {
		clear(b[n:end])
	}
	if str != "" && int(strOff) < end {
		copy(b[strOff:end], str)
	}
	return end
}

func writeLoad(buf *bytes.Buffer, l Load, o binary.ByteOrder) error {
	b := make([]byte, l.LoadSize(nil))
	if n := l.Put(b, o); n != len(b) {
		return errors.Errorf("failed to encode %s: wrote %d of %d bytes", l.Command(), n, len(b))
	}
	_, err := buf.Write(b)
	return err
}

/*******************************************************************************
 * SEGMENT
 *******************************************************************************/

// A SegmentHeader is the header for a Mach-O 32-bit or 64-bit load segment command.
type SegmentHeader struct {
	types.LoadCmd
	Len       uint32
	Name      string
	Addr      uint64
	Memsz     uint64
	Offset    uint64
	Filesz    uint64
	Maxprot   types.VmProtection
	Prot      types.VmProtection
	Nsect     uint32
	Flag      types.SegFlag
	Firstsect uint32
}

func (s *SegmentHeader) String() string {
	return fmt.Sprintf(
		"Seg %s, len=%#x, addr=%#x, memsz=%#x, offset=%#x, filesz=%#x, maxprot=%#x, prot=%#x, nsect=%d, flag=%#x, firstsect=%d",
		s.Name, s.Len, s.Addr, s.Memsz, s.Offset, s.Filesz, s.Maxprot, s.Prot, s.Nsect, s.Flag, s.Firstsect)
}

// A Segment represents a Mach-O 32-bit or 64-bit load segment command.
type Segment struct {
	SegmentHeader
	LoadBytes
	imageRef
	// Embed ReaderAt for ReadAt method.
	// Do not embed SectionReader directly
	// to avoid having Read and Seek.
	// If a client wants Read and Seek it must use
	// Open() to avoid fighting over the seek offset
	// with other clients.
	io.ReaderAt
	sections []*Section
	dataOff  int64 // where the segment's bytes start in ReaderAt
}

func (s *Segment) String() string {
	return fmt.Sprintf("sz=0x%08x off=0x%08x-0x%08x addr=0x%09x-0x%09x %s/%s   %s",
		s.Filesz, s.Offset, s.Offset+s.Filesz, s.Addr, s.Addr+s.Memsz, s.Prot, s.Maxprot, s.Name)
}

// Sections returns the sections of the segment in command order.
func (s *Segment) Sections() []*Section { return s.sections }

func (s *Segment) is64() bool { return s.Command() == types.LC_SEGMENT_64 }

func (s *Segment) Put32(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0*4:], uint32(s.LoadCmd))
	o.PutUint32(b[1*4:], s.Len)
	types.PutAtMost16Bytes(b[2*4:], s.Name)
	o.PutUint32(b[6*4:], uint32(s.Addr))
	o.PutUint32(b[7*4:], uint32(s.Memsz))
	o.PutUint32(b[8*4:], uint32(s.Offset))
	o.PutUint32(b[9*4:], uint32(s.Filesz))
	o.PutUint32(b[10*4:], uint32(s.Maxprot))
	o.PutUint32(b[11*4:], uint32(s.Prot))
	o.PutUint32(b[12*4:], s.Nsect)
	o.PutUint32(b[13*4:], uint32(s.Flag))
	return 14 * 4
}

func (s *Segment) Put64(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0*4:], uint32(s.LoadCmd))
	o.PutUint32(b[1*4:], s.Len)
	types.PutAtMost16Bytes(b[2*4:], s.Name)
	o.PutUint64(b[6*4+0*8:], s.Addr)
	o.PutUint64(b[6*4+1*8:], s.Memsz)
	o.PutUint64(b[6*4+2*8:], s.Offset)
	o.PutUint64(b[6*4+3*8:], s.Filesz)
	o.PutUint32(b[6*4+4*8:], uint32(s.Maxprot))
	o.PutUint32(b[7*4+4*8:], uint32(s.Prot))
	o.PutUint32(b[8*4+4*8:], s.Nsect)
	o.PutUint32(b[9*4+4*8:], uint32(s.Flag))
	return 10*4 + 4*8
}

// Put writes the segment command followed by its section headers.
func (s *Segment) Put(b []byte, o binary.ByteOrder) int {
	var n int
	if s.is64() {
		n = s.Put64(b, o)
		for _, c := range s.sections {
			n += c.Put64(b[n:], o)
		}
	} else {
		n = s.Put32(b, o)
		for _, c := range s.sections {
			n += c.Put32(b[n:], o)
		}
	}
	if end := int(s.Len); end > n && end <= len(b) {
		clear(b[n:end])
		n = end
	}
	return n
}

func (s *Segment) Write(buf *bytes.Buffer, o binary.ByteOrder) error { return writeLoad(buf, s, o) }

func (s *Segment) LoadSize(t *FileTOC) uint32 {
	sz := types.Segment32Size + s.Nsect*types.Section32Size
	if s.is64() {
		sz = types.Segment64Size + s.Nsect*types.Section64Size
	}
	return max(sz, s.Len)
}

// Data reads and returns the contents of the segment.
func (s *Segment) Data() ([]byte, error) {
	if s.owner != nil && s.owner.dataSize > 0 && uint64(s.dataOff)+s.Filesz > uint64(s.owner.dataSize) {
		return nil, truncated(s.dataOff, "segment data extends past end of image", s.Name)
	}
	dat := make([]byte, s.Filesz)
	n, err := s.ReadAt(dat, s.dataOff)
	if n == len(dat) {
		err = nil
	}
	return dat[0:n], err
}

// Open returns a new ReadSeeker reading the segment.
func (s *Segment) Open() io.ReadSeeker {
	return io.NewSectionReader(s.ReaderAt, s.dataOff, int64(s.Filesz))
}

/*******************************************************************************
 * SECTION
 *******************************************************************************/

type SectionHeader struct {
	Name      string
	Seg       string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     types.SectionFlag
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32 // only present if original was 64-bit
}

type Section struct {
	SectionHeader
	io.ReaderAt
	owner   *File
	dataOff int64
}

// Data reads and returns the contents of the Mach-O section.
func (s *Section) Data() ([]byte, error) {
	if s.Flags.IsZerofill() {
		return make([]byte, s.Size), nil
	}
	if s.owner != nil && s.owner.dataSize > 0 && uint64(s.dataOff)+s.Size > uint64(s.owner.dataSize) {
		return nil, truncated(s.dataOff, "section data extends past end of image", s.Seg+"."+s.Name)
	}
	dat := make([]byte, s.Size)
	n, err := s.ReadAt(dat, s.dataOff)
	if n == len(dat) {
		err = nil
	}
	return dat[0:n], err
}

// Open returns a new ReadSeeker reading the Mach-O section.
func (s *Section) Open() io.ReadSeeker {
	return io.NewSectionReader(s.ReaderAt, s.dataOff, int64(s.Size))
}

func (s *Section) Put32(b []byte, o binary.ByteOrder) int {
	types.PutAtMost16Bytes(b[0:], s.Name)
	types.PutAtMost16Bytes(b[16:], s.Seg)
	o.PutUint32(b[8*4:], uint32(s.Addr))
	o.PutUint32(b[9*4:], uint32(s.Size))
	o.PutUint32(b[10*4:], s.Offset)
	o.PutUint32(b[11*4:], s.Align)
	o.PutUint32(b[12*4:], s.Reloff)
	o.PutUint32(b[13*4:], s.Nreloc)
	o.PutUint32(b[14*4:], uint32(s.Flags))
	o.PutUint32(b[15*4:], s.Reserved1)
	o.PutUint32(b[16*4:], s.Reserved2)
	return types.Section32Size
}

func (s *Section) Put64(b []byte, o binary.ByteOrder) int {
	types.PutAtMost16Bytes(b[0:], s.Name)
	types.PutAtMost16Bytes(b[16:], s.Seg)
	o.PutUint64(b[8*4+0*8:], s.Addr)
	o.PutUint64(b[8*4+1*8:], s.Size)
	o.PutUint32(b[8*4+2*8:], s.Offset)
	o.PutUint32(b[9*4+2*8:], s.Align)
	o.PutUint32(b[10*4+2*8:], s.Reloff)
	o.PutUint32(b[11*4+2*8:], s.Nreloc)
	o.PutUint32(b[12*4+2*8:], uint32(s.Flags))
	o.PutUint32(b[13*4+2*8:], s.Reserved1)
	o.PutUint32(b[14*4+2*8:], s.Reserved2)
	o.PutUint32(b[15*4+2*8:], s.Reserved3)
	return types.Section64Size
}

/*******************************************************************************
 * LC_LOAD_DYLIB, LC_LOAD_WEAK_DYLIB, LC_REEXPORT_DYLIB, LC_LOAD_UPWARD_DYLIB, LC_LAZY_LOAD_DYLIB
 *******************************************************************************/

// DylibKind says how a dylib reference is bound.
type DylibKind int

const (
	Regular DylibKind = iota
	Weak
	Reexport
	Upward
	Lazy
)

func (k DylibKind) String() string {
	switch k {
	case Weak:
		return "weak"
	case Reexport:
		return "reexport"
	case Upward:
		return "upward"
	case Lazy:
		return "lazy"
	}
	return "regular"
}

func dylibKind(cmd types.LoadCmd) DylibKind {
	switch cmd {
	case types.LC_LOAD_WEAK_DYLIB:
		return Weak
	case types.LC_REEXPORT_DYLIB:
		return Reexport
	case types.LC_LOAD_UPWARD_DYLIB:
		return Upward
	case types.LC_LAZY_LOAD_DYLIB:
		return Lazy
	}
	return Regular
}

// A Dylib represents a reference to a dynamic library.
type Dylib struct {
	LoadBytes
	types.DylibCmd
	imageRef
	Name string
	Kind DylibKind

	resolved lazyImage
}

func (d *Dylib) String() string {
	s := fmt.Sprintf("%s (%s)", d.Name, d.CurrentVersion)
	if d.Kind != Regular {
		s += " " + d.Kind.String()
	}
	return s
}
func (d *Dylib) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, d.DylibCmd, d.Len, d.DylibCmd.Name, d.Name)
}
func (d *Dylib) Write(buf *bytes.Buffer, o binary.ByteOrder) error { return writeLoad(buf, d, o) }

// Image resolves the referenced library the way dyld would search for it.
// The result is computed once; ok is false when the library cannot be found.
func (d *Dylib) Image() (*File, bool) {
	return d.resolved.get(func() *File {
		if d.owner == nil {
			return nil
		}
		return d.owner.resolveDylib(d.Name)
	})
}

// A DylibID represents a Mach-O LC_ID_DYLIB command.
type DylibID struct {
	LoadBytes
	types.DylibCmd
	imageRef
	Name string
}

func (d *DylibID) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.CurrentVersion)
}
func (d *DylibID) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, d.DylibCmd, d.Len, d.DylibCmd.Name, d.Name)
}
func (d *DylibID) Write(buf *bytes.Buffer, o binary.ByteOrder) error { return writeLoad(buf, d, o) }

/*******************************************************************************
 * LC_LOAD_DYLINKER, LC_ID_DYLINKER
 *******************************************************************************/

// A LoadDylinker represents a Mach-O LC_LOAD_DYLINKER command.
type LoadDylinker struct {
	LoadBytes
	types.DylinkerCmd
	imageRef
	Name string

	resolved lazyImage
}

func (d *LoadDylinker) String() string { return d.Name }
func (d *LoadDylinker) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, d.DylinkerCmd, d.Len, d.DylinkerCmd.Name, d.Name)
}
func (d *LoadDylinker) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	return writeLoad(buf, d, o)
}

// Image resolves the dynamic linker by path.
func (d *LoadDylinker) Image() (*File, bool) {
	return d.resolved.get(func() *File {
		if d.owner == nil {
			return nil
		}
		return d.owner.resolveDylib(d.Name)
	})
}

// DylinkerID represents a Mach-O LC_ID_DYLINKER command.
type DylinkerID struct {
	LoadBytes
	types.DylinkerCmd
	imageRef
	Name string
}

func (d *DylinkerID) String() string { return d.Name }
func (d *DylinkerID) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, d.DylinkerCmd, d.Len, d.DylinkerCmd.Name, d.Name)
}
func (d *DylinkerID) Write(buf *bytes.Buffer, o binary.ByteOrder) error { return writeLoad(buf, d, o) }

/*******************************************************************************
 * LC_RPATH
 *******************************************************************************/

// A Rpath represents a Mach-O LC_RPATH command.
type Rpath struct {
	LoadBytes
	types.RpathCmd
	imageRef
	Path string
}

func (r *Rpath) String() string { return r.Path }
func (r *Rpath) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, r.RpathCmd, r.Len, r.RpathCmd.Path, r.Path)
}
func (r *Rpath) Write(buf *bytes.Buffer, o binary.ByteOrder) error { return writeLoad(buf, r, o) }

/*******************************************************************************
 * LC_SUB_FRAMEWORK, LC_SUB_UMBRELLA, LC_SUB_CLIENT, LC_SUB_LIBRARY,
 * LC_DYLD_ENVIRONMENT, LC_TARGET_TRIPLE
 *******************************************************************************/

// A SubFramework is one of the commands that carry a single string: the
// umbrella framework name, a sub umbrella or sub library, an allowed client,
// a dyld environment variable or the target triple.
type SubFramework struct {
	LoadBytes
	types.StringCmd
	imageRef
	Value string
}

func (s *SubFramework) String() string { return s.Value }
func (s *SubFramework) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, s.StringCmd, s.Len, s.StringCmd.Offset, s.Value)
}
func (s *SubFramework) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	return writeLoad(buf, s, o)
}

/*******************************************************************************
 * LC_UUID
 *******************************************************************************/

// UUID represents a Mach-O LC_UUID command.
type UUID struct {
	LoadBytes
	types.UUIDCmd
	imageRef
}

func (s *UUID) String() string { return s.UUID.String() }
func (s *UUID) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, s.UUIDCmd, s.Len, 0, "")
}
func (s *UUID) Write(buf *bytes.Buffer, o binary.ByteOrder) error { return writeLoad(buf, s, o) }

/*******************************************************************************
 * LINKEDIT DATA
 *******************************************************************************/

// A LinkEditData represents the commands that point at a blob in __LINKEDIT:
// function starts, data in code, split info, the exports trie, chained fixups
// and the like.
type LinkEditData struct {
	LoadBytes
	types.LinkEditDataCmd
	imageRef
}

func (l *LinkEditData) String() string {
	return fmt.Sprintf("offset=0x%08x-0x%08x size=%5d", l.Offset, l.Offset+l.Size, l.Size)
}
func (l *LinkEditData) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, l.LinkEditDataCmd, l.Len, 0, "")
}
func (l *LinkEditData) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	return writeLoad(buf, l, o)
}

// Data reads the blob the command points at.
func (l *LinkEditData) Data() ([]byte, error) {
	if l.owner == nil {
		return nil, errors.New("load command has no owning image")
	}
	return l.owner.linkeditData(l.Offset, l.Size)
}

// A CodeSignature represents a Mach-O LC_CODE_SIGNATURE command.
type CodeSignature struct {
	LinkEditData
}

/*******************************************************************************
 * LC_SOURCE_VERSION
 *******************************************************************************/

// A SourceVersion represents a Mach-O LC_SOURCE_VERSION command.
type SourceVersion struct {
	LoadBytes
	types.SourceVersionCmd
	imageRef
}

func (s *SourceVersion) String() string { return s.Version.String() }
func (s *SourceVersion) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, s.SourceVersionCmd, s.Len, 0, "")
}
func (s *SourceVersion) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	return writeLoad(buf, s, o)
}

/*******************************************************************************
 * LC_BUILD_VERSION
 *******************************************************************************/

// A BuildVersion represents a Mach-O LC_BUILD_VERSION command.
type BuildVersion struct {
	LoadBytes
	types.BuildVersionCmd
	imageRef
	Tools []types.BuildToolVersion
}

func (b *BuildVersion) String() string {
	s := fmt.Sprintf("Platform: %s, MinOS: %s, SDK: %s", b.Platform, b.Minos, b.Sdk)
	if len(b.Tools) > 0 {
		var tools []string
		for _, t := range b.Tools {
			tools = append(tools, fmt.Sprintf("%s (%s)", t.Tool, t.Version))
		}
		s += ", Tools: " + strings.Join(tools, ", ")
	}
	return s
}
func (b *BuildVersion) Put(buf []byte, o binary.ByteOrder) int {
	n := putCmd(buf, o, b.BuildVersionCmd, b.Len, 0, "")
	off := binary.Size(b.BuildVersionCmd)
	for _, t := range b.Tools {
		if off+8 > n {
			break
		}
		o.PutUint32(buf[off:], uint32(t.Tool))
		o.PutUint32(buf[off+4:], uint32(t.Version))
		off += 8
	}
	return n
}
func (b *BuildVersion) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	return writeLoad(buf, b, o)
}

/*******************************************************************************
 * LC_VERSION_MIN_*
 *******************************************************************************/

// A VersionMin represents the LC_VERSION_MIN_{MACOSX,IPHONEOS,TVOS,WATCHOS} commands.
type VersionMin struct {
	LoadBytes
	types.VersionMinCmd
	imageRef
}

func (v *VersionMin) String() string {
	return fmt.Sprintf("Version: %s, SDK: %s", v.Version, v.Sdk)
}
func (v *VersionMin) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, v.VersionMinCmd, v.Len, 0, "")
}
func (v *VersionMin) Write(buf *bytes.Buffer, o binary.ByteOrder) error { return writeLoad(buf, v, o) }

/*******************************************************************************
 * LC_MAIN
 *******************************************************************************/

// A EntryPoint represents a Mach-O LC_MAIN command.
type EntryPoint struct {
	LoadBytes
	types.EntryPointCmd
	imageRef
}

func (e *EntryPoint) String() string {
	return fmt.Sprintf("Entry Point: 0x%016x, Stack Size: %#x", e.Offset, e.StackSize)
}
func (e *EntryPoint) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, e.EntryPointCmd, e.Len, 0, "")
}
func (e *EntryPoint) Write(buf *bytes.Buffer, o binary.ByteOrder) error { return writeLoad(buf, e, o) }

/*******************************************************************************
 * LC_FILESET_ENTRY
 *******************************************************************************/

// FilesetEntry is a Mach-O nested inside a fileset image.
type FilesetEntry struct {
	LoadBytes
	types.FilesetEntryCmd
	imageRef
	EntryID string

	resolved lazyImage
}

func (f *FilesetEntry) String() string {
	return fmt.Sprintf("offset=0x%09x addr=0x%016x %s", f.Offset, f.Addr, f.EntryID)
}
func (f *FilesetEntry) Put(b []byte, o binary.ByteOrder) int {
	return putCmd(b, o, f.FilesetEntryCmd, f.Len, f.FilesetEntryCmd.EntryID, f.EntryID)
}
func (f *FilesetEntry) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	return writeLoad(buf, f, o)
}

// Image parses the entry's bytes as a nested Mach-O the first time it is called.
func (f *FilesetEntry) Image() (*File, bool) {
	return f.resolved.get(func() *File {
		if f.owner == nil {
			return nil
		}
		return f.owner.resolveFilesetEntry(f)
	})
}
