package macho

// High level access to low level data structures.

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-dwarf"
	"github.com/pkg/errors"

	"github.com/appsworld/mtool/pkg/codesign"
	"github.com/appsworld/mtool/pkg/region"
	"github.com/appsworld/mtool/types"
)

// A File represents an open Mach-O file.
type File struct {
	FileTOC

	path     string
	size     int64         // bound on image relative reads, 0 if unknown
	sr       *io.SectionReader
	dr       io.ReaderAt   // reader that segment offsets are relative to
	dataSize int64         // bound on dr, 0 if unknown
	inMemory bool
	loader   *File
	cfg      FileConfig
	res      *resolver
	ownsRes  bool
	closer   io.Closer
}

type FileTOC struct {
	types.FileHeader
	ByteOrder binary.ByteOrder
	Loads     []Load
	Sections  []*Section
}

func (t *FileTOC) String() string {
	return t.FileHeader.String() + t.LoadsString()
}

func pad(length int) string {
	if length > 0 {
		return strings.Repeat(" ", length)
	}
	return " "
}

// LoadsString returns a string representation of all the MachO's load commands
func (t *FileTOC) LoadsString() string {
	var loadsStr string
	for i, l := range t.Loads {
		if s, ok := l.(*Segment); ok {
			loadsStr += fmt.Sprintf("%03d: %s%s%s\n", i, s.Command(), pad(28-len(s.Command().String())), s)
			for _, c := range s.sections {
				loadsStr += fmt.Sprintf("\tsz=0x%08x off=0x%08x-0x%08x addr=0x%09x-0x%09x\t\t%s.%s\n",
					c.Size, c.Offset, uint64(c.Offset)+c.Size, c.Addr, c.Addr+c.Size, s.Name, c.Name)
			}
			continue
		}
		loadsStr += fmt.Sprintf("%03d: %s%s%v\n", i, l.Command(), pad(28-len(l.Command().String())), l)
	}
	return loadsStr
}

// HdrSize returns the size in bytes of the Macho header for a given
// magic number (where the magic number has been appropriately byte-swapped).
func (t *FileTOC) HdrSize() uint32 {
	if t.Magic == types.Magic32 {
		return types.FileHeaderSize32
	}
	return types.FileHeaderSize64
}

// LoadSize returns the size of all the load commands in a file's table-of contents
// (but not their associated data, e.g., sections and symbol tables)
func (t *FileTOC) LoadSize() uint32 {
	cmdsz := uint32(0)
	for _, l := range t.Loads {
		cmdsz += l.LoadSize(t)
	}
	return cmdsz
}

// Put writes the header and all load commands to buffer, using
// the byte ordering specified in FileTOC t.  For sections, this
// writes the headers that come in-line with the segment Load commands,
// but does not write the reference data for those sections.
func (t *FileTOC) Put(buffer []byte) int {
	next := t.FileHeader.Put(buffer, t.ByteOrder)
	for _, l := range t.Loads {
		next += l.Put(buffer[next:], t.ByteOrder)
	}
	return next
}

// LoadsBytes re-encodes the header and the load command table.
func (t *FileTOC) LoadsBytes() []byte {
	buf := make([]byte, t.HdrSize()+t.LoadSize())
	return buf[:t.Put(buf)]
}

/*
 * Mach-O reader
 */

// FileConfig is a MachO file config object
type FileConfig struct {
	// Offset is where the image header starts in the reader.
	Offset int64
	// MaxSize bounds every read relative to Offset; 0 derives the bound from the reader when possible.
	MaxSize int64
	// LoadFilter keeps only the listed load commands.
	LoadFilter []types.LoadCmd
	// Path is the image's location on disk; it anchors @loader_path.
	Path string
	// ExecutablePath anchors @executable_path. Defaults to Path.
	ExecutablePath string
	// SearchPaths are tried, in order, for libraries named without a path.
	SearchPaths []string
	// CacheSize bounds the resolved image cache shared by an image and its dependencies.
	CacheSize int
	// InMemory lays segments out by virtual address, as dyld maps them.
	InMemory bool
}

// parent carries what a nested or resolved image inherits.
type parent struct {
	dr       io.ReaderAt
	dataSize int64
	res      *resolver
	loader   *File
}

func loadInSlice(c types.LoadCmd, list []types.LoadCmd) bool {
	for _, b := range list {
		if b == c {
			return true
		}
	}
	return false
}

// Open maps the named file read-only and parses it as a Mach-O image.
func Open(name string, config ...FileConfig) (*File, error) {
	var cfg FileConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	r, err := region.OpenPath(name, false)
	if err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		if abs, err := filepath.Abs(name); err == nil {
			cfg.Path = abs
		} else {
			cfg.Path = name
		}
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = int64(r.Size) - cfg.Offset
	}
	ff, err := newFile(r, cfg, nil)
	if err != nil {
		r.Close()
		return nil, err
	}
	ff.closer = r
	return ff, nil
}

// OpenMemory parses an image held in b. No read is made at or past maxSize;
// a header or load command that needs bytes beyond it fails with ErrTruncatedImage.
// A maxSize of 0 or larger than b is clamped to len(b).
func OpenMemory(b []byte, maxSize int64) (*File, error) {
	if maxSize <= 0 || maxSize > int64(len(b)) {
		maxSize = int64(len(b))
	}
	return newFile(bytes.NewReader(b[:maxSize]), FileConfig{MaxSize: maxSize}, nil)
}

// Close closes the File and any image resolved through it.
// If the File was created using NewFile directly instead of Open,
// only the resolved images are closed.
func (f *File) Close() error {
	var err error
	if f.ownsRes && f.res != nil {
		err = f.res.close()
	}
	if f.closer != nil {
		if cerr := f.closer.Close(); err == nil {
			err = cerr
		}
		f.closer = nil
	}
	return err
}

// NewFile creates a new File for accessing a Mach-O binary in an underlying reader.
// The Mach-O binary is expected to start at config Offset in the ReaderAt.
func NewFile(r io.ReaderAt, config ...FileConfig) (*File, error) {
	var cfg FileConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return newFile(r, cfg, nil)
}

func sizeOf(r io.ReaderAt) int64 {
	switch v := r.(type) {
	case interface{ Size() int64 }:
		return v.Size()
	case *region.Region:
		return int64(v.Size)
	case *os.File:
		if fi, err := v.Stat(); err == nil {
			return fi.Size()
		}
	}
	return 0
}

func newFile(r io.ReaderAt, cfg FileConfig, p *parent) (*File, error) {
	f := &File{path: cfg.Path, cfg: cfg, inMemory: cfg.InMemory}

	f.size = cfg.MaxSize
	if f.size <= 0 {
		if total := sizeOf(r); total > cfg.Offset {
			f.size = total - cfg.Offset
		}
	}
	limit := f.size
	if limit <= 0 {
		limit = 1<<63 - 1 - cfg.Offset
	}
	f.sr = io.NewSectionReader(r, cfg.Offset, limit)

	if p != nil {
		f.dr, f.dataSize = p.dr, p.dataSize
		f.res, f.loader = p.res, p.loader
	}
	if f.dr == nil {
		f.dr, f.dataSize = f.sr, f.size
	}
	if f.res == nil {
		f.res = newResolver(cfg)
		f.ownsRes = true
	}

	// Read and decode Mach magic to determine byte order, size.
	// Magic32 and Magic64 differ only in the bottom bit.
	var ident [4]byte
	if err := f.readAt(ident[:], 0, "magic"); err != nil {
		return nil, err
	}
	be := binary.BigEndian.Uint32(ident[0:])
	le := binary.LittleEndian.Uint32(ident[0:])
	switch types.Magic32.Int() &^ 1 {
	case be &^ 1:
		f.ByteOrder = binary.BigEndian
	case le &^ 1:
		f.ByteOrder = binary.LittleEndian
	default:
		if types.Magic(be) == types.MagicFat || types.Magic(be) == types.MagicFat64 {
			return nil, malformed(0, "fat archive is not a thin image", types.Magic(be))
		}
		return nil, malformed(0, "invalid magic number", fmt.Sprintf("%#x", be))
	}

	// Read entire file header.
	hdrSize := int64(types.FileHeaderSize64)
	if f.ByteOrder.Uint32(ident[:]) == uint32(types.Magic32) {
		hdrSize = types.FileHeaderSize32
	}
	hdr := make([]byte, types.FileHeaderSize64)
	if err := f.readAt(hdr[:hdrSize], 0, "header"); err != nil {
		return nil, err
	}
	if err := binary.Read(bytes.NewReader(hdr), f.ByteOrder, &f.FileHeader); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}

	if f.NCommands > f.SizeCommands/8 {
		return nil, malformed(hdrSize, "load command count exceeds command table size", f.NCommands)
	}
	if f.size > 0 && hdrSize+int64(f.SizeCommands) > f.size {
		return nil, truncated(hdrSize, "load commands extend past end of image", f.SizeCommands)
	}

	// Then load commands.
	offset := hdrSize
	dat := make([]byte, f.SizeCommands)
	if err := f.readAt(dat, offset, "load commands"); err != nil {
		return nil, err
	}
	for i := uint32(0); i < f.NCommands; i++ {
		// Each load command begins with uint32 command and length.
		if len(dat) < 8 {
			return nil, malformed(offset, "command block too small", nil)
		}
		cmd, siz := types.LoadCmd(f.ByteOrder.Uint32(dat[0:4])), f.ByteOrder.Uint32(dat[4:8])
		if siz < 8 {
			return nil, malformed(offset, "invalid command block size", siz)
		}
		if siz > uint32(len(dat)) {
			if f.size > 0 && offset+int64(siz) > f.size {
				return nil, truncated(offset, "load command extends past end of image", cmd)
			}
			return nil, malformed(offset, "load command extends past sizeofcmds", cmd)
		}
		var cmddat []byte
		cmddat, dat = dat[0:siz], dat[siz:]

		// skip unwanted load commands
		if len(cfg.LoadFilter) > 0 && !loadInSlice(cmd, cfg.LoadFilter) {
			offset += int64(siz)
			continue
		}
		l, err := f.parseLoad(cmd, cmddat, offset)
		if err != nil {
			return nil, err
		}
		f.Loads = append(f.Loads, l)
		offset += int64(siz)
	}

	f.layoutSegments()
	return f, nil
}

// readAt reads image relative bytes, failing with ErrTruncatedImage at the bound.
func (f *File) readAt(p []byte, off int64, what string) error {
	if f.size > 0 && off+int64(len(p)) > f.size {
		return truncated(off, what+" extends past end of image", nil)
	}
	if _, err := f.sr.ReadAt(p, off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return truncated(off, what+" extends past end of data", nil)
		}
		return errors.Wrapf(err, "failed to read %s at %#x", what, off)
	}
	return nil
}

func decodeCmd(cmddat []byte, bo binary.ByteOrder, v any, offset int64, cmd types.LoadCmd) error {
	if len(cmddat) < binary.Size(v) {
		return malformed(offset, "load command too small", cmd)
	}
	if err := binary.Read(bytes.NewReader(cmddat), bo, v); err != nil {
		return malformed(offset, "failed to decode load command", cmd)
	}
	return nil
}

func cmdString(cmddat []byte, off uint32, offset int64, cmd types.LoadCmd) (string, error) {
	if off >= uint32(len(cmddat)) {
		return "", malformed(offset, "string offset outside load command", cmd)
	}
	return cstring(cmddat[off:]), nil
}

func (f *File) parseLoad(cmd types.LoadCmd, cmddat []byte, offset int64) (Load, error) {
	bo := f.ByteOrder
	ref := imageRef{owner: f}

	switch cmd {
	case types.LC_SEGMENT, types.LC_SEGMENT_64:
		return f.parseSegment(cmd, cmddat, offset)
	case types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB, types.LC_REEXPORT_DYLIB,
		types.LC_LOAD_UPWARD_DYLIB, types.LC_LAZY_LOAD_DYLIB, types.LC_ID_DYLIB:
		var hdr types.DylibCmd
		if err := decodeCmd(cmddat, bo, &hdr, offset, cmd); err != nil {
			return nil, err
		}
		name, err := cmdString(cmddat, hdr.Name, offset, cmd)
		if err != nil {
			return nil, err
		}
		if cmd == types.LC_ID_DYLIB {
			return &DylibID{LoadBytes: cmddat, DylibCmd: hdr, imageRef: ref, Name: name}, nil
		}
		return &Dylib{LoadBytes: cmddat, DylibCmd: hdr, imageRef: ref, Name: name, Kind: dylibKind(cmd)}, nil
	case types.LC_LOAD_DYLINKER, types.LC_ID_DYLINKER:
		var hdr types.DylinkerCmd
		if err := decodeCmd(cmddat, bo, &hdr, offset, cmd); err != nil {
			return nil, err
		}
		name, err := cmdString(cmddat, hdr.Name, offset, cmd)
		if err != nil {
			return nil, err
		}
		if cmd == types.LC_ID_DYLINKER {
			return &DylinkerID{LoadBytes: cmddat, DylinkerCmd: hdr, imageRef: ref, Name: name}, nil
		}
		return &LoadDylinker{LoadBytes: cmddat, DylinkerCmd: hdr, imageRef: ref, Name: name}, nil
	case types.LC_RPATH:
		var hdr types.RpathCmd
		if err := decodeCmd(cmddat, bo, &hdr, offset, cmd); err != nil {
			return nil, err
		}
		path, err := cmdString(cmddat, hdr.Path, offset, cmd)
		if err != nil {
			return nil, err
		}
		return &Rpath{LoadBytes: cmddat, RpathCmd: hdr, imageRef: ref, Path: path}, nil
	case types.LC_SUB_FRAMEWORK, types.LC_SUB_UMBRELLA, types.LC_SUB_CLIENT, types.LC_SUB_LIBRARY,
		types.LC_DYLD_ENVIRONMENT, types.LC_TARGET_TRIPLE:
		var hdr types.StringCmd
		if err := decodeCmd(cmddat, bo, &hdr, offset, cmd); err != nil {
			return nil, err
		}
		val, err := cmdString(cmddat, hdr.Offset, offset, cmd)
		if err != nil {
			return nil, err
		}
		return &SubFramework{LoadBytes: cmddat, StringCmd: hdr, imageRef: ref, Value: val}, nil
	case types.LC_UUID:
		var hdr types.UUIDCmd
		if err := decodeCmd(cmddat, bo, &hdr, offset, cmd); err != nil {
			return nil, err
		}
		return &UUID{LoadBytes: cmddat, UUIDCmd: hdr, imageRef: ref}, nil
	case types.LC_CODE_SIGNATURE, types.LC_SEGMENT_SPLIT_INFO, types.LC_FUNCTION_STARTS,
		types.LC_DATA_IN_CODE, types.LC_DYLIB_CODE_SIGN_DRS, types.LC_LINKER_OPTIMIZATION_HINT,
		types.LC_DYLD_EXPORTS_TRIE, types.LC_DYLD_CHAINED_FIXUPS, types.LC_ATOM_INFO,
		types.LC_FUNCTION_VARIANTS, types.LC_FUNCTION_VARIANT_FIXUPS:
		var hdr types.LinkEditDataCmd
		if err := decodeCmd(cmddat, bo, &hdr, offset, cmd); err != nil {
			return nil, err
		}
		led := LinkEditData{LoadBytes: cmddat, LinkEditDataCmd: hdr, imageRef: ref}
		if cmd == types.LC_CODE_SIGNATURE {
			return &CodeSignature{LinkEditData: led}, nil
		}
		return &led, nil
	case types.LC_SOURCE_VERSION:
		var hdr types.SourceVersionCmd
		if err := decodeCmd(cmddat, bo, &hdr, offset, cmd); err != nil {
			return nil, err
		}
		return &SourceVersion{LoadBytes: cmddat, SourceVersionCmd: hdr, imageRef: ref}, nil
	case types.LC_BUILD_VERSION:
		var hdr types.BuildVersionCmd
		if err := decodeCmd(cmddat, bo, &hdr, offset, cmd); err != nil {
			return nil, err
		}
		fixed := binary.Size(hdr)
		if uint64(hdr.NumTools)*8 > uint64(len(cmddat)-fixed) {
			return nil, malformed(offset, "build tools extend past load command", hdr.NumTools)
		}
		tools := make([]types.BuildToolVersion, hdr.NumTools)
		if err := binary.Read(bytes.NewReader(cmddat[fixed:]), bo, tools); err != nil {
			return nil, malformed(offset, "failed to decode build tools", nil)
		}
		return &BuildVersion{LoadBytes: cmddat, BuildVersionCmd: hdr, imageRef: ref, Tools: tools}, nil
	case types.LC_VERSION_MIN_MACOSX, types.LC_VERSION_MIN_IPHONEOS,
		types.LC_VERSION_MIN_TVOS, types.LC_VERSION_MIN_WATCHOS:
		var hdr types.VersionMinCmd
		if err := decodeCmd(cmddat, bo, &hdr, offset, cmd); err != nil {
			return nil, err
		}
		return &VersionMin{LoadBytes: cmddat, VersionMinCmd: hdr, imageRef: ref}, nil
	case types.LC_MAIN:
		var hdr types.EntryPointCmd
		if err := decodeCmd(cmddat, bo, &hdr, offset, cmd); err != nil {
			return nil, err
		}
		return &EntryPoint{LoadBytes: cmddat, EntryPointCmd: hdr, imageRef: ref}, nil
	case types.LC_FILESET_ENTRY:
		var hdr types.FilesetEntryCmd
		if err := decodeCmd(cmddat, bo, &hdr, offset, cmd); err != nil {
			return nil, err
		}
		id, err := cmdString(cmddat, hdr.EntryID, offset, cmd)
		if err != nil {
			return nil, err
		}
		return &FilesetEntry{LoadBytes: cmddat, FilesetEntryCmd: hdr, imageRef: ref, EntryID: id}, nil
	}

	log.WithField("cmd", cmd.String()).Debugf("Keeping load command %#x as raw bytes", uint32(cmd))
	return LoadCmdBytes{LoadCmd: cmd, LoadBytes: cmddat, imageRef: ref}, nil
}

func (f *File) parseSegment(cmd types.LoadCmd, cmddat []byte, offset int64) (*Segment, error) {
	bo := f.ByteOrder
	b := bytes.NewReader(cmddat)
	s := &Segment{LoadBytes: cmddat, imageRef: imageRef{owner: f}}
	s.LoadCmd = cmd
	s.Len = uint32(len(cmddat))
	s.Firstsect = uint32(len(f.Sections))

	var sectSize uint32
	if cmd == types.LC_SEGMENT {
		var seg32 types.Segment32
		if err := decodeCmd(cmddat, bo, &seg32, offset, cmd); err != nil {
			return nil, err
		}
		b.Seek(types.Segment32Size, io.SeekStart)
		s.Name = cstring(seg32.Name[0:])
		s.Addr = uint64(seg32.Addr)
		s.Memsz = uint64(seg32.Memsz)
		s.Offset = uint64(seg32.Offset)
		s.Filesz = uint64(seg32.Filesz)
		s.Maxprot = seg32.Maxprot
		s.Prot = seg32.Prot
		s.Nsect = seg32.Nsect
		s.Flag = seg32.Flag
		sectSize = types.Section32Size
	} else {
		var seg64 types.Segment64
		if err := decodeCmd(cmddat, bo, &seg64, offset, cmd); err != nil {
			return nil, err
		}
		b.Seek(types.Segment64Size, io.SeekStart)
		s.Name = cstring(seg64.Name[0:])
		s.Addr = seg64.Addr
		s.Memsz = seg64.Memsz
		s.Offset = seg64.Offset
		s.Filesz = seg64.Filesz
		s.Maxprot = seg64.Maxprot
		s.Prot = seg64.Prot
		s.Nsect = seg64.Nsect
		s.Flag = seg64.Flag
		sectSize = types.Section64Size
	}
	if uint64(s.Nsect)*uint64(sectSize) > uint64(b.Len()) {
		return nil, malformed(offset, "sections extend past segment command", s.Name)
	}

	for i := uint32(0); i < s.Nsect; i++ {
		sh := &Section{owner: f}
		if cmd == types.LC_SEGMENT {
			var sh32 types.Section32
			if err := binary.Read(b, bo, &sh32); err != nil {
				return nil, malformed(offset, "failed to read Section32", err)
			}
			sh.Name = cstring(sh32.Name[0:])
			sh.Seg = cstring(sh32.Seg[0:])
			sh.Addr = uint64(sh32.Addr)
			sh.Size = uint64(sh32.Size)
			sh.Offset = sh32.Offset
			sh.Align = sh32.Align
			sh.Reloff = sh32.Reloff
			sh.Nreloc = sh32.Nreloc
			sh.Flags = sh32.Flags
			sh.Reserved1 = sh32.Reserve1
			sh.Reserved2 = sh32.Reserve2
		} else {
			var sh64 types.Section64
			if err := binary.Read(b, bo, &sh64); err != nil {
				return nil, malformed(offset, "failed to read Section64", err)
			}
			sh.Name = cstring(sh64.Name[0:])
			sh.Seg = cstring(sh64.Seg[0:])
			sh.Addr = sh64.Addr
			sh.Size = sh64.Size
			sh.Offset = sh64.Offset
			sh.Align = sh64.Align
			sh.Reloff = sh64.Reloff
			sh.Nreloc = sh64.Nreloc
			sh.Flags = sh64.Flags
			sh.Reserved1 = sh64.Reserve1
			sh.Reserved2 = sh64.Reserve2
			sh.Reserved3 = sh64.Reserve3
		}
		s.sections = append(s.sections, sh)
		f.Sections = append(f.Sections, sh)
	}
	return s, nil
}

// layoutSegments points segment and section readers at their bytes. Images
// read from memory keep their segments at vmaddr offsets from the header.
func (f *File) layoutSegments() {
	var textAddr uint64
	if f.inMemory {
		for _, s := range f.Segments() {
			if s.Offset == 0 && s.Filesz > 0 {
				textAddr = s.Addr
				break
			}
		}
	}
	for _, s := range f.Segments() {
		s.ReaderAt = f.dr
		s.dataOff = int64(s.Offset)
		if f.inMemory {
			s.dataOff = int64(s.Addr - textAddr)
		}
		for _, c := range s.sections {
			c.ReaderAt = f.dr
			c.dataOff = int64(c.Offset)
			if f.inMemory {
				c.dataOff = int64(c.Addr - textAddr)
			}
		}
	}
}

// linkeditData reads size bytes at file offset off, translating the offset for in-memory images.
func (f *File) linkeditData(off, size uint32) ([]byte, error) {
	start := int64(off)
	if f.inMemory {
		seg := f.segmentForOffset(uint64(off))
		if seg == nil {
			return nil, malformed(int64(off), "file offset is not inside any segment", nil)
		}
		start = seg.dataOff + int64(uint64(off)-seg.Offset)
	}
	if f.dataSize > 0 && start+int64(size) > f.dataSize {
		return nil, truncated(start, "linkedit data extends past end of image", size)
	}
	dat := make([]byte, size)
	if _, err := f.dr.ReadAt(dat, start); err != nil {
		return nil, errors.Wrapf(err, "failed to read linkedit data at %#x", start)
	}
	return dat, nil
}

func (f *File) segmentForOffset(off uint64) *Segment {
	for _, s := range f.Segments() {
		if s.Offset <= off && off < s.Offset+s.Filesz {
			return s
		}
	}
	return nil
}

func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[0:i])
}

// Path returns the path the image was opened from, if any.
func (f *File) Path() string { return f.path }

// Kind classifies the image by its header file type.
func (f *File) Kind() ImageKind { return imageKind(f.Type) }

// Identity returns the install name of a dynamic library or dynamic linker.
func (f *File) Identity() string {
	switch f.Kind() {
	case DynamicLibrary:
		if id := f.DylibID(); id != nil {
			return id.Name
		}
	case DynamicLinker:
		for _, l := range f.Loads {
			if id, ok := l.(*DylinkerID); ok {
				return id.Name
			}
		}
	}
	return ""
}

// ArchName returns the lipo style architecture name of the image.
func (f *File) ArchName() string { return types.ArchName(f.CPU, f.SubCPU) }

// Segment returns the first Segment with the given name, or nil if no such segment exists.
func (f *File) Segment(name string) *Segment {
	for _, l := range f.Loads {
		if s, ok := l.(*Segment); ok && s.Name == name {
			return s
		}
	}
	return nil
}

// Segments returns all Segments.
func (f *File) Segments() []*Segment {
	var segs []*Segment
	for _, l := range f.Loads {
		if s, ok := l.(*Segment); ok {
			segs = append(segs, s)
		}
	}
	return segs
}

// Section returns the section with the given name in the given segment,
// or nil if no such section exists.
func (f *File) Section(segment, section string) *Section {
	for _, sec := range f.Sections {
		if sec.Seg == segment && sec.Name == section {
			return sec
		}
	}
	return nil
}

// UUID returns the LC_UUID load command, if any.
func (f *File) UUID() *UUID {
	for _, l := range f.Loads {
		if u, ok := l.(*UUID); ok {
			return u
		}
	}
	return nil
}

// DylibID returns the LC_ID_DYLIB load command, if any.
func (f *File) DylibID() *DylibID {
	for _, l := range f.Loads {
		if s, ok := l.(*DylibID); ok {
			return s
		}
	}
	return nil
}

// Dylibs returns the dynamic library references in load order.
func (f *File) Dylibs() []*Dylib {
	var dylibs []*Dylib
	for _, l := range f.Loads {
		if d, ok := l.(*Dylib); ok {
			dylibs = append(dylibs, d)
		}
	}
	return dylibs
}

// Rpaths returns the LC_RPATH commands in load order.
func (f *File) Rpaths() []*Rpath {
	var rpaths []*Rpath
	for _, l := range f.Loads {
		if r, ok := l.(*Rpath); ok {
			rpaths = append(rpaths, r)
		}
	}
	return rpaths
}

// Dylinker returns the LC_LOAD_DYLINKER command, if any.
func (f *File) Dylinker() *LoadDylinker {
	for _, l := range f.Loads {
		if d, ok := l.(*LoadDylinker); ok {
			return d
		}
	}
	return nil
}

// BuildVersion returns the LC_BUILD_VERSION command, if any.
func (f *File) BuildVersion() *BuildVersion {
	for _, l := range f.Loads {
		if b, ok := l.(*BuildVersion); ok {
			return b
		}
	}
	return nil
}

// SourceVersion returns the LC_SOURCE_VERSION command, if any.
func (f *File) SourceVersion() *SourceVersion {
	for _, l := range f.Loads {
		if s, ok := l.(*SourceVersion); ok {
			return s
		}
	}
	return nil
}

// FileSets returns the fileset entries of a fileset image.
func (f *File) FileSets() []*FilesetEntry {
	var fsets []*FilesetEntry
	for _, l := range f.Loads {
		if fs, ok := l.(*FilesetEntry); ok {
			fsets = append(fsets, fs)
		}
	}
	return fsets
}

// GetFileSetFileByName returns the Fileset MachO for a given name.
func (f *File) GetFileSetFileByName(name string) (*File, error) {
	for _, fs := range f.FileSets() {
		if strings.Contains(strings.ToLower(fs.EntryID), strings.ToLower(name)) {
			if m, ok := fs.Image(); ok {
				return m, nil
			}
			return nil, errors.Errorf("failed to parse fileset entry %s", fs.EntryID)
		}
	}
	return nil, errors.Errorf("fileset does NOT contain %s", name)
}

// ImportedLibraries returns the paths of all libraries
// referred to by the binary f that are expected to be
// linked with the binary at dynamic link time.
func (f *File) ImportedLibraries() []string {
	var all []string
	for _, d := range f.Dylibs() {
		all = append(all, d.Name)
	}
	return all
}

// CodeSignature parses the blob LC_CODE_SIGNATURE points at.
func (f *File) CodeSignature() (*codesign.CodeSignature, error) {
	for _, l := range f.Loads {
		if cs, ok := l.(*CodeSignature); ok {
			dat, err := cs.Data()
			if err != nil {
				return nil, err
			}
			return codesign.ParseCodeSignature(dat)
		}
	}
	return nil, errors.New("macho does not contain LC_CODE_SIGNATURE")
}

// maxDeflateRatio bounds how far a deflate stream can expand.
const maxDeflateRatio = 1032

// DWARF returns the DWARF debug information for the Mach-O file.
func (f *File) DWARF() (*dwarf.Data, error) {
	dwarfSuffix := func(s *Section) string {
		switch {
		case strings.HasPrefix(s.Name, "__debug_"):
			return s.Name[8:]
		case strings.HasPrefix(s.Name, "__zdebug_"):
			return s.Name[9:]
		case strings.HasPrefix(s.Name, "__apple_"):
			return s.Name[8:]
		default:
			return ""
		}
	}
	sectionData := func(s *Section) ([]byte, error) {
		b, err := s.Data()
		if err != nil && uint64(len(b)) < s.Size {
			return nil, err
		}
		if len(b) >= 12 && string(b[:4]) == "ZLIB" {
			dlen := binary.BigEndian.Uint64(b[4:12])
			if dlen > uint64(len(b)-12)*maxDeflateRatio {
				return nil, malformed(s.dataOff, "compressed section declares an impossible length", dlen)
			}
			dbuf := make([]byte, dlen)
			r, err := zlib.NewReader(bytes.NewReader(b[12:]))
			if err != nil {
				return nil, err
			}
			if _, err := io.ReadFull(io.LimitReader(r, int64(dlen)), dbuf); err != nil {
				return nil, err
			}
			if err := r.Close(); err != nil {
				return nil, err
			}
			b = dbuf
		}
		return b, nil
	}

	// There are many other DWARF sections, but these
	// are the ones the dwarf package uses.
	var dat = map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	for _, s := range f.Sections {
		suffix := dwarfSuffix(s)
		if suffix == "" {
			continue
		}
		if _, ok := dat[suffix]; !ok {
			continue
		}
		b, err := sectionData(s)
		if err != nil {
			return nil, err
		}
		dat[suffix] = b
	}

	d, err := dwarf.New(dat["abbrev"], nil, nil, dat["info"], dat["line"], nil, dat["ranges"], dat["str"])
	if err != nil {
		return nil, err
	}

	// Look for DWARF4 .debug_types sections.
	for i, s := range f.Sections {
		if dwarfSuffix(s) != "types" {
			continue
		}
		b, err := sectionData(s)
		if err != nil {
			return nil, err
		}
		if err := d.AddTypes(fmt.Sprintf("types-%d", i), b); err != nil {
			return nil, err
		}
	}

	return d, nil
}
