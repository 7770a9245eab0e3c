package macho

import (
	"encoding/binary"

	"github.com/appsworld/mtool/types"
)

// imageBuilder assembles small synthetic 64-bit images for tests.
type imageBuilder struct {
	bo     binary.ByteOrder
	cpu    types.CPU
	sub    types.CPUSubtype
	typ    types.HeaderFileType
	cmds   [][]byte
	tail   []byte // bytes placed after the command table
	magic  types.Magic
	ncmds  uint32 // overrides the command count when nonzero
	sizeof uint32 // overrides sizeofcmds when nonzero
}

func newImage(typ types.HeaderFileType) *imageBuilder {
	return &imageBuilder{
		bo:    binary.LittleEndian,
		cpu:   types.CPUArm64,
		sub:   types.CPUSubtypeArm64All,
		typ:   typ,
		magic: types.Magic64,
	}
}

func (b *imageBuilder) add(cmd []byte) *imageBuilder {
	b.cmds = append(b.cmds, cmd)
	return b
}

func (b *imageBuilder) cmdSize() int {
	var n int
	for _, c := range b.cmds {
		n += len(c)
	}
	return n
}

// headerSize is where the tail starts.
func (b *imageBuilder) headerSize() int { return types.FileHeaderSize64 + b.cmdSize() }

func (b *imageBuilder) bytes() []byte {
	hdr := types.FileHeader{
		Magic:        b.magic,
		CPU:          b.cpu,
		SubCPU:       b.sub,
		Type:         b.typ,
		NCommands:    uint32(len(b.cmds)),
		SizeCommands: uint32(b.cmdSize()),
	}
	if b.ncmds != 0 {
		hdr.NCommands = b.ncmds
	}
	if b.sizeof != 0 {
		hdr.SizeCommands = b.sizeof
	}
	out := make([]byte, types.FileHeaderSize64, b.headerSize()+len(b.tail))
	hdr.Put(out, b.bo)
	for _, c := range b.cmds {
		out = append(out, c...)
	}
	return append(out, b.tail...)
}

func align8(n int) int { return (n + 7) &^ 7 }

// stringCmd encodes a command whose fixed part is the header plus the
// given words, followed by str at the first byte after the fixed part.
func stringCmd(bo binary.ByteOrder, cmd types.LoadCmd, str string, words ...uint32) []byte {
	fixed := 8 + 4*len(words)
	size := align8(fixed + len(str) + 1)
	b := make([]byte, size)
	bo.PutUint32(b[0:], uint32(cmd))
	bo.PutUint32(b[4:], uint32(size))
	for i, w := range words {
		bo.PutUint32(b[8+4*i:], w)
	}
	copy(b[fixed:], str)
	return b
}

func dylibCmd(bo binary.ByteOrder, cmd types.LoadCmd, name string) []byte {
	// name offset, timestamp, current version, compatibility version
	return stringCmd(bo, cmd, name, 24, 2, 0x10000, 0x10000)
}

func rpathCmd(bo binary.ByteOrder, path string) []byte {
	return stringCmd(bo, types.LC_RPATH, path, 12)
}

func uuidCmd(bo binary.ByteOrder, uuid [16]byte) []byte {
	b := make([]byte, 24)
	bo.PutUint32(b[0:], uint32(types.LC_UUID))
	bo.PutUint32(b[4:], 24)
	copy(b[8:], uuid[:])
	return b
}

func linkeditCmd(bo binary.ByteOrder, cmd types.LoadCmd, off, size uint32) []byte {
	b := make([]byte, 16)
	bo.PutUint32(b[0:], uint32(cmd))
	bo.PutUint32(b[4:], 16)
	bo.PutUint32(b[8:], off)
	bo.PutUint32(b[12:], size)
	return b
}

func buildVersionCmd(bo binary.ByteOrder, platform types.Platform, minos, sdk types.Version, tools ...types.BuildToolVersion) []byte {
	b := make([]byte, 24+8*len(tools))
	bo.PutUint32(b[0:], uint32(types.LC_BUILD_VERSION))
	bo.PutUint32(b[4:], uint32(len(b)))
	bo.PutUint32(b[8:], uint32(platform))
	bo.PutUint32(b[12:], uint32(minos))
	bo.PutUint32(b[16:], uint32(sdk))
	bo.PutUint32(b[20:], uint32(len(tools)))
	for i, t := range tools {
		bo.PutUint32(b[24+8*i:], uint32(t.Tool))
		bo.PutUint32(b[28+8*i:], uint32(t.Version))
	}
	return b
}

func filesetEntryCmd(bo binary.ByteOrder, addr, off uint64, id string) []byte {
	fixed := 32
	size := align8(fixed + len(id) + 1)
	b := make([]byte, size)
	bo.PutUint32(b[0:], uint32(types.LC_FILESET_ENTRY))
	bo.PutUint32(b[4:], uint32(size))
	bo.PutUint64(b[8:], addr)
	bo.PutUint64(b[16:], off)
	bo.PutUint32(b[24:], uint32(fixed))
	copy(b[fixed:], id)
	return b
}

type testSection struct {
	name  string
	addr  uint64
	size  uint64
	off   uint32
	flags types.SectionFlag
}

func segmentCmd(bo binary.ByteOrder, name string, addr, memsz, off, filesz uint64, maxprot, prot types.VmProtection, sects ...testSection) []byte {
	b := make([]byte, types.Segment64Size+len(sects)*types.Section64Size)
	bo.PutUint32(b[0:], uint32(types.LC_SEGMENT_64))
	bo.PutUint32(b[4:], uint32(len(b)))
	copy(b[8:24], name)
	bo.PutUint64(b[24:], addr)
	bo.PutUint64(b[32:], memsz)
	bo.PutUint64(b[40:], off)
	bo.PutUint64(b[48:], filesz)
	bo.PutUint32(b[56:], uint32(maxprot))
	bo.PutUint32(b[60:], uint32(prot))
	bo.PutUint32(b[64:], uint32(len(sects)))
	for i, s := range sects {
		sb := b[types.Segment64Size+i*types.Section64Size:]
		copy(sb[0:16], s.name)
		copy(sb[16:32], name)
		bo.PutUint64(sb[32:], s.addr)
		bo.PutUint64(sb[40:], s.size)
		bo.PutUint32(sb[48:], s.off)
		bo.PutUint32(sb[64:], uint32(s.flags))
	}
	return b
}

// rawCmd is a command the parser does not interpret.
func rawCmd(bo binary.ByteOrder, cmd types.LoadCmd, payload ...byte) []byte {
	b := make([]byte, align8(8+len(payload)))
	bo.PutUint32(b[0:], uint32(cmd))
	bo.PutUint32(b[4:], uint32(len(b)))
	copy(b[8:], payload)
	return b
}

// dylibImage returns a minimal dynamic library with install name id.
func dylibImage(id string, deps ...string) []byte {
	b := newImage(types.MH_DYLIB)
	b.add(dylibCmd(b.bo, types.LC_ID_DYLIB, id))
	for _, d := range deps {
		b.add(dylibCmd(b.bo, types.LC_LOAD_DYLIB, d))
	}
	return b.bytes()
}
