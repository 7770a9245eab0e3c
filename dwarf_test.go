package macho

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"

	"github.com/appsworld/mtool/types"
)

// zdebugImage returns an image whose __DWARF.__zdebug_info holds payload
// compressed and prefixed with the declared uncompressed length.
func zdebugImage(t *testing.T, payload []byte, declared uint64) []byte {
	t.Helper()
	var zb bytes.Buffer
	zw := zlib.NewWriter(&zb)
	if _, err := zw.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	sec := make([]byte, 12, 12+zb.Len())
	copy(sec, "ZLIB")
	binary.BigEndian.PutUint64(sec[4:], declared)
	sec = append(sec, zb.Bytes()...)

	b := newImage(types.MH_DSYM)
	b.add(segmentCmd(b.bo, "__DWARF", 0x100000000, 0x2000, 0, 0x2000, types.VM_PROT_READ, types.VM_PROT_READ,
		testSection{name: "__zdebug_info", addr: 0x100001000, size: uint64(len(sec)), off: 0x1000}))
	b.tail = make([]byte, 0x2000-b.headerSize())
	copy(b.tail[0x1000-b.headerSize():], sec)
	return b.bytes()
}

func TestDWARFCompressedLength(t *testing.T) {
	tests := []struct {
		name     string
		declared uint64
	}{
		{"length beyond any deflate ratio", 1 << 62},
		{"length past the address space", 1<<64 - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := OpenMemory(zdebugImage(t, bytes.Repeat([]byte{0x11}, 64), tt.declared), 0)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := f.DWARF(); !errors.Is(err, ErrMalformedImage) {
				t.Errorf("DWARF() error = %v, want ErrMalformedImage", err)
			}
		})
	}
}

func TestDWARFCompressedShortStream(t *testing.T) {
	f, err := OpenMemory(zdebugImage(t, []byte("short"), 0x100), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.DWARF(); err == nil {
		t.Error("DWARF() succeeded on a stream shorter than its declared length")
	}
}
