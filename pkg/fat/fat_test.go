package fat

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/appsworld/mtool/pkg/region"
	"github.com/appsworld/mtool/types"
)

// thin returns a bare 64-bit Mach-O header padded to size bytes.
func thin(cpu types.CPU, sub types.CPUSubtype, size int) []byte {
	b := make([]byte, max(size, types.FileHeaderSize64))
	hdr := types.FileHeader{Magic: types.Magic64, CPU: cpu, SubCPU: sub, Type: types.MH_DYLIB}
	hdr.Put(b, binary.LittleEndian)
	for i := types.FileHeaderSize64; i < len(b); i++ {
		b[i] = byte(cpu)
	}
	return b
}

// rawArchive encodes a 32-bit fat header for entries over a zeroed container.
func rawArchive(size int, entries ...Entry) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint32(b[0:], uint32(types.MagicFat))
	binary.BigEndian.PutUint32(b[4:], uint32(len(entries)))
	for i, e := range entries {
		eb := b[headerSize+i*entrySize32:]
		binary.BigEndian.PutUint32(eb[0:], uint32(e.CPU))
		binary.BigEndian.PutUint32(eb[4:], uint32(e.SubCPU))
		binary.BigEndian.PutUint32(eb[8:], uint32(e.Offset))
		binary.BigEndian.PutUint32(eb[12:], uint32(e.Size))
		binary.BigEndian.PutUint32(eb[16:], e.Align)
	}
	return b
}

var entryCmp = cmp.AllowUnexported(Entry{})

func TestLoadTwoEntryArchive(t *testing.T) {
	want := []Entry{
		{CPU: types.CPUAmd64, SubCPU: types.CPUSubtypeX8664All, Offset: 0x4000, Size: 0x2000, Align: 14},
		{CPU: types.CPUArm64, SubCPU: types.CPUSubtypeArm64All, Offset: 0x8000, Size: 0x3000, Align: 14},
	}
	dat := rawArchive(0x12000, want...)
	for i := 0x4000; i < 0x6000; i++ {
		dat[i] = 0x86
	}
	for i := 0x8000; i < 0xb000; i++ {
		dat[i] = 0xa6
	}

	a, err := Load(dat)
	if err != nil {
		t.Fatal(err)
	}
	if a.Is64Bit() {
		t.Error("Is64Bit() = true")
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	got := a.Entries()
	if diff := cmp.Diff(want, got, entryCmp); diff != "" {
		t.Errorf("Entries() mismatch (-want +got):\n%s", diff)
	}
	for _, e := range got {
		b, err := a.DataForEntry(e)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(b, dat[e.Offset:e.Offset+e.Size]) {
			t.Errorf("DataForEntry(%s) does not match the declared range", e.ArchName())
		}
	}

	// validating twice yields the same descriptors
	if err := a.Validate(); err != nil {
		t.Fatalf("second Validate() = %v", err)
	}
	if diff := cmp.Diff(got, a.Entries(), entryCmp); diff != "" {
		t.Errorf("Entries() changed after Validate (-first +second):\n%s", diff)
	}

	if e, ok := a.Find(types.CPUArm64, types.CPUSubtypeArm64All); !ok || e.Offset != 0x8000 {
		t.Errorf("Find(arm64) = %v, %v", e, ok)
	}
}

func TestLoadRejects(t *testing.T) {
	tooMany := rawArchive(64)
	binary.BigEndian.PutUint32(tooMany[4:], MaxEntries+1)
	shortTable := rawArchive(16)
	binary.BigEndian.PutUint32(shortTable[4:], 2)

	tests := []struct {
		name string
		dat  []byte
		want error
	}{
		{"empty", nil, ErrUnrecognizedFormat},
		{"thin image", thin(types.CPUArm64, 0, 64), ErrUnrecognizedFormat},
		{"too many entries", tooMany, ErrMalformedArchive},
		{"table past end", shortTable, ErrMalformedArchive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.dat); !errors.Is(err, tt.want) {
				t.Errorf("Load() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	arm := func(off, size uint64, align uint32) Entry {
		return Entry{CPU: types.CPUArm64, Offset: off, Size: size, Align: align}
	}
	x86 := func(off, size uint64, align uint32) Entry {
		return Entry{CPU: types.CPUAmd64, SubCPU: types.CPUSubtypeX8664All, Offset: off, Size: size, Align: align}
	}
	arm32 := func(off, size uint64, align uint32) Entry {
		return Entry{CPU: types.CPUArm6432, SubCPU: types.CPUSubtypeArm6432V8, Offset: off, Size: size, Align: align}
	}

	tests := []struct {
		name  string
		dat   []byte
		magic types.Magic
		want  ValidationStep
	}{
		{"bad magic", rawArchive(0x5000, arm(0x4000, 0x1000, 14)), 0xfeedfacf, StepMagic},
		{"entry over table", rawArchive(0x5000, arm(0, 0x10, 0)), 0, StepOverlap},
		{"overlapping entries", rawArchive(0x8000, x86(0x4000, 0x3000, 12), arm(0x6000, 0x1000, 12)), 0, StepOverlap},
		{"overlap behind an empty entry", rawArchive(0x4000, x86(0x1000, 0x1800, 12), arm32(0x1800, 0, 11), arm(0x2000, 0x1000, 12)), 0, StepOverlap},
		{"out of bounds", rawArchive(0x5000, arm(0x4000, 0x2000, 14)), 0, StepBounds},
		{"misaligned", rawArchive(0x5000, arm(0x4100, 0x100, 14)), 0, StepAlignment},
		{"alignment too large", rawArchive(0x20000, arm(0x10000, 0x100, 16)), 0, StepAlignment},
		{"gap before first entry", rawArchive(0x9000, arm(0x8000, 0x1000, 14)), 0, StepPadding},
		{"gap between entries", rawArchive(0xd000, x86(0x1000, 0x1000, 12), arm(0xc000, 0x1000, 14)), 0, StepPadding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Load(tt.dat)
			if err != nil {
				t.Fatal(err)
			}
			if tt.magic != 0 {
				a.Magic = tt.magic
			}
			err = a.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want a *ValidationError", err)
			}
			if verr.Step != tt.want {
				t.Errorf("Step = %s, want %s (%s)", verr.Step, tt.want, verr.Reason)
			}
			if !errors.Is(err, ErrMalformedArchive) {
				t.Errorf("%v does not match ErrMalformedArchive", err)
			}
		})
	}
}

func checkLayout(t *testing.T, a *Archive) {
	t.Helper()
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	entries := a.Entries()
	for i, e := range entries {
		if e.Offset%e.TrueAlign() != 0 {
			t.Errorf("%s is not aligned", e)
		}
		for _, o := range entries[i+1:] {
			if e.Size > 0 && o.Size > 0 && e.Offset < o.end() && o.Offset < e.end() {
				t.Errorf("%s overlaps %s", e, o)
			}
		}
	}
}

func TestAddAndDeleteEntries(t *testing.T) {
	a := New(false)
	checkLayout(t, a)

	armData := thin(types.CPUArm64, types.CPUSubtypeArm64All, 0x1234)
	if err := a.AddEntry(WithContent{CPU: types.CPUArm64, SubCPU: types.CPUSubtypeArm64All, Content: Content{Data: armData}}); err != nil {
		t.Fatal(err)
	}
	checkLayout(t, a)
	first := a.Entries()

	x86Data := thin(types.CPUAmd64, types.CPUSubtypeX8664All, 0x800)
	if err := a.AddEntries(
		ContentOnly{Content: Content{Reader: bytes.NewReader(x86Data)}},
		Placeholder{CPU: types.CPUArm6432, SubCPU: types.CPUSubtypeArm6432V8},
	); err != nil {
		t.Fatal(err)
	}
	checkLayout(t, a)

	if _, err := a.DataForEntry(first[0]); !errors.Is(err, ErrStaleEntry) {
		t.Errorf("DataForEntry(stale) = %v, want ErrStaleEntry", err)
	}

	entries := a.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(Entries()) = %d", len(entries))
	}
	if entries[1].CPU != types.CPUAmd64 || entries[1].Align != 12 {
		t.Errorf("inferred entry = %s", entries[1])
	}
	if entries[2].Size != 0 || entries[2].Align != 14 {
		t.Errorf("placeholder = %s", entries[2])
	}
	for _, e := range entries[:2] {
		b, err := a.DataForEntry(e)
		if err != nil {
			t.Fatal(err)
		}
		want := armData
		if e.CPU == types.CPUAmd64 {
			want = x86Data
		}
		if !bytes.Equal(b, want) {
			t.Errorf("payload of %s changed", e.ArchName())
		}
	}

	if err := a.DeleteEntry(entries[0]); err != nil {
		t.Fatal(err)
	}
	checkLayout(t, a)
	entries = a.Entries()
	if len(entries) != 2 || entries[0].CPU != types.CPUAmd64 {
		t.Fatalf("Entries() after delete = %v", entries)
	}
	b, err := a.DataForEntry(entries[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, x86Data) {
		t.Error("x86_64 payload changed after delete")
	}

	if err := a.SetDataForEntry(entries[1], Content{Data: thin(types.CPUArm6432, types.CPUSubtypeArm6432V8, 0x100)}); err != nil {
		t.Fatal(err)
	}
	checkLayout(t, a)
	if got := a.Entries()[1].Size; got != 0x100 {
		t.Errorf("resized entry size = %#x", got)
	}
}

func TestAddEntryRejectsBeforeMutating(t *testing.T) {
	a := New(false)
	if err := a.AddEntry(Placeholder{CPU: types.CPUArm64}); err != nil {
		t.Fatal(err)
	}
	before := a.Entries()

	err := a.AddEntries(
		Placeholder{CPU: types.CPUAmd64},
		ContentOnly{Content: Content{Data: []byte("#!/bin/sh\necho not mach-o\n")}},
	)
	if !errors.Is(err, ErrUnrecognizedFormat) {
		t.Fatalf("AddEntries() = %v, want ErrUnrecognizedFormat", err)
	}
	if err := a.AddEntry(WithContent{CPU: types.CPUAmd64, Content: Content{Data: []byte{1}, Path: "/nonexistent"}}); err == nil {
		t.Error("content with two sources was accepted")
	}
	if diff := cmp.Diff(before, a.Entries(), entryCmp); diff != "" {
		t.Errorf("archive changed after a rejected add (-before +after):\n%s", diff)
	}
	if _, err := a.DataForEntry(before[0]); err != nil {
		t.Errorf("descriptor went stale after a rejected add: %v", err)
	}
}

func TestSetIs64Bit(t *testing.T) {
	b := make([]byte, headerSize+entrySize64)
	binary.BigEndian.PutUint32(b[0:], uint32(types.MagicFat64))
	binary.BigEndian.PutUint32(b[4:], 1)
	binary.BigEndian.PutUint32(b[8:], uint32(types.CPUArm64))
	binary.BigEndian.PutUint64(b[16:], 1<<32)
	binary.BigEndian.PutUint64(b[24:], 0x10)
	binary.BigEndian.PutUint32(b[32:], 14)

	a, err := Load(b)
	if err != nil {
		t.Fatal(err)
	}
	before := a.Entries()
	if err := a.SetIs64Bit(false); !errors.Is(err, ErrOffsetOverflow) {
		t.Fatalf("SetIs64Bit(false) = %v, want ErrOffsetOverflow", err)
	}
	if !a.Is64Bit() {
		t.Error("archive is no longer 64-bit")
	}
	if diff := cmp.Diff(before, a.Entries(), entryCmp); diff != "" {
		t.Errorf("entries changed (-before +after):\n%s", diff)
	}
}

func TestSetIs64BitRoundTrip(t *testing.T) {
	a, err := Create([]Image{{CPU: types.CPUArm64, Data: thin(types.CPUArm64, 0, 0x100)}}, false, "")
	if err != nil {
		t.Fatal(err)
	}
	old := a.Entries()
	if err := a.SetIs64Bit(true); err != nil {
		t.Fatal(err)
	}
	checkLayout(t, a)
	if !a.Is64Bit() {
		t.Fatal("Is64Bit() = false")
	}
	if _, err := a.DataForEntry(old[0]); !errors.Is(err, ErrStaleEntry) {
		t.Errorf("descriptor survived a word size change: %v", err)
	}
	if err := a.SetIs64Bit(false); err != nil {
		t.Fatal(err)
	}
	checkLayout(t, a)
}

func TestCreateOrdersLikeLipo(t *testing.T) {
	images := []Image{
		{CPU: types.CPUArm64, SubCPU: types.CPUSubtypeArm64E, Data: thin(types.CPUArm64, types.CPUSubtypeArm64E, 0x300)},
		{CPU: types.CPUArm64, SubCPU: types.CPUSubtypeArm64All, Data: thin(types.CPUArm64, 0, 0x200)},
		{CPU: types.CPUAmd64, SubCPU: types.CPUSubtypeX8664All, Data: thin(types.CPUAmd64, types.CPUSubtypeX8664All, 0x100)},
	}
	a, err := Create(images, false, "")
	if err != nil {
		t.Fatal(err)
	}
	checkLayout(t, a)
	var got []string
	for _, e := range a.Entries() {
		got = append(got, e.ArchName())
	}
	if diff := cmp.Diff([]string{"x86_64", "arm64", "arm64e"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if _, err := Create(append(images, images[0]), false, ""); err == nil {
		t.Error("duplicate architecture was accepted")
	}
}

func TestFileBackedArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "universal")

	arm := thin(types.CPUArm64, 0, 0x300)
	a, err := Create([]Image{{CPU: types.CPUArm64, Data: arm}}, false, path)
	if err != nil {
		t.Fatal(err)
	}
	if a.Path() != path {
		t.Errorf("Path() = %q", a.Path())
	}

	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	checkLayout(t, b)
	x86 := thin(types.CPUAmd64, types.CPUSubtypeX8664All, 0x80)
	if err := b.AddEntry(ContentOnly{Content: Content{Data: x86}}); err != nil {
		t.Fatal(err)
	}

	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	checkLayout(t, c)
	if len(c.Entries()) != 2 {
		t.Fatalf("file has %d entries after in place add", len(c.Entries()))
	}
	e, ok := c.Find(types.CPUAmd64, types.CPUSubtypeX8664All)
	if !ok {
		t.Fatal("x86_64 slice missing")
	}
	img, err := c.Image(e)
	if err != nil {
		t.Fatal(err)
	}
	if img.CPU != types.CPUAmd64 {
		t.Errorf("Image().CPU = %s", img.CPU)
	}

	out := filepath.Join(dir, "arm64")
	e, _ = c.Find(types.CPUArm64, 0)
	if err := c.WriteEntryToFile(e, out); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, arm) {
		t.Error("extracted arm64 slice differs")
	}

	whole, err := c.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(whole, onDisk) {
		t.Error("Bytes() differs from the backing file")
	}
}

func TestFailedRewriteKeepsOldLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "universal")
	arm := thin(types.CPUArm64, 0, 0x300)
	a, err := Create([]Image{{CPU: types.CPUArm64, Data: arm}}, false, path)
	if err != nil {
		t.Fatal(err)
	}
	before := a.Entries()

	orig := mapForWrite
	mapForWrite = func(*os.File, int64, int64, bool, bool) (*region.Region, error) {
		return nil, region.ErrRegionUnavailable
	}
	t.Cleanup(func() { mapForWrite = orig })

	x86 := thin(types.CPUAmd64, types.CPUSubtypeX8664All, 0x80)
	if err := a.AddEntry(ContentOnly{Content: Content{Data: x86}}); !errors.Is(err, region.ErrRegionUnavailable) {
		t.Fatalf("AddEntry() = %v, want ErrRegionUnavailable", err)
	}
	if diff := cmp.Diff(before, a.Entries(), entryCmp); diff != "" {
		t.Errorf("entries changed after a failed rewrite (-want +got):\n%s", diff)
	}

	mapForWrite = orig
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	e, ok := b.Find(types.CPUArm64, 0)
	if !ok || len(b.Entries()) != 1 {
		t.Fatalf("entries on disk = %v", b.Entries())
	}
	got, err := b.DataForEntry(e)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, arm) {
		t.Error("arm64 slice on disk changed after a failed rewrite")
	}
}

func TestRewriteShrinksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "universal")
	a, err := Create([]Image{
		{CPU: types.CPUArm64, Data: thin(types.CPUArm64, 0, 0x300)},
		{CPU: types.CPUAmd64, SubCPU: types.CPUSubtypeX8664All, Data: thin(types.CPUAmd64, types.CPUSubtypeX8664All, 0x5000)},
	}, false, path)
	if err != nil {
		t.Fatal(err)
	}
	e, _ := a.Find(types.CPUAmd64, types.CPUSubtypeX8664All)
	if err := a.DeleteEntry(e); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if uint64(fi.Size()) != a.Size() {
		t.Errorf("file is %#x bytes, archive is %#x", fi.Size(), a.Size())
	}
	checkLayout(t, a)
}
