package dyld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/appsworld/mtool/pkg/codesign"
	"github.com/appsworld/mtool/types"
)

const (
	rx = types.VM_PROT_READ | types.VM_PROT_EXECUTE
	rw = types.VM_PROT_READ | types.VM_PROT_WRITE
	ro = types.VM_PROT_READ

	base = 0x180000000
)

// signature returns an embedded signature whose code directory covers limit bytes.
func signature(limit uint64) []byte {
	hdr := codesign.CodeDirectoryHeader{
		Magic:     codesign.MAGIC_CODEDIRECTORY,
		Version:   codesign.SUPPORTS_EXECSEG,
		CodeLimit: uint32(limit),
		HashSize:  32,
		HashType:  codesign.HASHTYPE_SHA256,
		PageSize:  12,
	}
	size := uint32(binary.Size(hdr))
	hdr.IdentOffset = size
	hdr.HashOffset = size + uint32(len("cache\x00"))
	hdr.Length = hdr.HashOffset

	var cd bytes.Buffer
	binary.Write(&cd, binary.BigEndian, hdr)
	cd.WriteString("cache\x00")

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, codesign.SuperBlob{
		Magic:  codesign.MAGIC_EMBEDDED_SIGNATURE,
		Length: uint32(20 + cd.Len()),
		Count:  1,
	})
	binary.Write(&buf, binary.BigEndian, codesign.BlobIndex{Type: codesign.CSSLOT_CODEDIRECTORY, Offset: 20})
	buf.Write(cd.Bytes())
	return buf.Bytes()
}

type testCache struct {
	magic         string
	platform      types.Platform
	mappingOffset uint32
	mappings      []cacheMappingAndSlideInfo
	maxSlide      uint64
	subCaches     uint32
	slideOffset   uint64 // header level slide info of older caches
	slideSize     uint64
	sigDelta      int64
	sigOffset     uint64 // when set, the signature size is chosen so offset+size wraps to the file length
}

// newCache returns a text, two data and a linkedit mapping in the newer
// layout, with slide info in both data mappings.
func newCache() *testCache {
	return &testCache{
		magic:         "dyld_v1  arm64e",
		platform:      types.PLATFORM_MACOS,
		mappingOffset: headerSize,
		maxSlide:      0x40000000,
		mappings: []cacheMappingAndSlideInfo{
			{Address: base, Size: 0x4000, FileOffset: 0, MaxProt: rx, InitProt: rx},
			{Address: base + 0x4000, Size: 0x4000, FileOffset: 0x4000, SlideInfoOffset: 0xc000, SlideInfoSize: 0x100, Flags: DYLD_CACHE_MAPPING_AUTH_DATA, MaxProt: rw, InitProt: rw},
			{Address: base + 0x8000, Size: 0x4000, FileOffset: 0x8000, SlideInfoOffset: 0xc100, SlideInfoSize: 0x80, Flags: DYLD_CACHE_MAPPING_CONST_DATA, MaxProt: rw, InitProt: ro},
			{Address: base + 0xc000, Size: 0x4000, FileOffset: 0xc000, MaxProt: ro, InitProt: ro},
		},
	}
}

// textOnly returns a single read+execute mapping.
func textOnly() *testCache {
	c := newCache()
	c.mappings = c.mappings[:1]
	return c
}

func (c *testCache) bytes() []byte {
	end := uint64(prefixSize)
	for _, m := range c.mappings {
		end = max(end, m.FileOffset+m.Size)
	}
	sig := signature(end)
	b := make([]byte, end+uint64(len(sig)))
	copy(b[end:], sig)
	for i := headerSize + 0x400; i < 0x4000; i++ {
		b[i] = byte(i)
	}

	h := cacheHeader{
		MappingOffset:         c.mappingOffset,
		MappingCount:          uint32(len(c.mappings)),
		CodeSignatureOffset:   end,
		CodeSignatureSize:     uint64(int64(len(sig)) + c.sigDelta),
		SlideInfoOffsetUnused: c.slideOffset,
		SlideInfoSizeUnused:   c.slideSize,
		Platform:              c.platform,
		MaxSlide:              c.maxSlide,
		SubCacheArrayCount:    c.subCaches,
	}
	if c.sigOffset != 0 {
		h.CodeSignatureOffset = c.sigOffset
		h.CodeSignatureSize = uint64(len(b)) - c.sigOffset
	}
	copy(h.Magic[:], c.magic)
	if c.mappingOffset > offMappingWithSlideOffset {
		h.MappingWithSlideOffset = c.mappingOffset + uint32(len(c.mappings))*mappingInfoSize
		h.MappingWithSlideCount = uint32(len(c.mappings))
	}
	var hb bytes.Buffer
	binary.Write(&hb, binary.LittleEndian, h)
	copy(b, hb.Bytes())

	var mb bytes.Buffer
	for _, m := range c.mappings {
		binary.Write(&mb, binary.LittleEndian, cacheMappingInfo{m.Address, m.Size, m.FileOffset, m.MaxProt, m.InitProt})
	}
	copy(b[c.mappingOffset:], mb.Bytes())
	if h.MappingWithSlideOffset != 0 {
		var sb bytes.Buffer
		binary.Write(&sb, binary.LittleEndian, c.mappings)
		copy(b[h.MappingWithSlideOffset:], sb.Bytes())
	}
	return b
}

func writeCache(t *testing.T, path string, c *testCache) {
	t.Helper()
	if err := os.WriteFile(path, c.bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// preflight runs Preflight for macOS and skips when the host refuses
// executable file mappings.
func preflight(t *testing.T, path string, opts ...Option) *MappingRequest {
	t.Helper()
	req, err := Preflight(path, append([]Option{WithPlatform(types.PLATFORM_MACOS)}, opts...)...)
	var rerr *RejectedError
	if errors.As(err, &rerr) && rerr.Step == StepPrefixCompare {
		t.Skipf("executable file mappings unavailable: %v", err)
	}
	if err != nil {
		t.Fatalf("Preflight() = %v", err)
	}
	return req
}

func TestPreflight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	writeCache(t, path, newCache())

	got := preflight(t, path)
	le := uint64(base + 0xc000)
	want := &MappingRequest{
		MaxSlide: 0x40000000,
		Files: []FileMapping{
			{Path: path, FD: -1, MappingCount: 4, Arch: "arm64e", Platform: types.PLATFORM_MACOS},
		},
		Mappings: []MappingDescription{
			{Class: Text, Address: base, Size: 0x4000, MaxProt: rx, InitProt: rx},
			{
				Class: Data, Address: base + 0x4000, Size: 0x4000, FileOffset: 0x4000,
				SlideInfoOffset: 0xc000, SlideInfoSize: 0x100, Flags: DYLD_CACHE_MAPPING_AUTH_DATA,
				MaxProt: rw | types.VM_PROT_SLIDE, InitProt: rw | types.VM_PROT_SLIDE,
				SlideStart: le,
			},
			{
				Class: Data, Address: base + 0x8000, Size: 0x4000, FileOffset: 0x8000,
				SlideInfoOffset: 0xc100, SlideInfoSize: 0x80, Flags: DYLD_CACHE_MAPPING_CONST_DATA,
				MaxProt:    rw | types.VM_PROT_SLIDE | types.VM_PROT_NOAUTH,
				InitProt:   ro | types.VM_PROT_SLIDE | types.VM_PROT_NOAUTH,
				SlideStart: le + 0x100,
			},
			{Class: LinkEdit, Address: le, Size: 0x4000, FileOffset: 0xc000, MaxProt: ro, InitProt: ro},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Preflight() mismatch (-want +got):\n%s", diff)
	}
}

func TestPreflightLegacyLayout(t *testing.T) {
	c := newCache()
	c.mappingOffset = 0x98
	c.mappings = []cacheMappingAndSlideInfo{
		{Address: base, Size: 0x4000, FileOffset: 0, MaxProt: rx, InitProt: rx},
		{Address: base + 0x4000, Size: 0x4000, FileOffset: 0x4000, MaxProt: rw, InitProt: rw},
		{Address: base + 0x8000, Size: 0x4000, FileOffset: 0x8000, MaxProt: ro, InitProt: ro},
	}
	c.slideOffset, c.slideSize = 0x8200, 0x200
	path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	writeCache(t, path, c)

	// the platform field overlaps the mapping table in this layout
	got := preflight(t, path)
	if len(got.Files) != 1 || len(got.Mappings) != 3 {
		t.Fatalf("Preflight() = %+v", got)
	}
	data := got.Mappings[1]
	if data.SlideInfoOffset != 0x8200 || data.SlideInfoSize != 0x200 {
		t.Errorf("data slide info = %#x/%#x", data.SlideInfoOffset, data.SlideInfoSize)
	}
	if data.SlideStart != base+0x8200 {
		t.Errorf("SlideStart = %#x, want %#x", data.SlideStart, base+0x8200)
	}
	if want := rw | types.VM_PROT_SLIDE | types.VM_PROT_NOAUTH; data.MaxProt != want || data.InitProt != want {
		t.Errorf("data protections = %s/%s, want %s", data.MaxProt, data.InitProt, want)
	}
	for _, i := range []int{0, 2} {
		if m := got.Mappings[i]; m.SlideInfoSize != 0 || m.MaxProt&types.VM_PROT_SLIDE != 0 {
			t.Errorf("mapping %d has slide info: %s", i, m)
		}
	}
}

func TestPreflightSubCaches(t *testing.T) {
	for _, suffix := range []string{".%d", ".%02d"} {
		t.Run(suffix, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "dyld_shared_cache_arm64e")
			c := newCache()
			c.subCaches = 2
			writeCache(t, path, c)
			for i := 1; i <= 2; i++ {
				writeCache(t, path+fmt.Sprintf(suffix, i), textOnly())
			}

			got := preflight(t, path)
			if len(got.Files) != 3 {
				t.Fatalf("len(Files) = %d, want 3", len(got.Files))
			}
			for i, f := range got.Files[1:] {
				if want := path + fmt.Sprintf(suffix, i+1); f.Path != want || f.MappingCount != 1 {
					t.Errorf("Files[%d] = %+v, want %s with one mapping", i+1, f, want)
				}
			}
			if len(got.Mappings) != 6 {
				t.Fatalf("len(Mappings) = %d, want 6", len(got.Mappings))
			}
			if m := got.Mappings[5]; m.File != 2 || m.Class != Text {
				t.Errorf("last mapping = %+v", m)
			}
		})
	}
}

func TestPreflightSubCacheRejections(t *testing.T) {
	t.Run("missing sub-cache", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
		c := newCache()
		c.subCaches = 1
		writeCache(t, path, c)
		assertRejected(t, path, StepHeader)
	})
	t.Run("max slide mismatch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
		c := newCache()
		c.subCaches = 1
		writeCache(t, path, c)
		sub := textOnly()
		sub.maxSlide = 0x1000
		writeCache(t, path+".1", sub)
		assertRejected(t, path, StepSubCaches)
	})
}

func assertRejected(t *testing.T, path string, want Step, opts ...Option) {
	t.Helper()
	_, err := Preflight(path, append([]Option{WithPlatform(types.PLATFORM_MACOS)}, opts...)...)
	if !errors.Is(err, ErrCacheRejected) {
		t.Fatalf("Preflight() = %v, want ErrCacheRejected", err)
	}
	var rerr *RejectedError
	if !errors.As(err, &rerr) {
		t.Fatalf("%v is not a *RejectedError", err)
	}
	if rerr.Step == StepPrefixCompare && want != StepPrefixCompare {
		t.Skipf("executable file mappings unavailable: %v", err)
	}
	if rerr.Step != want {
		t.Errorf("Step = %s, want %s (%s)", rerr.Step, want, rerr.Reason)
	}
}

func TestPreflightRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *testCache)
		want   Step
	}{
		{"bad magic", func(c *testCache) { c.magic = "dyld_v2  arm64e" }, StepHeader},
		{"unknown architecture", func(c *testCache) { c.magic = "dyld_v1  mips99" }, StepHeader},
		{"wrong platform", func(c *testCache) { c.platform = types.PLATFORM_IOS }, StepHeader},
		{"no mappings", func(c *testCache) { c.mappings = nil }, StepMappingCount},
		{"too many mappings", func(c *testCache) {
			for len(c.mappings) <= MaxMappings {
				c.mappings = append(c.mappings, c.mappings[len(c.mappings)-1])
			}
		}, StepMappingCount},
		{"text not at offset 0", func(c *testCache) { c.mappings[0].FileOffset = 0x4000 }, StepMappingClasses},
		{"writable linkedit", func(c *testCache) { c.mappings[3].MaxProt = rw }, StepMappingClasses},
		{"read only data", func(c *testCache) { c.mappings[2].MaxProt = ro }, StepMappingClasses},
		{"writable text", func(c *testCache) { c.mappings[0].MaxProt = rx | types.VM_PROT_WRITE }, StepMappingClasses},
		{"single mapping not executable", func(c *testCache) {
			c.mappings = c.mappings[:1]
			c.mappings[0].MaxProt = ro
		}, StepSingleMapping},
		{"signature short of the end", func(c *testCache) { c.sigDelta = -1 }, StepCodeSignature},
		{"signature offset wraps", func(c *testCache) {
			c.mappings = c.mappings[:1]
			c.sigOffset = 0xffffc00000000000
		}, StepCodeSignature},
		{"signature past the end", func(c *testCache) { c.sigOffset = 0x100000 }, StepCodeSignature},
		{"slide info without linkedit", func(c *testCache) {
			c.mappings = c.mappings[:1]
			c.mappings[0].SlideInfoSize = 0x10
		}, StepSlideInfo},
		{"too many sub-caches", func(c *testCache) { c.subCaches = MaxSubCaches + 1 }, StepSubCacheCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCache()
			tt.mutate(c)
			path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
			writeCache(t, path, c)
			assertRejected(t, path, tt.want)
		})
	}
}

func TestPreflightPlatformCheckDisabled(t *testing.T) {
	c := newCache()
	c.platform = types.PLATFORM_IOS
	path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	writeCache(t, path, c)

	if _, err := Preflight(path, WithPlatform(0)); err != nil {
		var rerr *RejectedError
		if errors.As(err, &rerr) && rerr.Step == StepPrefixCompare {
			t.Skipf("executable file mappings unavailable: %v", err)
		}
		t.Fatalf("Preflight() = %v", err)
	}
}

// stubPrefix replaces the prefix comparison for the duration of the test.
func stubPrefix(t *testing.T, same bool) *int {
	calls := new(int)
	orig := comparePrefix
	comparePrefix = func(*os.File, []byte) (bool, error) {
		*calls++
		return same, nil
	}
	t.Cleanup(func() { comparePrefix = orig })
	return calls
}

func TestSignatureCheckedBeforePrefix(t *testing.T) {
	calls := stubPrefix(t, true)

	path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	c := newCache()
	c.sigDelta = 0x10
	writeCache(t, path, c)
	assertRejected(t, path, StepCodeSignature)

	writeCache(t, path, newCache())
	short := func(f *os.File, off, size uint64) (uint64, error) { return off, nil }
	assertRejected(t, path, StepCodeSignature, WithCoverage(short))
	failing := func(*os.File, uint64, uint64) (uint64, error) { return 0, errors.New("fcntl failed") }
	assertRejected(t, path, StepCodeSignature, WithCoverage(failing))

	if *calls != 0 {
		t.Errorf("prefix compared %d times after a signature rejection", *calls)
	}

	if _, err := Preflight(path, WithPlatform(types.PLATFORM_MACOS)); err != nil {
		t.Fatalf("Preflight() = %v", err)
	}
	if *calls != 1 {
		t.Errorf("prefix compared %d times, want 1", *calls)
	}
}

func TestPrefixMismatch(t *testing.T) {
	stubPrefix(t, false)
	path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	writeCache(t, path, newCache())
	assertRejected(t, path, StepPrefixCompare)
}

func TestSignatureCoverage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")
	c := newCache()
	dat := c.bytes()
	if err := os.WriteFile(path, dat, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	sigOff := uint64(0x10000)
	got, err := SignatureCoverage(f, sigOff, uint64(len(dat))-sigOff)
	if err != nil {
		t.Fatal(err)
	}
	if got != uint64(len(dat)) {
		t.Errorf("SignatureCoverage() = %#x, want %#x", got, len(dat))
	}
	if _, err := SignatureCoverage(f, 0, 0x100); !errors.Is(err, codesign.ErrMalformedSignature) {
		t.Errorf("SignatureCoverage(header) = %v, want ErrMalformedSignature", err)
	}
	if _, err := SignatureCoverage(f, 0xffffc00000000000, 1<<46+uint64(len(dat))); err == nil {
		t.Error("SignatureCoverage(outside the file) succeeded")
	}
}

func TestFindCache(t *testing.T) {
	old, cur := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(old, "dyld_shared_cache_arm64e"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cur, "dyld_shared_cache_arm64"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	archs := cacheArchs(types.CPUArm64, types.CPUSubtypeArm64All)
	if diff := cmp.Diff([]string{"arm64e", "arm64"}, archs); diff != "" {
		t.Errorf("cacheArchs() mismatch (-want +got):\n%s", diff)
	}
	got, err := findCache([]string{cur, old}, archs)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(cur, "dyld_shared_cache_arm64"); got != want {
		t.Errorf("findCache() = %s, want %s", got, want)
	}
	if _, err := findCache([]string{cur}, []string{"x86_64"}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("findCache(x86_64) = %v, want os.ErrNotExist", err)
	}
}
