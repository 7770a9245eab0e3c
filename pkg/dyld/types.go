package dyld

import (
	"fmt"
	"strings"

	"github.com/appsworld/mtool/types"
)

const (
	// MaxMappings bounds the mapping table of a single cache file.
	MaxMappings = 8
	// MaxSubCaches bounds the number of numbered sub-cache files.
	MaxSubCaches = 15

	prefixSize = 0x4000
	headerSize = 400

	offLegacyPlatform         = 0xE0
	offMappingWithSlideOffset = 312
	offSubCacheArrayCount     = 396

	mappingInfoSize         = 32
	mappingAndSlideInfoSize = 56
)

// cacheHeader is the dyld_cache_header prefix up to subCacheArrayCount.
type cacheHeader struct {
	Magic                  [16]byte       // e.g. "dyld_v1  arm64e"
	MappingOffset          uint32         // file offset to first dyld_cache_mapping_info
	MappingCount           uint32         // number of dyld_cache_mapping_info entries
	_                      [16]byte       // imagesOffsetOld, imagesCountOld, dyldBaseAddress
	CodeSignatureOffset    uint64         // file offset of code signature blob
	CodeSignatureSize      uint64         // size of code signature blob
	SlideInfoOffsetUnused  uint64         // file offset of the global slide info (older caches)
	SlideInfoSizeUnused    uint64         // size of the global slide info (older caches)
	_                      [16]byte       // local symbols
	UUID                   types.UUID     // unique value for each shared cache file
	_                      [112]byte      // cacheType through progClosuresTrieSize
	Platform               types.Platform // platform number (macOS=1, etc)
	FormatVersion          uint32         //
	SharedRegionStart      uint64         // base load address of cache if not slid
	SharedRegionSize       uint64         // overall size of region cache can be mapped into
	MaxSlide               uint64         // runtime slide of cache can be between zero and this value
	_                      [64]byte       // image arrays and tries
	MappingWithSlideOffset uint32         // file offset to first dyld_cache_mapping_and_slide_info
	MappingWithSlideCount  uint32         // number of dyld_cache_mapping_and_slide_info entries
	_                      [72]byte       // dyld4 fields through swiftOptsSize
	SubCacheArrayOffset    uint32         // file offset to first dyld_subcache_entry
	SubCacheArrayCount     uint32         // number of subCache entries
}

// arch returns the architecture named by the magic, or "" when the magic
// is not "dyld_v1" followed by a space padded name.
func (h *cacheHeader) arch() string {
	m := h.Magic[:]
	if string(m[:7]) != "dyld_v1" || m[15] != 0 {
		return ""
	}
	name := strings.TrimLeft(string(m[7:15]), " ")
	if name == "" || strings.ContainsAny(name, " \x00") {
		return ""
	}
	return name
}

// hasSlideTable reports whether the header carries the per mapping
// dyld_cache_mapping_and_slide_info table.
func (h *cacheHeader) hasSlideTable() bool {
	return h.MappingOffset > offMappingWithSlideOffset
}

// subCacheCount returns the number of files making up the cache, the main file included.
func (h *cacheHeader) subCacheCount() int {
	if h.MappingOffset <= offSubCacheArrayCount {
		return 1
	}
	return int(h.SubCacheArrayCount) + 1
}

type cacheMappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    types.VmProtection
	InitProt   types.VmProtection
}

// CacheMappingFlag is the flags field of dyld_cache_mapping_and_slide_info.
type CacheMappingFlag uint64

const (
	DYLD_CACHE_MAPPING_AUTH_DATA  CacheMappingFlag = 1 << 0
	DYLD_CACHE_MAPPING_DIRTY_DATA CacheMappingFlag = 1 << 1
	DYLD_CACHE_MAPPING_CONST_DATA CacheMappingFlag = 1 << 2
)

func (f CacheMappingFlag) IsAuthData() bool  { return f&DYLD_CACHE_MAPPING_AUTH_DATA != 0 }
func (f CacheMappingFlag) IsDirtyData() bool { return f&DYLD_CACHE_MAPPING_DIRTY_DATA != 0 }
func (f CacheMappingFlag) IsConstData() bool { return f&DYLD_CACHE_MAPPING_CONST_DATA != 0 }

func (f CacheMappingFlag) String() string {
	var fStr []string
	if f.IsAuthData() {
		fStr = append(fStr, "AUTH_DATA")
	}
	if f.IsDirtyData() {
		fStr = append(fStr, "DIRTY_DATA")
	}
	if f.IsConstData() {
		fStr = append(fStr, "CONST_DATA")
	}
	return strings.Join(fStr, " | ")
}

type cacheMappingAndSlideInfo struct {
	Address         uint64
	Size            uint64
	FileOffset      uint64
	SlideInfoOffset uint64
	SlideInfoSize   uint64
	Flags           CacheMappingFlag
	MaxProt         types.VmProtection
	InitProt        types.VmProtection
}

// MappingClass is the role of a mapping, derived from its position.
type MappingClass int

const (
	Text MappingClass = iota
	Data
	LinkEdit
)

func (c MappingClass) String() string {
	switch c {
	case Text:
		return "__TEXT"
	case Data:
		return "__DATA"
	case LinkEdit:
		return "__LINKEDIT"
	}
	return "unknown"
}

// FileMapping is one file of a validated cache.
type FileMapping struct {
	Path         string
	FD           int // -1 until the caller opens Path for mapping
	MappingCount int
	Slide        uint64

	Arch     string
	Platform types.Platform
	UUID     types.UUID
}

// MappingDescription is one mapping the OS would be asked to establish.
type MappingDescription struct {
	File            int // index into MappingRequest.Files
	Class           MappingClass
	Address         uint64
	Size            uint64
	FileOffset      uint64
	SlideInfoOffset uint64
	SlideInfoSize   uint64
	Flags           CacheMappingFlag
	MaxProt         types.VmProtection
	InitProt        types.VmProtection
	SlideStart      uint64
}

func (m MappingDescription) String() string {
	s := fmt.Sprintf("%-10s %#x-%#x off=%#x max=%s init=%s",
		m.Class, m.Address, m.Address+m.Size, m.FileOffset, m.MaxProt, m.InitProt)
	if m.SlideInfoSize > 0 {
		s += fmt.Sprintf(" slide=%#x(%#x)@%#x", m.SlideInfoOffset, m.SlideInfoSize, m.SlideStart)
	}
	if m.Flags != 0 {
		s += " " + m.Flags.String()
	}
	return s
}

// MappingRequest is the validated description of every mapping of a cache.
// It is data only; nothing is mapped.
type MappingRequest struct {
	Files    []FileMapping
	Mappings []MappingDescription
	MaxSlide uint64
}
