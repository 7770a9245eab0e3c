// Package dyld validates dyld shared cache files before they are mapped.
package dyld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/appsworld/mtool/pkg/codesign"
	"github.com/appsworld/mtool/pkg/region"
	"github.com/appsworld/mtool/types"
)

// ErrCacheRejected is the kind of every preflight failure.
var ErrCacheRejected = errors.New("shared cache rejected")

// Step names a preflight check.
type Step int

const (
	StepHeader Step = iota + 1
	StepMappingCount
	StepMappingClasses
	StepSingleMapping
	StepCodeSignature
	StepPrefixCompare
	StepSlideInfo
	StepSubCacheCount
	StepSubCaches
)

func (s Step) String() string {
	switch s {
	case StepHeader:
		return "header"
	case StepMappingCount:
		return "mapping count"
	case StepMappingClasses:
		return "mapping classes"
	case StepSingleMapping:
		return "single mapping"
	case StepCodeSignature:
		return "code signature"
	case StepPrefixCompare:
		return "prefix compare"
	case StepSlideInfo:
		return "slide info"
	case StepSubCacheCount:
		return "sub-cache count"
	case StepSubCaches:
		return "sub-caches"
	}
	return "unknown"
}

// RejectedError reports the preflight step a cache file failed.
type RejectedError struct {
	Path   string
	Step   Step
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s: step %d (%s): %s", ErrCacheRejected, e.Path, int(e.Step), e.Step, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrCacheRejected }

func reject(path string, step Step, format string, args ...any) error {
	return &RejectedError{Path: path, Step: step, Reason: fmt.Sprintf(format, args...)}
}

// CoverageFunc returns the end offset of the bytes of f vouched for by the
// code signature at [sigOffset, sigOffset+sigSize).
type CoverageFunc func(f *os.File, sigOffset, sigSize uint64) (uint64, error)

// SignatureCoverage parses the embedded signature and returns its code
// limit. A code limit that reaches the signature covers the signature too.
func SignatureCoverage(f *os.File, sigOffset, sigSize uint64) (uint64, error) {
	if sigSize == 0 {
		return 0, errors.New("cache has no code signature")
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "failed to stat cache")
	}
	if size := uint64(fi.Size()); sigOffset > size || sigSize > size-sigOffset {
		return 0, errors.Errorf("code signature (offset %#x, size %#x) lies outside the file (%#x)", sigOffset, sigSize, size)
	}
	blob := make([]byte, sigSize)
	if _, err := f.ReadAt(blob, int64(sigOffset)); err != nil {
		return 0, errors.Wrap(err, "failed to read code signature")
	}
	cs, err := codesign.ParseCodeSignature(blob)
	if err != nil {
		return 0, err
	}
	limit := cs.CodeLimit()
	if limit >= sigOffset {
		return max(limit, sigOffset+sigSize), nil
	}
	return limit, nil
}

type config struct {
	platform types.Platform
	coverage CoverageFunc
}

// Option configures Preflight.
type Option func(*config)

// WithPlatform sets the platform the cache must be built for. 0 disables the check.
func WithPlatform(p types.Platform) Option {
	return func(c *config) { c.platform = p }
}

// WithCoverage replaces the signature coverage query.
func WithCoverage(fn CoverageFunc) Option {
	return func(c *config) { c.coverage = fn }
}

// comparePrefix maps the first len(prefix) bytes of f read+execute and
// compares them with prefix. The mapping is released before returning.
var comparePrefix = func(f *os.File, prefix []byte) (bool, error) {
	r, err := region.OpenFile(f, 0, int64(len(prefix)), false, true)
	if err != nil {
		return false, err
	}
	same := bytes.Equal(r.Bytes(), prefix)
	r.Close()
	return same, nil
}

// cacheFile is the result of preflighting one file.
type cacheFile struct {
	path     string
	header   cacheHeader
	mappings []MappingDescription
	subCount int
}

// Preflight runs every check a cache and its numbered sub-caches must pass
// before they may be mapped, and returns the mapping request they describe.
// Failures are *RejectedError values matching ErrCacheRejected.
func Preflight(path string, opts ...Option) (*MappingRequest, error) {
	cfg := config{platform: currentPlatform, coverage: SignatureCoverage}
	for _, opt := range opts {
		opt(&cfg)
	}

	main, err := preflightFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	files := []*cacheFile{main}

	if main.subCount > 1 {
		subs := make([]*cacheFile, main.subCount-1)
		var g errgroup.Group
		for i := range subs {
			g.Go(func() error {
				sub, err := preflightFile(subCachePath(path, i+1), &cfg)
				if err != nil {
					return err
				}
				subs[i] = sub
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		files = append(files, subs...)
	}

	total := 0
	for _, cf := range files {
		total += len(cf.mappings)
		if cf.header.MaxSlide != main.header.MaxSlide {
			return nil, reject(cf.path, StepSubCaches, "max slide %#x does not match the main cache (%#x)", cf.header.MaxSlide, main.header.MaxSlide)
		}
	}
	if total > MaxMappings*(MaxSubCaches+1) {
		return nil, reject(path, StepSubCaches, "%d mappings across %d files exceeds the limit of %d", total, len(files), MaxMappings*(MaxSubCaches+1))
	}

	req := &MappingRequest{MaxSlide: main.header.MaxSlide}
	for i, cf := range files {
		req.Files = append(req.Files, FileMapping{
			Path:         cf.path,
			FD:           -1,
			MappingCount: len(cf.mappings),
			Arch:         cf.header.arch(),
			Platform:     cf.header.Platform,
			UUID:         cf.header.UUID,
		})
		for _, m := range cf.mappings {
			m.File = i
			req.Mappings = append(req.Mappings, m)
		}
	}
	log.WithFields(log.Fields{
		"path":     path,
		"files":    len(req.Files),
		"mappings": len(req.Mappings),
	}).Debug("Shared cache accepted")
	return req, nil
}

// subCachePath returns the name of sub-cache n. Newer caches zero pad the
// suffix to two digits.
func subCachePath(path string, n int) string {
	p := fmt.Sprintf("%s.%d", path, n)
	if _, err := os.Stat(p); err != nil {
		if padded := fmt.Sprintf("%s.%02d", path, n); padded != p {
			if _, err := os.Stat(padded); err == nil {
				return padded
			}
		}
	}
	return p
}

// preflightFile runs steps 1 through 8 on one file.
func preflightFile(path string, cfg *config) (*cacheFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, reject(path, StepHeader, "%v", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, reject(path, StepHeader, "%v", err)
	}
	length := uint64(fi.Size())

	prefix := make([]byte, min(prefixSize, length))
	if _, err := io.ReadFull(f, prefix); err != nil {
		return nil, reject(path, StepHeader, "failed to read header: %v", err)
	}
	ctx := log.WithField("path", path)

	// 1. header
	var h cacheHeader
	hbuf := make([]byte, headerSize)
	copy(hbuf, prefix)
	if err := binary.Read(bytes.NewReader(hbuf), binary.LittleEndian, &h); err != nil {
		return nil, reject(path, StepHeader, "failed to decode header: %v", err)
	}
	arch := h.arch()
	if arch == "" {
		return nil, reject(path, StepHeader, "bad magic %q", bytes.TrimRight(h.Magic[:], "\x00"))
	}
	if _, _, ok := types.ArchFromName(arch); !ok {
		return nil, reject(path, StepHeader, "unknown architecture %q", arch)
	}
	if h.MappingOffset >= offLegacyPlatform && cfg.platform != 0 && h.Platform != cfg.platform {
		return nil, reject(path, StepHeader, "built for %s, expected %s", h.Platform, cfg.platform)
	}
	ctx.WithFields(log.Fields{"arch": arch, "platform": h.Platform.String()}).Debug("Cache header accepted")

	// 2. mapping count
	if h.MappingCount == 0 || h.MappingCount > MaxMappings {
		return nil, reject(path, StepMappingCount, "mapping count %d is outside (0, %d]", h.MappingCount, MaxMappings)
	}
	if end := uint64(h.MappingOffset) + uint64(h.MappingCount)*mappingInfoSize; end > uint64(len(prefix)) {
		return nil, reject(path, StepMappingCount, "mapping table ends at %#x past the header (%#x bytes)", end, len(prefix))
	}
	infos := make([]cacheMappingInfo, h.MappingCount)
	if err := binary.Read(bytes.NewReader(prefix[h.MappingOffset:]), binary.LittleEndian, infos); err != nil {
		return nil, reject(path, StepMappingCount, "failed to decode mappings: %v", err)
	}

	// 3. mapping classes
	if infos[0].FileOffset != 0 {
		return nil, reject(path, StepMappingClasses, "text mapping starts at file offset %#x", infos[0].FileOffset)
	}
	last := len(infos) - 1
	hasLinkEdit := last > 0
	if hasLinkEdit {
		if infos[last].MaxProt != types.VM_PROT_READ {
			return nil, reject(path, StepMappingClasses, "linkedit max protection is %s, want r--", infos[last].MaxProt)
		}
		for i := 1; i < last; i++ {
			if infos[i].MaxProt != types.VM_PROT_READ|types.VM_PROT_WRITE {
				return nil, reject(path, StepMappingClasses, "data mapping %d max protection is %s, want rw-", i, infos[i].MaxProt)
			}
		}
		if tp := infos[0].MaxProt; tp != types.VM_PROT_READ|types.VM_PROT_EXECUTE && tp != types.VM_PROT_READ {
			return nil, reject(path, StepMappingClasses, "text max protection is %s, want r-x or r--", tp)
		}
	}

	// 4. single mapping
	if !hasLinkEdit && infos[0].MaxProt != types.VM_PROT_READ|types.VM_PROT_EXECUTE {
		return nil, reject(path, StepSingleMapping, "text max protection is %s, want r-x", infos[0].MaxProt)
	}

	// 5. code signature
	if h.CodeSignatureOffset > length || h.CodeSignatureSize > length-h.CodeSignatureOffset {
		return nil, reject(path, StepCodeSignature, "code signature (offset %#x, size %#x) lies outside the file (%#x)",
			h.CodeSignatureOffset, h.CodeSignatureSize, length)
	}
	if h.CodeSignatureOffset+h.CodeSignatureSize != length {
		return nil, reject(path, StepCodeSignature, "code signature [%#x, %#x) does not end at the end of the file (%#x)",
			h.CodeSignatureOffset, h.CodeSignatureOffset+h.CodeSignatureSize, length)
	}
	covered, err := cfg.coverage(f, h.CodeSignatureOffset, h.CodeSignatureSize)
	if err != nil {
		return nil, reject(path, StepCodeSignature, "failed to query signature coverage: %v", err)
	}
	if covered < length {
		return nil, reject(path, StepCodeSignature, "code signature covers %#x of %#x bytes", covered, length)
	}

	// 6. prefix compare
	same, err := comparePrefix(f, prefix)
	if err != nil {
		return nil, reject(path, StepPrefixCompare, "%v", err)
	}
	if !same {
		return nil, reject(path, StepPrefixCompare, "mapped header does not match the bytes read")
	}

	// 7. slide info
	var slides []cacheMappingAndSlideInfo
	if h.hasSlideTable() {
		if end := uint64(h.MappingWithSlideOffset) + uint64(h.MappingCount)*mappingAndSlideInfoSize; end > uint64(len(prefix)) {
			return nil, reject(path, StepSlideInfo, "slide table ends at %#x past the header (%#x bytes)", end, len(prefix))
		}
		slides = make([]cacheMappingAndSlideInfo, h.MappingCount)
		if err := binary.Read(bytes.NewReader(prefix[h.MappingWithSlideOffset:]), binary.LittleEndian, slides); err != nil {
			return nil, reject(path, StepSlideInfo, "failed to decode slide table: %v", err)
		}
	}
	mappings := make([]MappingDescription, len(infos))
	for i, info := range infos {
		m := MappingDescription{
			Class:      Data,
			Address:    info.Address,
			Size:       info.Size,
			FileOffset: info.FileOffset,
			MaxProt:    info.MaxProt,
			InitProt:   info.InitProt,
		}
		switch {
		case i == 0:
			m.Class = Text
		case i == last:
			m.Class = LinkEdit
		}
		auth := false
		if slides != nil {
			m.SlideInfoOffset = slides[i].SlideInfoOffset
			m.SlideInfoSize = slides[i].SlideInfoSize
			m.Flags = slides[i].Flags
			auth = m.Flags.IsAuthData()
		} else if i == 1 {
			m.SlideInfoOffset = h.SlideInfoOffsetUnused
			m.SlideInfoSize = h.SlideInfoSizeUnused
		}
		if m.SlideInfoSize > 0 {
			if !hasLinkEdit {
				return nil, reject(path, StepSlideInfo, "mapping %d has slide info but the cache has no linkedit mapping", i)
			}
			m.MaxProt |= types.VM_PROT_SLIDE
			m.InitProt |= types.VM_PROT_SLIDE
			if !auth {
				m.MaxProt |= types.VM_PROT_NOAUTH
				m.InitProt |= types.VM_PROT_NOAUTH
			}
			le := infos[last]
			m.SlideStart = le.Address + (m.SlideInfoOffset - le.FileOffset)
		}
		mappings[i] = m
	}

	// 8. sub-cache count
	count := h.subCacheCount()
	if count-1 > MaxSubCaches {
		return nil, reject(path, StepSubCacheCount, "%d sub-caches exceeds the limit of %d", count-1, MaxSubCaches)
	}

	ctx.WithFields(log.Fields{"mappings": len(mappings), "sub-caches": count - 1}).Debug("Cache file passed preflight")
	return &cacheFile{path: path, header: h, mappings: mappings, subCount: count}, nil
}
