package macho

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/appsworld/mtool/types"
)

const defaultCacheSize = 128

// lazyImage is a memoized reference to another image. It is resolved at
// most once; a fresh parse of the referencing image is needed to retry.
type lazyImage struct {
	once sync.Once
	img  *File
}

func (l *lazyImage) get(resolve func() *File) (*File, bool) {
	l.once.Do(func() { l.img = resolve() })
	return l.img, l.img != nil
}

// resolver is shared by an image and everything resolved through it.
type resolver struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *File]
	opened   []*File
	execPath string
	search   []string
}

func newResolver(cfg FileConfig) *resolver {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, *File](size)
	if err != nil {
		log.WithError(err).Debug("failed to create image cache")
	}
	execPath := cfg.ExecutablePath
	if execPath == "" {
		execPath = cfg.Path
	}
	return &resolver{cache: cache, execPath: execPath, search: cfg.SearchPaths}
}

// open parses the image at path, choosing the slice that matches cpu when
// the file is a fat archive. Failures are soft and return nil.
func (r *resolver) open(path string, loader *File) *File {
	path = filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache != nil {
		if img, ok := r.cache.Get(path); ok {
			return img
		}
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("Cannot open referenced image")
		return nil
	}
	cfg := FileConfig{Path: path, MaxSize: fi.Size()}
	if off, size, ok := fatSlice(f, loader.CPU, loader.SubCPU); ok {
		cfg.Offset, cfg.MaxSize = off, size
	}
	img, err := newFile(f, cfg, &parent{res: r, loader: loader})
	if err != nil {
		f.Close()
		log.WithError(err).WithField("path", path).Debug("Cannot parse referenced image")
		return nil
	}
	img.closer = f
	if r.cache != nil {
		r.cache.Add(path, img)
	}
	r.opened = append(r.opened, img)
	return img
}

func (r *resolver) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for _, img := range r.opened {
		if cerr := img.Close(); err == nil {
			err = cerr
		}
	}
	r.opened = nil
	if r.cache != nil {
		r.cache.Purge()
	}
	return err
}

// fatSlice locates the slice of a fat archive that matches cpu. It only
// reads the header and entry table.
func fatSlice(f *os.File, cpu types.CPU, sub types.CPUSubtype) (int64, int64, bool) {
	var hdr [8]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return 0, 0, false
	}
	magic := types.Magic(binary.BigEndian.Uint32(hdr[0:]))
	if magic != types.MagicFat && magic != types.MagicFat64 {
		return 0, 0, false
	}
	count := binary.BigEndian.Uint32(hdr[4:])
	entrySize := 20
	if magic == types.MagicFat64 {
		entrySize = 32
	}
	if count == 0 || count > 128 {
		return 0, 0, false
	}
	table := make([]byte, int(count)*entrySize)
	if _, err := f.ReadAt(table, 8); err != nil {
		return 0, 0, false
	}
	var fallback []byte
	for i := 0; i < int(count); i++ {
		e := table[i*entrySize:]
		if types.CPU(binary.BigEndian.Uint32(e[0:])) != cpu {
			continue
		}
		if types.CPUSubtype(binary.BigEndian.Uint32(e[4:]))&types.CpuSubtypeMask == sub&types.CpuSubtypeMask {
			return sliceRange(e, magic)
		}
		if fallback == nil {
			fallback = e
		}
	}
	if fallback != nil {
		return sliceRange(fallback, magic)
	}
	return 0, 0, false
}

func sliceRange(e []byte, magic types.Magic) (int64, int64, bool) {
	if magic == types.MagicFat64 {
		return int64(binary.BigEndian.Uint64(e[8:])), int64(binary.BigEndian.Uint64(e[16:])), true
	}
	return int64(binary.BigEndian.Uint32(e[8:])), int64(binary.BigEndian.Uint32(e[12:])), true
}

// expandPath replaces a leading @loader_path or @executable_path. It
// reports false for tokens that cannot be expanded in this context.
func (f *File) expandPath(p string) (string, bool) {
	switch {
	case strings.HasPrefix(p, "@loader_path"):
		if f.path == "" {
			return "", false
		}
		return filepath.Join(filepath.Dir(f.path), strings.TrimPrefix(p, "@loader_path")), true
	case strings.HasPrefix(p, "@executable_path"):
		base := f.res.execPath
		if base == "" {
			base = f.path
		}
		if base == "" {
			return "", false
		}
		return filepath.Join(filepath.Dir(base), strings.TrimPrefix(p, "@executable_path")), true
	case strings.HasPrefix(p, "@"):
		return "", false
	}
	return p, true
}

// dylibCandidates lists the paths dyld would try for name, in order.
func (f *File) dylibCandidates(name string) []string {
	var candidates []string
	if rest, ok := strings.CutPrefix(name, "@rpath/"); ok {
		// rpaths of this image come first, then those of the images that loaded it
		for img := f; img != nil; img = img.loader {
			for _, rp := range img.Rpaths() {
				if dir, ok := img.expandPath(rp.Path); ok {
					candidates = append(candidates, filepath.Join(dir, rest))
				}
			}
		}
		return candidates
	}
	p, ok := f.expandPath(name)
	if !ok {
		return nil
	}
	if filepath.IsAbs(p) {
		candidates = append(candidates, p)
		for _, dir := range f.res.search {
			candidates = append(candidates, filepath.Join(dir, filepath.Base(p)))
		}
		return candidates
	}
	for _, dir := range f.res.search {
		candidates = append(candidates, filepath.Join(dir, p))
	}
	return candidates
}

func (f *File) resolveDylib(name string) *File {
	for _, path := range f.dylibCandidates(name) {
		if img := f.res.open(path, f); img != nil {
			log.WithFields(log.Fields{"name": name, "path": path}).Debug("Resolved image reference")
			return img
		}
	}
	log.WithField("name", name).Debug("Image reference is unresolved")
	return nil
}

func (f *File) resolveFilesetEntry(e *FilesetEntry) *File {
	if f.dataSize > 0 && int64(e.Offset) >= f.dataSize {
		log.WithField("entry", e.EntryID).Debug("Fileset entry is outside the image")
		return nil
	}
	cfg := FileConfig{Offset: int64(e.Offset), Path: f.path}
	if f.dataSize > 0 {
		cfg.MaxSize = f.dataSize - int64(e.Offset)
	}
	img, err := newFile(f.dr, cfg, &parent{dr: f.dr, dataSize: f.dataSize, res: f.res, loader: f})
	if err != nil {
		log.WithError(err).WithField("entry", e.EntryID).Debug("Cannot parse fileset entry")
		return nil
	}
	return img
}
