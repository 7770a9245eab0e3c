package fat

import (
	"math/bits"
	"sort"

	"github.com/pkg/errors"

	macho "github.com/appsworld/mtool"
	"github.com/appsworld/mtool/types"
)

const (
	alignBitMin32 uint32 = 2
	alignBitMin64 uint32 = 3
)

// Image is one architecture to place in a new archive.
type Image struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Align  uint32 // alignment shift, 0 for the architecture default
	Data   []byte
}

// ImageFromMachO builds an Image from a parsed image and its bytes.
func ImageFromMachO(f *macho.File, data []byte) Image {
	return Image{CPU: f.CPU, SubCPU: f.SubCPU, Align: segmentAlign(f), Data: data}
}

// ImageFromBytes parses data as a thin Mach-O image.
func ImageFromBytes(data []byte) (Image, error) {
	f, err := macho.OpenMemory(data, 0)
	if err != nil {
		return Image{}, errors.Wrapf(ErrUnrecognizedFormat, "%v", err)
	}
	return ImageFromMachO(f, data), nil
}

// segmentAlign derives an alignment shift from the segment addresses of f,
// falling back to the architecture page size when f has no segments.
func segmentAlign(f *macho.File) uint32 {
	segs := f.Segments()
	if len(segs) == 0 {
		return types.PageAlign(f.CPU)
	}
	cur := uint32(MaxAlign)
	for _, s := range segs {
		lo := alignBitMin64
		if s.Command() == types.LC_SEGMENT {
			lo = alignBitMin32
		}
		cur = min(cur, guessAlignBit(s.Addr, lo, MaxAlign))
	}
	return cur
}

// guessAlignBit returns the position of the lowest set bit of addr, clamped to [lo, hi].
func guessAlignBit(addr uint64, lo, hi uint32) uint32 {
	if addr == 0 {
		return hi
	}
	align := uint32(bits.TrailingZeros64(addr &^ 1))
	return max(lo, min(align, hi))
}

// lipoLess orders slices the way lipo does: arm64 last, otherwise by alignment.
func lipoLess(i, j Image) bool {
	if i.CPU == j.CPU {
		return i.SubCPU&types.CpuSubtypeMask < j.SubCPU&types.CpuSubtypeMask
	}
	if i.CPU == types.CPUArm64 {
		return false
	}
	if j.CPU == types.CPUArm64 {
		return true
	}
	return i.Align < j.Align
}

// Create builds an archive from images. When path is not empty the archive
// is written there and path becomes its backing store.
func Create(images []Image, is64 bool, path string) (*Archive, error) {
	if len(images) == 0 {
		return nil, errors.New("no images to archive")
	}
	sorted := make([]Image, len(images))
	copy(sorted, images)
	for i := range sorted {
		if sorted[i].Align == 0 {
			sorted[i].Align = types.PageAlign(sorted[i].CPU)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return lipoLess(sorted[i], sorted[j]) })

	type arch struct {
		cpu types.CPU
		sub types.CPUSubtype
	}
	seen := make(map[arch]bool)
	pend := make([]pendingEntry, 0, len(sorted))
	for _, img := range sorted {
		key := arch{img.CPU, img.SubCPU & types.CpuSubtypeMask}
		if seen[key] {
			return nil, errors.Errorf("duplicate architecture %s", types.ArchName(img.CPU, img.SubCPU))
		}
		seen[key] = true
		pend = append(pend, pendingEntry{cpu: img.CPU, sub: img.SubCPU, align: img.Align, data: img.Data})
	}

	a := New(is64)
	if err := a.commit(pend, is64); err != nil {
		return nil, err
	}
	if path != "" {
		if err := a.CopyTo(path); err != nil {
			return nil, err
		}
	}
	return a, nil
}
