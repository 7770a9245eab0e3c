package macho

import (
	"github.com/pkg/errors"

	"github.com/appsworld/mtool/pkg/process"
	"github.com/appsworld/mtool/pkg/region"
)

// ImageInfo locates an image loaded into a running process.
type ImageInfo struct {
	PID  int
	Base uint64
	Path string
}

// ImageListFromProcess returns the images loaded into process pid.
func ImageListFromProcess(pid int) ([]ImageInfo, error) {
	imgs, err := process.Images(pid)
	if err != nil {
		return nil, err
	}
	infos := make([]ImageInfo, 0, len(imgs))
	for _, img := range imgs {
		infos = append(infos, ImageInfo{PID: pid, Base: img.Base, Path: img.Path})
	}
	return infos, nil
}

// OpenProcessImage parses the image at info.Base in the address space of
// info.PID. Reads are bounded by the mapping that contains the header, so
// segments outside it report ErrTruncatedImage when read.
func OpenProcessImage(info ImageInfo) (*File, error) {
	r, err := region.OpenProcess(info.PID, info.Base, false)
	if err != nil {
		return nil, err
	}
	off := int64(info.Base - r.SourceBase)
	f, err := newFile(r, FileConfig{
		Offset:   off,
		MaxSize:  int64(r.Size) - off,
		Path:     info.Path,
		InMemory: true,
	}, nil)
	if err != nil {
		r.Close()
		return nil, errors.Wrapf(err, "failed to parse image at %#x in pid %d", info.Base, info.PID)
	}
	f.closer = r
	return f, nil
}
