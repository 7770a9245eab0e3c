//go:build darwin && cgo

package process

/*
#include <mach/mach.h>
#include <mach/task_info.h>

static kern_return_t mt_dyld_info(int pid, mach_vm_address_t *addr, mach_vm_size_t *size) {
	mach_port_t task = MACH_PORT_NULL;
	kern_return_t kr = task_for_pid(mach_task_self(), pid, &task);
	if (kr != KERN_SUCCESS) {
		return kr;
	}
	struct task_dyld_info info;
	mach_msg_type_number_t count = TASK_DYLD_INFO_COUNT;
	kr = task_info(task, TASK_DYLD_INFO, (task_info_t)&info, &count);
	if (kr == KERN_SUCCESS) {
		*addr = info.all_image_info_addr;
		*size = info.all_image_info_size;
	}
	mach_port_deallocate(mach_task_self(), task);
	return kr;
}
*/
import "C"

import (
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/appsworld/mtool/pkg/region"
)

const (
	imageInfoSize = 24 // dyld_image_info on 64-bit
	maxPathLen    = 1024
)

// remote reads the target process one region at a time.
type remote struct {
	pid int
	cur *region.Region
}

func (r *remote) read(addr uint64, n int) ([]byte, error) {
	if r.cur == nil || !r.cur.Contains(addr) {
		if r.cur != nil {
			r.cur.Close()
		}
		reg, err := region.OpenProcess(r.pid, addr, false)
		if err != nil {
			r.cur = nil
			return nil, err
		}
		r.cur = reg
	}
	off := addr - r.cur.SourceBase
	if rem := r.cur.Size - off; uint64(n) > rem {
		n = int(rem)
	}
	buf := make([]byte, n)
	if _, err := r.cur.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *remote) close() {
	if r.cur != nil {
		r.cur.Close()
	}
}

func images(pid int) ([]Image, error) {
	var addr C.mach_vm_address_t
	var size C.mach_vm_size_t
	if kr := C.mt_dyld_info(C.int(pid), &addr, &size); kr != C.KERN_SUCCESS {
		return nil, errors.Wrapf(region.ErrRegionUnavailable, "task_info(TASK_DYLD_INFO) failed: kern_return_t %d", int(kr))
	}

	r := &remote{pid: pid}
	defer r.close()

	// dyld_all_image_infos starts with version, infoArrayCount and infoArray
	hdr, err := r.read(uint64(addr), 16)
	if err != nil {
		return nil, err
	}
	if len(hdr) < 16 {
		return nil, errors.New("dyld_all_image_infos is truncated")
	}
	count := binary.LittleEndian.Uint32(hdr[4:])
	array := binary.LittleEndian.Uint64(hdr[8:])
	if array == 0 {
		// dyld is updating the list
		return nil, errors.New("image list is being modified, try again")
	}

	infos, err := r.read(array, int(count)*imageInfoSize)
	if err != nil {
		return nil, err
	}
	imgs := make([]Image, 0, count)
	for i := 0; i+imageInfoSize <= len(infos); i += imageInfoSize {
		img := Image{Base: binary.LittleEndian.Uint64(infos[i:])}
		if pathAddr := binary.LittleEndian.Uint64(infos[i+8:]); pathAddr != 0 {
			if b, err := r.read(pathAddr, maxPathLen); err == nil {
				img.Path = cstring(b)
			} else {
				log.WithError(err).Debugf("Cannot read image path at %#x", pathAddr)
			}
		}
		imgs = append(imgs, img)
	}
	return imgs, nil
}
