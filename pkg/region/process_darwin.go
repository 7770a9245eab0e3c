//go:build darwin && cgo

package region

/*
#include <stdlib.h>
#include <mach/mach.h>
#include <mach/mach_vm.h>

static kern_return_t mt_task_for_pid(int pid, mach_port_t *task) {
	return task_for_pid(mach_task_self(), pid, task);
}

static kern_return_t mt_region(mach_port_t task, mach_vm_address_t *addr, mach_vm_size_t *size, int *prot) {
	vm_region_basic_info_data_64_t info;
	mach_msg_type_number_t count = VM_REGION_BASIC_INFO_COUNT_64;
	mach_port_t object = MACH_PORT_NULL;
	kern_return_t kr = mach_vm_region(task, addr, size, VM_REGION_BASIC_INFO_64, (vm_region_info_t)&info, &count, &object);
	if (kr == KERN_SUCCESS) {
		*prot = info.protection;
	}
	return kr;
}

static kern_return_t mt_read(mach_port_t task, mach_vm_address_t addr, void *buf, mach_vm_size_t size, mach_vm_size_t *out) {
	return mach_vm_read_overwrite(task, addr, size, (mach_vm_address_t)buf, out);
}

static kern_return_t mt_write(mach_port_t task, mach_vm_address_t addr, void *buf, mach_msg_type_number_t size) {
	return mach_vm_write(task, addr, (vm_offset_t)buf, size);
}

static kern_return_t mt_release(mach_port_t task) {
	return mach_port_deallocate(mach_task_self(), task);
}
*/
import "C"

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/appsworld/mtool/types"
)

type machTask struct {
	task C.mach_port_t
}

func (t *machTask) readAt(p []byte, addr uint64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var out C.mach_vm_size_t
	kr := C.mt_read(t.task, C.mach_vm_address_t(addr), unsafe.Pointer(&p[0]), C.mach_vm_size_t(len(p)), &out)
	if kr != C.KERN_SUCCESS {
		return int(out), errors.Errorf("mach_vm_read_overwrite failed: kern_return_t %d", int(kr))
	}
	return int(out), nil
}

func (t *machTask) writeAt(p []byte, addr uint64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	kr := C.mt_write(t.task, C.mach_vm_address_t(addr), unsafe.Pointer(&p[0]), C.mach_msg_type_number_t(len(p)))
	if kr != C.KERN_SUCCESS {
		return 0, errors.Errorf("mach_vm_write failed: kern_return_t %d", int(kr))
	}
	return len(p), nil
}

func (t *machTask) close() error {
	if kr := C.mt_release(t.task); kr != C.KERN_SUCCESS {
		return errors.Errorf("mach_port_deallocate failed: kern_return_t %d", int(kr))
	}
	return nil
}

func openProcess(pid int, containing uint64, writable bool) (*Region, error) {
	var task C.mach_port_t
	if kr := C.mt_task_for_pid(C.int(pid), &task); kr != C.KERN_SUCCESS {
		return nil, errors.Wrapf(ErrRegionUnavailable, "task_for_pid(%d) failed: kern_return_t %d", pid, int(kr))
	}
	t := &machTask{task: task}

	addr := C.mach_vm_address_t(containing)
	var size C.mach_vm_size_t
	var prot C.int
	if kr := C.mt_region(task, &addr, &size, &prot); kr != C.KERN_SUCCESS {
		t.close()
		return nil, errors.Wrapf(ErrRegionUnavailable, "mach_vm_region(%#x) in pid %d failed: kern_return_t %d", containing, pid, int(kr))
	}
	// mach_vm_region returns the next region when the address is unmapped
	if uint64(addr) > containing {
		t.close()
		return nil, errors.Wrapf(ErrRegionUnavailable, "address %#x is not mapped in pid %d", containing, pid)
	}
	vmProt := types.VmProtection(prot)
	return &Region{
		Kind:       Process,
		SourceBase: uint64(addr),
		Size:       uint64(size),
		Protection: vmProt,
		PID:        pid,
		writable:   writable && vmProt.Write(),
		proc:       t,
	}, nil
}
