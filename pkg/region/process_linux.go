//go:build linux

package region

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/appsworld/mtool/types"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start    uint64
	End      uint64 // exclusive
	Prot     types.VmProtection
	Shared   bool
	Offset   uint64
	Inode    uint64
	PathName string
}

// ReadMaps parses /proc/<pid>/maps.
func ReadMaps(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var maps []Mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m, err := parseMapsLine(scanner.Text())
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	return maps, scanner.Err()
}

func parseMapsLine(line string) (Mapping, error) {
	var m Mapping
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return m, errors.Errorf("malformed maps line %q", line)
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return m, errors.Errorf("malformed address range %q", fields[0])
	}
	var err error
	if m.Start, err = strconv.ParseUint(addrs[0], 16, 64); err != nil {
		return m, errors.Wrapf(err, "bad start address %q", addrs[0])
	}
	if m.End, err = strconv.ParseUint(addrs[1], 16, 64); err != nil {
		return m, errors.Wrapf(err, "bad end address %q", addrs[1])
	}
	perms := fields[1]
	if len(perms) >= 4 {
		if perms[0] == 'r' {
			m.Prot |= types.VM_PROT_READ
		}
		if perms[1] == 'w' {
			m.Prot |= types.VM_PROT_WRITE
		}
		if perms[2] == 'x' {
			m.Prot |= types.VM_PROT_EXECUTE
		}
		m.Shared = perms[3] == 's'
	}
	if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return m, errors.Wrapf(err, "bad offset %q", fields[2])
	}
	if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return m, errors.Wrapf(err, "bad inode %q", fields[4])
	}
	if len(fields) > 5 {
		m.PathName = strings.Join(fields[5:], " ")
	}
	return m, nil
}

type linuxProcess struct {
	pid int
}

func (p *linuxProcess) readAt(b []byte, addr uint64) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &b[0]}}
	local[0].SetLen(len(b))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(b)}}
	return unix.ProcessVMReadv(p.pid, local, remote, 0)
}

func (p *linuxProcess) writeAt(b []byte, addr uint64) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &b[0]}}
	local[0].SetLen(len(b))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(b)}}
	return unix.ProcessVMWritev(p.pid, local, remote, 0)
}

func (p *linuxProcess) close() error { return nil }

func openProcess(pid int, containing uint64, writable bool) (*Region, error) {
	maps, err := ReadMaps(pid)
	if err != nil {
		return nil, errors.Wrapf(ErrRegionUnavailable, "pid %d: %v", pid, err)
	}
	for _, m := range maps {
		if containing < m.Start || containing >= m.End {
			continue
		}
		return &Region{
			Kind:       Process,
			SourceBase: m.Start,
			Size:       m.End - m.Start,
			Protection: m.Prot,
			PID:        pid,
			writable:   writable && m.Prot.Write(),
			proc:       &linuxProcess{pid: pid},
		}, nil
	}
	return nil, errors.Wrapf(ErrRegionUnavailable, "address %#x is not mapped in pid %d", containing, pid)
}
