//go:build darwin

package process

import (
	"bytes"

	"golang.org/x/sys/unix"
)

func list() ([]Process, error) {
	kps, err := unix.SysctlKinfoProcSlice("kern.proc.all")
	if err != nil {
		return nil, err
	}
	procs := make([]Process, 0, len(kps))
	for _, kp := range kps {
		pid := int(kp.Proc.P_pid)
		procs = append(procs, Process{
			PID:  pid,
			Name: cstring(kp.Proc.P_comm[:]),
			Path: execPath(pid),
		})
	}
	return procs, nil
}

// execPath reads the executable path that follows argc in kern.procargs2.
func execPath(pid int) string {
	buf, err := unix.SysctlRaw("kern.procargs2", pid)
	if err != nil || len(buf) < 4 {
		return ""
	}
	return cstring(buf[4:])
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
