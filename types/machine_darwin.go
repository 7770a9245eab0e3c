//go:build darwin

package types

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CurrentMachine returns the cpu type/subtype pair of the running host.
func CurrentMachine() (CPU, CPUSubtype, error) {
	cpu, err := unix.SysctlUint32("hw.cputype")
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to read hw.cputype")
	}
	sub, err := unix.SysctlUint32("hw.cpusubtype")
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to read hw.cpusubtype")
	}
	c := CPU(cpu)
	// hw.cputype reports the 32-bit family on 64-bit capable hosts
	if is64, err := unix.SysctlUint32("hw.cpu64bit_capable"); err == nil && is64 == 1 {
		c |= cpuArch64
	}
	return c, CPUSubtype(sub), nil
}
