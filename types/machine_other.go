//go:build !darwin

package types

import (
	"runtime"

	"github.com/pkg/errors"
)

// CurrentMachine returns the cpu type/subtype pair matching the running GOARCH.
func CurrentMachine() (CPU, CPUSubtype, error) {
	switch runtime.GOARCH {
	case "amd64":
		return CPUAmd64, CPUSubtypeX8664All, nil
	case "386":
		return CPU386, CPUSubtypeX86All, nil
	case "arm64":
		return CPUArm64, CPUSubtypeArm64All, nil
	case "arm":
		return CPUArm, CPUSubtypeArmV7, nil
	case "ppc64", "ppc64le":
		return CPUPpc64, CPUSubtypePpcAll, nil
	}
	return 0, 0, errors.Errorf("unable to detect machine type for GOARCH %q", runtime.GOARCH)
}
