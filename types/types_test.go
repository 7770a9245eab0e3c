package types

import (
	"strings"
	"testing"
)

func TestArchName(t *testing.T) {
	tests := []struct {
		cpu  CPU
		sub  CPUSubtype
		want string
	}{
		{CPUAmd64, CPUSubtypeX8664All, "x86_64"},
		{CPUAmd64, CPUSubtypeX86_64H, "x86_64h"},
		{CPU386, CPUSubtypeX86All, "i386"},
		{CPUArm64, CPUSubtypeArm64All, "arm64"},
		{CPUArm64, CPUSubtypeArm64E | CpuSubtypePtrauthAbi, "arm64e"},
		{CPUArm, CPUSubtypeArmV7S, "armv7s"},
		{CPUArm6432, CPUSubtypeArm6432V8, "arm64_32"},
		{CPUPpc64, CPUSubtypePpcAll, "ppc64"},
		{CPUSparc, 0, "sparc"},
		{CPU(0x1234), 0, Unknown},
	}
	for _, tt := range tests {
		if got := ArchName(tt.cpu, tt.sub); got != tt.want {
			t.Errorf("ArchName(%#x, %#x) = %q, want %q", uint32(tt.cpu), uint32(tt.sub), got, tt.want)
		}
	}
}

func TestArchFromName(t *testing.T) {
	for _, name := range []string{"x86_64", "x86_64h", "arm64", "arm64e", "armv7s", "i386", "ppc"} {
		cpu, sub, ok := ArchFromName(name)
		if !ok {
			t.Fatalf("ArchFromName(%q) not found", name)
		}
		if got := ArchName(cpu, sub); got != name {
			t.Errorf("ArchName(ArchFromName(%q)) = %q", name, got)
		}
	}
	if _, _, ok := ArchFromName("z80"); ok {
		t.Error("ArchFromName(z80) should not be found")
	}
}

func TestSubtypeNameIsScopedByCPU(t *testing.T) {
	if got := SubtypeName(CPUArm, CPUSubtypeArmV7S); got != "ARMv7s" {
		t.Errorf("arm subtype 11 = %q", got)
	}
	if got := SubtypeName(CPUArm64, CPUSubtypeArmV7S); got != Unknown {
		t.Errorf("arm64 subtype 11 = %q, want %q", got, Unknown)
	}
	if got := SubtypeName(CPUVax, 0); got != Unknown {
		t.Errorf("vax subtype = %q, want %q", got, Unknown)
	}
}

func TestCapabilitiesString(t *testing.T) {
	tests := []struct {
		cpu  CPU
		sub  CPUSubtype
		want string
	}{
		{CPUAmd64, CPUSubtypeX8664All, "none"},
		{CPUAmd64, CPUSubtypeX8664All | CpuSubtypeLib64, "lib64"},
		{CPUArm64, CPUSubtypeArm64E | CpuSubtypePtrauthAbiUser, "ptrauth-user, ptrauth-abi-v0"},
		{CPUArm64, CPUSubtypeArm64E | CpuSubtypePtrauthAbiKernel | 0x01000000, "ptrauth-kernel, ptrauth-abi-v1"},
		{CPUArm64, CPUSubtypeArm64E | 0xc2000000, "ptrauth-user, ptrauth-kernel, ptrauth-abi-v2"},
		{CPUPpc, 0x10000000, "0x10000000"},
	}
	for _, tt := range tests {
		if got := CapabilitiesString(tt.cpu, tt.sub); got != tt.want {
			t.Errorf("CapabilitiesString(%s, %#x) = %q, want %q", tt.cpu, uint32(tt.sub), got, tt.want)
		}
	}
}

func TestNamesAreTotal(t *testing.T) {
	if got := LC_RPATH.String(); got != "LC_RPATH" {
		t.Errorf("LC_RPATH = %q", got)
	}
	if got := LoadCmd(0x7777).String(); got != Unknown {
		t.Errorf("LoadCmd(0x7777) = %q", got)
	}
	if got := MH_FILESET.String(); got != "FILESET" {
		t.Errorf("MH_FILESET = %q", got)
	}
	if got := HeaderFileType(0x99).String(); got != Unknown {
		t.Errorf("HeaderFileType(0x99) = %q", got)
	}
	if got := CPU(0x99).String(); got != Unknown {
		t.Errorf("CPU(0x99) = %q", got)
	}
}

func TestVmProtectionString(t *testing.T) {
	tests := []struct {
		prot VmProtection
		want string
	}{
		{VM_PROT_READ | VM_PROT_EXECUTE, "r-x"},
		{VM_PROT_DEFAULT, "rw-"},
		{VM_PROT_DEFAULT | VM_PROT_SLIDE | VM_PROT_NOAUTH, "rw-(slide,noauth)"},
	}
	for _, tt := range tests {
		if got := tt.prot.String(); got != tt.want {
			t.Errorf("%#x.String() = %q, want %q", int32(tt.prot), got, tt.want)
		}
	}
}

func TestCurrentMachine(t *testing.T) {
	cpu, _, err := CurrentMachine()
	if err != nil {
		t.Skipf("machine not detectable: %v", err)
	}
	if cpu.String() == Unknown {
		t.Errorf("CurrentMachine returned unnamed cpu %#x", uint32(cpu))
	}
}

func TestPlatformFromName(t *testing.T) {
	for _, name := range []string{"macOS", "macos", "iOS Simulator"} {
		p, ok := PlatformFromName(name)
		if !ok || !strings.EqualFold(p.String(), name) {
			t.Errorf("PlatformFromName(%q) = %s, %v", name, p, ok)
		}
	}
	if _, ok := PlatformFromName("plan9"); ok {
		t.Error("PlatformFromName(plan9) succeeded")
	}
}
