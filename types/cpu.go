package types

import (
	"fmt"
	"strings"
)

// A CPU is a Mach-O cpu type.
type CPU uint32

const (
	cpuArchMask = 0xff000000 //  mask for architecture bits
	cpuArch64   = 0x01000000 // 64 bit ABI
	cpuArch6432 = 0x02000000 // ABI for 64-bit hardware with 32-bit types; LP32
)

const (
	CPUAny     CPU = 0xffffffff // -1
	CPUVax     CPU = 1
	CPURomp    CPU = 2
	CPUNs32032 CPU = 4
	CPUNs32332 CPU = 5
	CPUMc680x0 CPU = 6
	CPU386     CPU = 7
	CPUAmd64   CPU = CPU386 | cpuArch64
	CPUMips    CPU = 8
	CPUNs32532 CPU = 9
	CPUMc98000 CPU = 10
	CPUHppa    CPU = 11
	CPUArm     CPU = 12
	CPUArm64   CPU = CPUArm | cpuArch64
	CPUArm6432 CPU = CPUArm | cpuArch6432
	CPUMc88000 CPU = 13
	CPUSparc   CPU = 14
	CPUI860    CPU = 15
	CPUAlpha   CPU = 16
	CPURs6000  CPU = 17
	CPUPpc     CPU = 18
	CPUPpc64   CPU = CPUPpc | cpuArch64
	CPUVeo     CPU = 255
)

var cpuStrings = []intName{
	{uint32(CPUAny), "any"},
	{uint32(CPUVax), "vax"},
	{uint32(CPURomp), "romp"},
	{uint32(CPUNs32032), "ns32032"},
	{uint32(CPUNs32332), "ns32332"},
	{uint32(CPUMc680x0), "m68k"},
	{uint32(CPU386), "i386"},
	{uint32(CPUAmd64), "x86_64"},
	{uint32(CPUMips), "mips"},
	{uint32(CPUNs32532), "ns32532"},
	{uint32(CPUMc98000), "m98k"},
	{uint32(CPUHppa), "hppa"},
	{uint32(CPUArm), "arm"},
	{uint32(CPUArm64), "arm64"},
	{uint32(CPUArm6432), "arm64_32"},
	{uint32(CPUMc88000), "m88k"},
	{uint32(CPUSparc), "sparc"},
	{uint32(CPUI860), "i860"},
	{uint32(CPUAlpha), "alpha"},
	{uint32(CPURs6000), "rs6000"},
	{uint32(CPUPpc), "ppc"},
	{uint32(CPUPpc64), "ppc64"},
	{uint32(CPUVeo), "veo"},
}

func (i CPU) String() string   { return stringName(uint32(i), cpuStrings, false) }
func (i CPU) GoString() string { return stringName(uint32(i), cpuStrings, true) }

// Is64Bit reports whether the cpu type uses the 64-bit ABI.
func (i CPU) Is64Bit() bool { return i != CPUAny && i&cpuArch64 != 0 }

type CPUSubtype uint32

// X86 subtypes
const (
	CPUSubtypeX86All   CPUSubtype = 3
	CPUSubtypeX8664All CPUSubtype = 3
	CPUSubtypeX86Arch1 CPUSubtype = 4
	CPUSubtypeX86_64H  CPUSubtype = 8
)

// ARM subtypes
const (
	CPUSubtypeArmAll    CPUSubtype = 0
	CPUSubtypeArmV4T    CPUSubtype = 5
	CPUSubtypeArmV6     CPUSubtype = 6
	CPUSubtypeArmV5Tej  CPUSubtype = 7
	CPUSubtypeArmXscale CPUSubtype = 8
	CPUSubtypeArmV7     CPUSubtype = 9
	CPUSubtypeArmV7F    CPUSubtype = 10
	CPUSubtypeArmV7S    CPUSubtype = 11
	CPUSubtypeArmV7K    CPUSubtype = 12
	CPUSubtypeArmV8     CPUSubtype = 13
	CPUSubtypeArmV6M    CPUSubtype = 14
	CPUSubtypeArmV7M    CPUSubtype = 15
	CPUSubtypeArmV7Em   CPUSubtype = 16
	CPUSubtypeArmV8M    CPUSubtype = 17
)

// ARM64 subtypes
const (
	CPUSubtypeArm64All CPUSubtype = 0
	CPUSubtypeArm64V8  CPUSubtype = 1
	CPUSubtypeArm64E   CPUSubtype = 2
)

// ARM64_32 subtypes
const (
	CPUSubtypeArm6432All CPUSubtype = 0
	CPUSubtypeArm6432V8  CPUSubtype = 1
)

// PowerPC subtypes
const (
	CPUSubtypePpcAll   CPUSubtype = 0
	CPUSubtypePpc601   CPUSubtype = 1
	CPUSubtypePpc603   CPUSubtype = 3
	CPUSubtypePpc603e  CPUSubtype = 4
	CPUSubtypePpc603ev CPUSubtype = 5
	CPUSubtypePpc604   CPUSubtype = 6
	CPUSubtypePpc604e  CPUSubtype = 7
	CPUSubtypePpc750   CPUSubtype = 9
	CPUSubtypePpc7400  CPUSubtype = 10
	CPUSubtypePpc7450  CPUSubtype = 11
	CPUSubtypePpc970   CPUSubtype = 100
)

// Capability bits used in the definition of cpu_subtype.
const (
	CpuSubtypeFeatureMask      CPUSubtype = 0xff000000                         /* mask for feature flags */
	CpuSubtypeMask                        = CPUSubtype(^CpuSubtypeFeatureMask) /* mask for cpu subtype */
	CpuSubtypeLib64            CPUSubtype = 0x80000000                         /* 64 bit libraries */
	CpuSubtypePtrauthAbi       CPUSubtype = 0x80000000                         /* pointer authentication with versioned ABI */
	CpuSubtypePtrauthAbiUser   CPUSubtype = 0x80000000                         /* userspace half of the arm64e ABI split */
	CpuSubtypePtrauthAbiKernel CPUSubtype = 0x40000000                         /* kernel half of the arm64e ABI split */
	CpuSubtypeArm64PtrAuthMask CPUSubtype = 0x0f000000
)

var cpuSubtypeX86Strings = []intName{
	{uint32(CPUSubtypeX86All), "x86_64"},
	{uint32(CPUSubtypeX86Arch1), "x86 Arch1"},
	{uint32(CPUSubtypeX86_64H), "x86_64 (Haswell)"},
}
var cpuSubtypeI386Strings = []intName{
	{uint32(CPUSubtypeX86All), "i386"},
	{4, "i486"},
	{0x84, "i486sx"},
	{5, "i586"},
	{0x16, "pentpro"},
	{0x36, "pentIIm3"},
	{0x56, "pentIIm5"},
}
var cpuSubtypeArmStrings = []intName{
	{uint32(CPUSubtypeArmAll), "ArmAll"},
	{uint32(CPUSubtypeArmV4T), "ARMv4t"},
	{uint32(CPUSubtypeArmV6), "ARMv6"},
	{uint32(CPUSubtypeArmV5Tej), "ARMv5tej"},
	{uint32(CPUSubtypeArmXscale), "ARMXScale"},
	{uint32(CPUSubtypeArmV7), "ARMv7"},
	{uint32(CPUSubtypeArmV7F), "ARMv7f"},
	{uint32(CPUSubtypeArmV7S), "ARMv7s"},
	{uint32(CPUSubtypeArmV7K), "ARMv7k"},
	{uint32(CPUSubtypeArmV8), "ARMv8"},
	{uint32(CPUSubtypeArmV6M), "ARMv6m"},
	{uint32(CPUSubtypeArmV7M), "ARMv7m"},
	{uint32(CPUSubtypeArmV7Em), "ARMv7em"},
	{uint32(CPUSubtypeArmV8M), "ARMv8m"},
}
var cpuSubtypeArm64Strings = []intName{
	{uint32(CPUSubtypeArm64All), "ARM64"},
	{uint32(CPUSubtypeArm64V8), "ARM64 (ARMv8)"},
	{uint32(CPUSubtypeArm64E), "ARM64e (ARMv8.3)"},
}
var cpuSubtypeArm6432Strings = []intName{
	{uint32(CPUSubtypeArm6432All), "ARM64_32"},
	{uint32(CPUSubtypeArm6432V8), "ARM64_32 (ARMv8)"},
}
var cpuSubtypePpcStrings = []intName{
	{uint32(CPUSubtypePpcAll), "PowerPC"},
	{uint32(CPUSubtypePpc601), "PowerPC 601"},
	{uint32(CPUSubtypePpc603), "PowerPC 603"},
	{uint32(CPUSubtypePpc603e), "PowerPC 603e"},
	{uint32(CPUSubtypePpc603ev), "PowerPC 603ev"},
	{uint32(CPUSubtypePpc604), "PowerPC 604"},
	{uint32(CPUSubtypePpc604e), "PowerPC 604e"},
	{uint32(CPUSubtypePpc750), "PowerPC 750"},
	{uint32(CPUSubtypePpc7400), "PowerPC 7400"},
	{uint32(CPUSubtypePpc7450), "PowerPC 7450"},
	{uint32(CPUSubtypePpc970), "PowerPC 970"},
}

func subtypeTable(cpu CPU) []intName {
	switch cpu {
	case CPU386:
		return cpuSubtypeI386Strings
	case CPUAmd64:
		return cpuSubtypeX86Strings
	case CPUArm:
		return cpuSubtypeArmStrings
	case CPUArm64:
		return cpuSubtypeArm64Strings
	case CPUArm6432:
		return cpuSubtypeArm6432Strings
	case CPUPpc, CPUPpc64:
		return cpuSubtypePpcStrings
	}
	return nil
}

// String returns the name of the subtype for the given cpu; a subtype has no meaning on its own.
func (st CPUSubtype) String(cpu CPU) string {
	return stringName(uint32(st&CpuSubtypeMask), subtypeTable(cpu), false)
}

func (st CPUSubtype) GoString(cpu CPU) string {
	return stringName(uint32(st&CpuSubtypeMask), subtypeTable(cpu), true)
}

// Caps returns the capability string for the subtype's feature bits.
func (st CPUSubtype) Caps(cpu CPU) string {
	return CapabilitiesString(cpu, st)
}

// SubtypeName returns the name of sub as interpreted for cpu.
func SubtypeName(cpu CPU, sub CPUSubtype) string {
	return sub.String(cpu)
}

// CapabilitiesString decodes the feature byte of a cpu subtype.
//
// On arm64 the pointer authentication ABI bit is split into a user and a
// kernel half, both of which are reported, along with the ABI version.
func CapabilitiesString(cpu CPU, sub CPUSubtype) string {
	caps := sub & CpuSubtypeFeatureMask
	if caps == 0 {
		return "none"
	}
	var parts []string
	switch cpu {
	case CPUArm64:
		if caps&CpuSubtypePtrauthAbiUser != 0 {
			parts = append(parts, "ptrauth-user")
		}
		if caps&CpuSubtypePtrauthAbiKernel != 0 {
			parts = append(parts, "ptrauth-kernel")
		}
		if caps&(CpuSubtypePtrauthAbiUser|CpuSubtypePtrauthAbiKernel) != 0 || caps&CpuSubtypeArm64PtrAuthMask != 0 {
			parts = append(parts, fmt.Sprintf("ptrauth-abi-v%d", (caps&CpuSubtypeArm64PtrAuthMask)>>24))
		}
		caps &^= CpuSubtypePtrauthAbiUser | CpuSubtypePtrauthAbiKernel | CpuSubtypeArm64PtrAuthMask
	default:
		if caps&CpuSubtypeLib64 != 0 {
			parts = append(parts, "lib64")
			caps &^= CpuSubtypeLib64
		}
	}
	if caps != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(caps)))
	}
	return strings.Join(parts, ", ")
}

type archName struct {
	cpu  CPU
	sub  CPUSubtype
	name string
}

// lipo(1) names
var archNames = []archName{
	{CPU386, CPUSubtypeX86All, "i386"},
	{CPUAmd64, CPUSubtypeX8664All, "x86_64"},
	{CPUAmd64, CPUSubtypeX86_64H, "x86_64h"},
	{CPUArm, CPUSubtypeArmAll, "arm"},
	{CPUArm, CPUSubtypeArmV4T, "armv4t"},
	{CPUArm, CPUSubtypeArmV5Tej, "armv5"},
	{CPUArm, CPUSubtypeArmV6, "armv6"},
	{CPUArm, CPUSubtypeArmXscale, "xscale"},
	{CPUArm, CPUSubtypeArmV7, "armv7"},
	{CPUArm, CPUSubtypeArmV7F, "armv7f"},
	{CPUArm, CPUSubtypeArmV7S, "armv7s"},
	{CPUArm, CPUSubtypeArmV7K, "armv7k"},
	{CPUArm, CPUSubtypeArmV6M, "armv6m"},
	{CPUArm, CPUSubtypeArmV7M, "armv7m"},
	{CPUArm, CPUSubtypeArmV7Em, "armv7em"},
	{CPUArm, CPUSubtypeArmV8, "armv8"},
	{CPUArm64, CPUSubtypeArm64All, "arm64"},
	{CPUArm64, CPUSubtypeArm64V8, "arm64v8"},
	{CPUArm64, CPUSubtypeArm64E, "arm64e"},
	{CPUArm6432, CPUSubtypeArm6432All, "arm64_32"},
	{CPUArm6432, CPUSubtypeArm6432V8, "arm64_32"},
	{CPUPpc, CPUSubtypePpcAll, "ppc"},
	{CPUPpc, CPUSubtypePpc601, "ppc601"},
	{CPUPpc, CPUSubtypePpc603, "ppc603"},
	{CPUPpc, CPUSubtypePpc603e, "ppc603e"},
	{CPUPpc, CPUSubtypePpc603ev, "ppc603ev"},
	{CPUPpc, CPUSubtypePpc604, "ppc604"},
	{CPUPpc, CPUSubtypePpc604e, "ppc604e"},
	{CPUPpc, CPUSubtypePpc750, "ppc750"},
	{CPUPpc, CPUSubtypePpc7400, "ppc7400"},
	{CPUPpc, CPUSubtypePpc7450, "ppc7450"},
	{CPUPpc, CPUSubtypePpc970, "ppc970"},
	{CPUPpc64, CPUSubtypePpcAll, "ppc64"},
	{CPUPpc64, CPUSubtypePpc970, "ppc970-64"},
}

// ArchName returns the lipo style architecture name of a cpu type/subtype pair.
func ArchName(cpu CPU, sub CPUSubtype) string {
	for _, a := range archNames {
		if a.cpu == cpu && a.sub == sub&CpuSubtypeMask {
			return a.name
		}
	}
	if name, ok := lookupName(uint32(cpu), cpuStrings); ok {
		return name
	}
	return Unknown
}

// ArchFromName is the inverse of ArchName.
func ArchFromName(name string) (CPU, CPUSubtype, bool) {
	for _, a := range archNames {
		if a.name == name {
			return a.cpu, a.sub, true
		}
	}
	for _, n := range cpuStrings {
		if n.s == name && CPU(n.i) != CPUAny {
			return CPU(n.i), 0, true
		}
	}
	return 0, 0, false
}

// PageAlign returns the page size alignment (as a power of two) used by the linker for cpu.
func PageAlign(cpu CPU) uint32 {
	switch cpu {
	case CPUArm, CPUArm64, CPUArm6432:
		return 14
	default:
		return 12
	}
}
