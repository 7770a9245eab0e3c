package types

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Unknown is returned by every name lookup in this package for values it does not know.
const Unknown = "unknown"

type intName struct {
	i uint32
	s string
}

func lookupName(i uint32, names []intName) (string, bool) {
	for _, n := range names {
		if n.i == i {
			return n.s, true
		}
	}
	return "", false
}

func stringName(i uint32, names []intName, goSyntax bool) string {
	if s, ok := lookupName(i, names); ok {
		if goSyntax {
			return "types." + s
		}
		return s
	}
	if goSyntax {
		return "0x" + strconv.FormatUint(uint64(i), 16)
	}
	return Unknown
}

type VmProtection int32

const (
	VM_PROT_NONE    VmProtection = 0x00
	VM_PROT_READ    VmProtection = 0x01
	VM_PROT_WRITE   VmProtection = 0x02
	VM_PROT_EXECUTE VmProtection = 0x04
	// shared region modifiers (mach/shared_region.h)
	VM_PROT_COW    VmProtection = 0x08
	VM_PROT_ZF     VmProtection = 0x10
	VM_PROT_SLIDE  VmProtection = 0x20
	VM_PROT_NOAUTH VmProtection = 0x40

	VM_PROT_DEFAULT = VM_PROT_READ | VM_PROT_WRITE
	VM_PROT_ALL     = VM_PROT_READ | VM_PROT_WRITE | VM_PROT_EXECUTE
)

func (v VmProtection) Read() bool {
	return (v & VM_PROT_READ) != 0
}

func (v VmProtection) Write() bool {
	return (v & VM_PROT_WRITE) != 0
}

func (v VmProtection) Execute() bool {
	return (v & VM_PROT_EXECUTE) != 0
}

// Access strips everything but the read/write/execute bits.
func (v VmProtection) Access() VmProtection {
	return v & VM_PROT_ALL
}

func (v VmProtection) String() string {
	var protStr string
	if v.Read() {
		protStr += "r"
	} else {
		protStr += "-"
	}
	if v.Write() {
		protStr += "w"
	} else {
		protStr += "-"
	}
	if v.Execute() {
		protStr += "x"
	} else {
		protStr += "-"
	}
	var mods []string
	if v&VM_PROT_SLIDE != 0 {
		mods = append(mods, "slide")
	}
	if v&VM_PROT_NOAUTH != 0 {
		mods = append(mods, "noauth")
	}
	if len(mods) > 0 {
		protStr += "(" + strings.Join(mods, ",") + ")"
	}
	return protStr
}

// UUID is a macho uuid object
type UUID [16]byte

func (u UUID) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X-%02X%02X-%02X%02X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		u[0], u[1], u[2], u[3], u[4], u[5], u[6], u[7], u[8], u[9], u[10], u[11], u[12], u[13], u[14], u[15])
}

func (u UUID) IsNull() bool {
	return u == UUID{}
}

// Platform is a macho platform object
type Platform uint32

const (
	PLATFORM_UNKNOWN           Platform = 0
	PLATFORM_MACOS             Platform = 1
	PLATFORM_IOS               Platform = 2
	PLATFORM_TVOS              Platform = 3
	PLATFORM_WATCHOS           Platform = 4
	PLATFORM_BRIDGEOS          Platform = 5
	PLATFORM_MACCATALYST       Platform = 6
	PLATFORM_IOSSIMULATOR      Platform = 7
	PLATFORM_TVOSSIMULATOR     Platform = 8
	PLATFORM_WATCHOSSIMULATOR  Platform = 9
	PLATFORM_DRIVERKIT         Platform = 10
	PLATFORM_VISIONOS          Platform = 11
	PLATFORM_VISIONOSSIMULATOR Platform = 12
)

var platformStrings = []intName{
	{uint32(PLATFORM_MACOS), "macOS"},
	{uint32(PLATFORM_IOS), "iOS"},
	{uint32(PLATFORM_TVOS), "tvOS"},
	{uint32(PLATFORM_WATCHOS), "watchOS"},
	{uint32(PLATFORM_BRIDGEOS), "bridgeOS"},
	{uint32(PLATFORM_MACCATALYST), "macCatalyst"},
	{uint32(PLATFORM_IOSSIMULATOR), "iOS Simulator"},
	{uint32(PLATFORM_TVOSSIMULATOR), "tvOS Simulator"},
	{uint32(PLATFORM_WATCHOSSIMULATOR), "watchOS Simulator"},
	{uint32(PLATFORM_DRIVERKIT), "DriverKit"},
	{uint32(PLATFORM_VISIONOS), "visionOS"},
	{uint32(PLATFORM_VISIONOSSIMULATOR), "visionOS Simulator"},
}

func (p Platform) String() string { return stringName(uint32(p), platformStrings, false) }

// PlatformFromName returns the platform whose name matches name, ignoring case.
func PlatformFromName(name string) (Platform, bool) {
	for _, n := range platformStrings {
		if strings.EqualFold(n.s, name) {
			return Platform(n.i), true
		}
	}
	return PLATFORM_UNKNOWN, false
}

type Version uint32

func (v Version) String() string {
	s := make([]byte, 4)
	binary.BigEndian.PutUint32(s, uint32(v))
	return fmt.Sprintf("%d.%d.%d", binary.BigEndian.Uint16(s[:2]), s[2], s[3])
}

type SrcVersion uint64

func (sv SrcVersion) String() string {
	a := sv >> 40
	b := (sv >> 30) & 0x3ff
	c := (sv >> 20) & 0x3ff
	d := (sv >> 10) & 0x3ff
	e := sv & 0x3ff
	return fmt.Sprintf("%d.%d.%d.%d.%d", a, b, c, d, e)
}

type Tool uint32

const (
	TOOL_CLANG Tool = 1
	TOOL_SWIFT Tool = 2
	TOOL_LD    Tool = 3
	TOOL_LLD   Tool = 4
)

var toolStrings = []intName{
	{uint32(TOOL_CLANG), "clang"},
	{uint32(TOOL_SWIFT), "swift"},
	{uint32(TOOL_LD), "ld"},
	{uint32(TOOL_LLD), "lld"},
}

func (t Tool) String() string { return stringName(uint32(t), toolStrings, false) }

type BuildToolVersion struct {
	Tool    Tool    /* enum for the tool */
	Version Version /* version number of the tool */
}

// PutAtMost16Bytes copies at most 16 bytes of name into b, zero filling the rest.
func PutAtMost16Bytes(b []byte, n string) {
	for i := range b[:16] {
		if i < len(n) {
			b[i] = n[i]
		} else {
			b[i] = 0
		}
	}
}
