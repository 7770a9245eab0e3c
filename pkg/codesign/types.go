package codesign

import "fmt"

type Magic uint32

const (
	MAGIC_REQUIREMENT               Magic = 0xfade0c00 // single Requirement blob
	MAGIC_REQUIREMENTS              Magic = 0xfade0c01 // Requirements vector (internal requirements)
	MAGIC_CODEDIRECTORY             Magic = 0xfade0c02 // CodeDirectory blob
	MAGIC_EMBEDDED_SIGNATURE        Magic = 0xfade0cc0 // embedded form of signature data
	MAGIC_DETACHED_SIGNATURE        Magic = 0xfade0cc1 // multi-arch collection of embedded signatures
	MAGIC_EMBEDDED_ENTITLEMENTS     Magic = 0xfade7171 // embedded entitlements
	MAGIC_EMBEDDED_ENTITLEMENTS_DER Magic = 0xfade7172 // embedded entitlements (DER)
	MAGIC_BLOBWRAPPER               Magic = 0xfade0b01 // used for the cms blob
)

func (m Magic) String() string {
	switch m {
	case MAGIC_REQUIREMENT:
		return "Requirement"
	case MAGIC_REQUIREMENTS:
		return "Requirements"
	case MAGIC_CODEDIRECTORY:
		return "CodeDirectory"
	case MAGIC_EMBEDDED_SIGNATURE:
		return "Embedded Signature"
	case MAGIC_DETACHED_SIGNATURE:
		return "Detached Signature"
	case MAGIC_EMBEDDED_ENTITLEMENTS:
		return "Embedded Entitlements"
	case MAGIC_EMBEDDED_ENTITLEMENTS_DER:
		return "Embedded Entitlements (DER)"
	case MAGIC_BLOBWRAPPER:
		return "Blob Wrapper"
	}
	return fmt.Sprintf("Magic(%#x)", uint32(m))
}

type SlotType uint32

const (
	CSSLOT_CODEDIRECTORY                 SlotType = 0
	CSSLOT_INFOSLOT                      SlotType = 1
	CSSLOT_REQUIREMENTS                  SlotType = 2
	CSSLOT_RESOURCEDIR                   SlotType = 3
	CSSLOT_APPLICATION                   SlotType = 4
	CSSLOT_ENTITLEMENTS                  SlotType = 5
	CSSLOT_REP_SPECIFIC                  SlotType = 6
	CSSLOT_DER_ENTITLEMENTS              SlotType = 7
	CSSLOT_LAUNCH_CONSTRAINT_SELF        SlotType = 8
	CSSLOT_LAUNCH_CONSTRAINT_PARENT      SlotType = 9
	CSSLOT_LAUNCH_CONSTRAINT_RESPONSIBLE SlotType = 10
	CSSLOT_LIBRARY_CONSTRAINT            SlotType = 11
	CSSLOT_ALTERNATE_CODEDIRECTORIES     SlotType = 0x1000
	CSSLOT_CMS_SIGNATURE                 SlotType = 0x10000
)

func (s SlotType) String() string {
	switch s {
	case CSSLOT_CODEDIRECTORY:
		return "CodeDirectory"
	case CSSLOT_INFOSLOT:
		return "Bound Info.plist"
	case CSSLOT_REQUIREMENTS:
		return "Requirements Blob"
	case CSSLOT_RESOURCEDIR:
		return "Resource Directory"
	case CSSLOT_APPLICATION:
		return "Application Specific"
	case CSSLOT_ENTITLEMENTS:
		return "Entitlements Plist"
	case CSSLOT_REP_SPECIFIC:
		return "DMG Specific"
	case CSSLOT_DER_ENTITLEMENTS:
		return "Entitlements ASN1/DER"
	case CSSLOT_LAUNCH_CONSTRAINT_SELF:
		return "Launch Constraint (self)"
	case CSSLOT_LAUNCH_CONSTRAINT_PARENT:
		return "Launch Constraint (parent)"
	case CSSLOT_LAUNCH_CONSTRAINT_RESPONSIBLE:
		return "Launch Constraint (responsible proc)"
	case CSSLOT_LIBRARY_CONSTRAINT:
		return "Library Constraint"
	case CSSLOT_CMS_SIGNATURE:
		return "CMS (RFC3852) signature"
	}
	if s >= CSSLOT_ALTERNATE_CODEDIRECTORIES && s < CSSLOT_ALTERNATE_CODEDIRECTORIES+5 {
		return fmt.Sprintf("Alternate CodeDirectory %d", s-CSSLOT_ALTERNATE_CODEDIRECTORIES)
	}
	return fmt.Sprintf("Slot(%#x)", uint32(s))
}

type HashType uint8

const (
	HASHTYPE_NOHASH           HashType = 0
	HASHTYPE_SHA1             HashType = 1
	HASHTYPE_SHA256           HashType = 2
	HASHTYPE_SHA256_TRUNCATED HashType = 3
	HASHTYPE_SHA384           HashType = 4
	HASHTYPE_SHA512           HashType = 5
)

func (h HashType) String() string {
	switch h {
	case HASHTYPE_NOHASH:
		return "No Hash"
	case HASHTYPE_SHA1:
		return "Sha1"
	case HASHTYPE_SHA256:
		return "Sha256"
	case HASHTYPE_SHA256_TRUNCATED:
		return "Sha256 (Truncated)"
	case HASHTYPE_SHA384:
		return "Sha384"
	case HASHTYPE_SHA512:
		return "Sha512"
	}
	return fmt.Sprintf("HashType(%d)", uint8(h))
}

// CodeDirectory versions gate which header fields are present.
const (
	EARLIEST_VERSION     uint32 = 0x20001
	SUPPORTS_SCATTER     uint32 = 0x20100
	SUPPORTS_TEAMID      uint32 = 0x20200
	SUPPORTS_CODELIMIT64 uint32 = 0x20300
	SUPPORTS_EXECSEG     uint32 = 0x20400
)

// SuperBlob is the header of an embedded signature.
type SuperBlob struct {
	Magic  Magic  // magic number
	Length uint32 // total length of SuperBlob
	Count  uint32 // number of index entries following
}

// BlobIndex locates one blob inside a SuperBlob.
type BlobIndex struct {
	Type   SlotType // type of entry
	Offset uint32   // offset of entry
}

// Blob is the generic blob header.
type Blob struct {
	Magic  Magic
	Length uint32
}

// CodeDirectoryHeader is the on-disk CodeDirectory header up to the exec segment fields.
type CodeDirectoryHeader struct {
	Magic         Magic
	Length        uint32
	Version       uint32
	Flags         uint32
	HashOffset    uint32
	IdentOffset   uint32
	NSpecialSlots uint32
	NCodeSlots    uint32
	CodeLimit     uint32
	HashSize      uint8
	HashType      HashType
	Platform      uint8
	PageSize      uint8 // log2
	Spare2        uint32
	ScatterOffset uint32 // version >= 0x20100
	TeamOffset    uint32 // version >= 0x20200
	Spare3        uint32 // version >= 0x20300
	CodeLimit64   uint64
	ExecSegBase   uint64 // version >= 0x20400
	ExecSegLimit  uint64
	ExecSegFlags  uint64
}

// CodeDirectory is a decoded CodeDirectory blob.
type CodeDirectory struct {
	Slot      SlotType
	Header    CodeDirectoryHeader
	ID        string
	TeamID    string
	CodeLimit uint64
}

// PageSize returns the size of a hashed page.
func (cd *CodeDirectory) PageSize() uint64 {
	if cd.Header.PageSize == 0 {
		return 0
	}
	return 1 << cd.Header.PageSize
}

// CodeSignature is the decoded LC_CODE_SIGNATURE payload.
type CodeSignature struct {
	CodeDirectories []CodeDirectory
	Requirements    []byte
	Entitlements    string
	EntitlementsDER []byte
	CMSSignature    []byte
}
