// Package codesign decodes the structure of an embedded code signature.
// Nothing here verifies hashes or signatures.
package codesign

import (
	"bytes"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"github.com/pkg/errors"
)

// ErrMalformedSignature is returned when the signature blobs are inconsistent.
var ErrMalformedSignature = errors.New("malformed code signature")

// maxBlobs bounds the SuperBlob index table.
const maxBlobs = 64

// ParseCodeSignature parses the LC_CODE_SIGNATURE data
func ParseCodeSignature(data []byte) (*CodeSignature, error) {
	r := bytes.NewReader(data)

	var sb SuperBlob
	if err := binary.Read(r, binary.BigEndian, &sb); err != nil {
		return nil, errors.Wrap(ErrMalformedSignature, "failed to read super blob")
	}
	if sb.Magic != MAGIC_EMBEDDED_SIGNATURE {
		return nil, errors.Wrapf(ErrMalformedSignature, "unexpected super blob magic %s", sb.Magic)
	}
	if sb.Count > maxBlobs {
		return nil, errors.Wrapf(ErrMalformedSignature, "too many blobs (%d)", sb.Count)
	}
	index := make([]BlobIndex, sb.Count)
	if err := binary.Read(r, binary.BigEndian, &index); err != nil {
		return nil, errors.Wrap(ErrMalformedSignature, "failed to read blob index")
	}

	cs := &CodeSignature{}
	for _, idx := range index {
		blob, err := blobAt(data, idx.Offset)
		if err != nil {
			return nil, errors.Wrapf(err, "slot %s", idx.Type)
		}
		switch {
		case idx.Type == CSSLOT_CODEDIRECTORY,
			idx.Type >= CSSLOT_ALTERNATE_CODEDIRECTORIES && idx.Type < CSSLOT_ALTERNATE_CODEDIRECTORIES+5:
			cd, err := parseCodeDirectory(blob)
			if err != nil {
				return nil, err
			}
			cd.Slot = idx.Type
			cs.CodeDirectories = append(cs.CodeDirectories, *cd)
		case idx.Type == CSSLOT_REQUIREMENTS:
			cs.Requirements = blob[8:]
		case idx.Type == CSSLOT_ENTITLEMENTS:
			cs.Entitlements = string(blob[8:])
		case idx.Type == CSSLOT_DER_ENTITLEMENTS:
			cs.EntitlementsDER = blob[8:]
		case idx.Type == CSSLOT_CMS_SIGNATURE:
			cs.CMSSignature = blob[8:]
		default:
			log.WithField("slot", idx.Type.String()).Debug("Skipping code signature slot")
		}
	}
	return cs, nil
}

func blobAt(data []byte, off uint32) ([]byte, error) {
	if uint64(off)+8 > uint64(len(data)) {
		return nil, errors.Wrapf(ErrMalformedSignature, "blob offset %#x is out of bounds", off)
	}
	length := binary.BigEndian.Uint32(data[off+4:])
	if length < 8 || uint64(off)+uint64(length) > uint64(len(data)) {
		return nil, errors.Wrapf(ErrMalformedSignature, "blob at %#x has bad length %#x", off, length)
	}
	return data[off : off+length], nil
}

func parseCodeDirectory(blob []byte) (*CodeDirectory, error) {
	var hdr CodeDirectoryHeader
	buf := make([]byte, binary.Size(hdr))
	copy(buf, blob)
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "failed to read code directory")
	}
	if hdr.Magic != MAGIC_CODEDIRECTORY {
		return nil, errors.Wrapf(ErrMalformedSignature, "unexpected code directory magic %s", hdr.Magic)
	}
	// fields past the version's header size are whatever followed the header
	if hdr.Version < SUPPORTS_SCATTER {
		hdr.ScatterOffset = 0
	}
	if hdr.Version < SUPPORTS_TEAMID {
		hdr.TeamOffset = 0
	}
	if hdr.Version < SUPPORTS_CODELIMIT64 {
		hdr.Spare3, hdr.CodeLimit64 = 0, 0
	}
	if hdr.Version < SUPPORTS_EXECSEG {
		hdr.ExecSegBase, hdr.ExecSegLimit, hdr.ExecSegFlags = 0, 0, 0
	}

	cd := &CodeDirectory{Header: hdr, CodeLimit: uint64(hdr.CodeLimit)}
	if hdr.CodeLimit64 != 0 {
		cd.CodeLimit = hdr.CodeLimit64
	}
	var err error
	if cd.ID, err = cstringAt(blob, hdr.IdentOffset); err != nil {
		return nil, errors.Wrap(err, "bad identifier")
	}
	if hdr.TeamOffset != 0 {
		if cd.TeamID, err = cstringAt(blob, hdr.TeamOffset); err != nil {
			return nil, errors.Wrap(err, "bad team identifier")
		}
	}
	return cd, nil
}

func cstringAt(b []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(b)) {
		return "", errors.Wrapf(ErrMalformedSignature, "string offset %#x is out of bounds", off)
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return "", errors.Wrapf(ErrMalformedSignature, "unterminated string at %#x", off)
	}
	return string(b[off : int(off)+end]), nil
}

// CodeLimit returns the number of bytes covered by the primary code directory.
func (cs *CodeSignature) CodeLimit() uint64 {
	if len(cs.CodeDirectories) == 0 {
		return 0
	}
	return cs.CodeDirectories[0].CodeLimit
}

// ID returns the signing identifier.
func (cs *CodeSignature) ID() string {
	if len(cs.CodeDirectories) == 0 {
		return ""
	}
	return cs.CodeDirectories[0].ID
}

// TeamID returns the team identifier, if the code directory carries one.
func (cs *CodeSignature) TeamID() string {
	if len(cs.CodeDirectories) == 0 {
		return ""
	}
	return cs.CodeDirectories[0].TeamID
}

// EntitlementsMap decodes the entitlements plist.
func (cs *CodeSignature) EntitlementsMap() (map[string]any, error) {
	ents := make(map[string]any)
	if len(cs.Entitlements) == 0 {
		return ents, nil
	}
	if err := plist.NewDecoder(bytes.NewReader([]byte(cs.Entitlements))).Decode(&ents); err != nil {
		return nil, errors.Wrap(err, "failed to decode entitlements plist")
	}
	return ents, nil
}
