package codesign

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
)

const entitlementsPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>com.apple.security.get-task-allow</key>
	<true/>
</dict>
</plist>
`

func codeDirectory(version uint32, limit uint32, limit64 uint64, ident, team string) []byte {
	hdr := CodeDirectoryHeader{
		Magic:       MAGIC_CODEDIRECTORY,
		Version:     version,
		CodeLimit:   limit,
		HashSize:    32,
		HashType:    HASHTYPE_SHA256,
		PageSize:    12,
		CodeLimit64: limit64,
	}
	size := uint32(binary.Size(hdr))
	hdr.IdentOffset = size
	hdr.TeamOffset = size + uint32(len(ident)) + 1
	hdr.HashOffset = hdr.TeamOffset + uint32(len(team)) + 1
	hdr.Length = hdr.HashOffset

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, hdr)
	buf.WriteString(ident)
	buf.WriteByte(0)
	buf.WriteString(team)
	buf.WriteByte(0)
	return buf.Bytes()
}

func blob(magic Magic, payload []byte) []byte {
	b := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(b[0:], uint32(magic))
	binary.BigEndian.PutUint32(b[4:], uint32(8+len(payload)))
	return append(b, payload...)
}

func superBlob(slots map[SlotType][]byte, order ...SlotType) []byte {
	hdrSize := 12 + 8*len(order)
	var body bytes.Buffer
	index := make([]BlobIndex, 0, len(order))
	for _, t := range order {
		index = append(index, BlobIndex{Type: t, Offset: uint32(hdrSize + body.Len())})
		body.Write(slots[t])
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, SuperBlob{
		Magic:  MAGIC_EMBEDDED_SIGNATURE,
		Length: uint32(hdrSize + body.Len()),
		Count:  uint32(len(order)),
	})
	binary.Write(&buf, binary.BigEndian, index)
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func TestParseCodeSignature(t *testing.T) {
	data := superBlob(map[SlotType][]byte{
		CSSLOT_CODEDIRECTORY: codeDirectory(SUPPORTS_EXECSEG, 0, 0x1_0000_4000, "com.example.mtool", "TEAM123456"),
		CSSLOT_ENTITLEMENTS:  blob(MAGIC_EMBEDDED_ENTITLEMENTS, []byte(entitlementsPlist)),
		CSSLOT_CMS_SIGNATURE: blob(MAGIC_BLOBWRAPPER, nil),
	}, CSSLOT_CODEDIRECTORY, CSSLOT_ENTITLEMENTS, CSSLOT_CMS_SIGNATURE)

	cs, err := ParseCodeSignature(data)
	if err != nil {
		t.Fatal(err)
	}
	if cs.ID() != "com.example.mtool" {
		t.Errorf("ID = %q", cs.ID())
	}
	if cs.TeamID() != "TEAM123456" {
		t.Errorf("TeamID = %q", cs.TeamID())
	}
	if cs.CodeLimit() != 0x1_0000_4000 {
		t.Errorf("CodeLimit = %#x", cs.CodeLimit())
	}
	if got := cs.CodeDirectories[0].PageSize(); got != 0x1000 {
		t.Errorf("PageSize = %#x", got)
	}
	ents, err := cs.EntitlementsMap()
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := ents["com.apple.security.get-task-allow"].(bool); !ok || !v {
		t.Errorf("entitlements = %v", ents)
	}
}

func TestParseCodeSignatureLegacyVersion(t *testing.T) {
	// 0x20100 headers stop before the team offset, so trailing bytes must not leak into it
	data := superBlob(map[SlotType][]byte{
		CSSLOT_CODEDIRECTORY: codeDirectory(SUPPORTS_SCATTER, 0x8000, 0, "legacy", "ignored"),
	}, CSSLOT_CODEDIRECTORY)
	cs, err := ParseCodeSignature(data)
	if err != nil {
		t.Fatal(err)
	}
	if cs.CodeLimit() != 0x8000 {
		t.Errorf("CodeLimit = %#x", cs.CodeLimit())
	}
	if cs.TeamID() != "" {
		t.Errorf("TeamID = %q, want empty", cs.TeamID())
	}
}

func TestParseCodeSignatureMalformed(t *testing.T) {
	good := superBlob(map[SlotType][]byte{
		CSSLOT_CODEDIRECTORY: codeDirectory(SUPPORTS_TEAMID, 0x4000, 0, "id", "team"),
	}, CSSLOT_CODEDIRECTORY)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte{0xde, 0xad, 0xbe, 0xef}, good[4:]...)},
		{"truncated blob", good[:len(good)-10]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCodeSignature(tt.data); !errors.Is(err, ErrMalformedSignature) {
				t.Errorf("ParseCodeSignature() = %v, want ErrMalformedSignature", err)
			}
		})
	}
}
