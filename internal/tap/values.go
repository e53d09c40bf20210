package tap

import (
	"encoding/base64"
	"encoding/binary"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/go-objectsid"
	"github.com/google/uuid"
)

const guidBytesLength = 16

// guidAttributes hold 16-byte GUIDs in Active Directory mixed-endian order.
var guidAttributes = map[string]bool{
	"objectguid":           true,
	"msexchmailboxguid":    true,
	"msds-consistencyguid": true,
}

// sidAttributes hold binary security identifiers.
var sidAttributes = map[string]bool{
	"objectsid":          true,
	"sidhistory":         true,
	"securityidentifier": true,
}

// renderValue turns a base64-decoded value into record text. UTF-8 values are
// returned unchanged; binary values are rendered per attribute or re-encoded as base64.
func renderValue(attr string, raw []byte) string {
	name := strings.ToLower(attr)
	if i := strings.IndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}

	if sidAttributes[name] {
		if sid, ok := formatSID(raw); ok {
			return sid
		}
	}
	if guidAttributes[name] {
		if guid, ok := formatADGUID(raw); ok {
			return guid
		}
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// formatSID renders a binary SID as S-1-... text.
func formatSID(raw []byte) (string, bool) {
	if len(raw) < 8 {
		return "", false
	}
	subAuthorities := int(raw[1])
	if len(raw) != 8+4*subAuthorities {
		return "", false
	}
	return objectsid.Decode(raw).String(), true
}

// formatADGUID converts an Active Directory GUID to its canonical string form.
func formatADGUID(raw []byte) (string, bool) {
	if len(raw) != guidBytesLength {
		return "", false
	}
	var std [guidBytesLength]byte
	binary.BigEndian.PutUint32(std[0:4], binary.LittleEndian.Uint32(raw[0:4]))
	binary.BigEndian.PutUint16(std[4:6], binary.LittleEndian.Uint16(raw[4:6]))
	binary.BigEndian.PutUint16(std[6:8], binary.LittleEndian.Uint16(raw[6:8]))
	copy(std[8:], raw[8:])
	id, err := uuid.FromBytes(std[:])
	if err != nil {
		return "", false
	}
	return id.String(), true
}
