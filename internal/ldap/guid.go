package ldap

import (
	"fmt"

	"github.com/google/uuid"
)

// GUIDBytesLength is the size of a binary objectGUID.
const GUIDBytesLength = 16

// GUIDBytesToString converts Active Directory GUID bytes to the standard
// hyphenated form. AD stores the first three fields little-endian and the
// last eight bytes as is.
func GUIDBytesToString(guidBytes []byte) (string, error) {
	if len(guidBytes) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(guidBytes))
	}

	var u uuid.UUID
	u[0], u[1], u[2], u[3] = guidBytes[3], guidBytes[2], guidBytes[1], guidBytes[0]
	u[4], u[5] = guidBytes[5], guidBytes[4]
	u[6], u[7] = guidBytes[7], guidBytes[6]
	copy(u[8:], guidBytes[8:])

	return u.String(), nil
}

// binaryAttributeRenderers convert binary AD attributes to their display forms
// when an entry is turned into an authentication result.
var binaryAttributeRenderers = map[string]func([]byte) (string, error){
	"objectsid":  ConvertBinarySIDToString,
	"objectguid": GUIDBytesToString,
}
