package ldap

import (
	"fmt"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// ConvertBinarySIDToString renders a binary objectSid as S-1-5-21-...
func ConvertBinarySIDToString(binarySID []byte) (string, error) {
	// revision, sub-authority count, 6-byte authority
	if len(binarySID) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(binarySID))
	}
	if want := 8 + 4*int(binarySID[1]); len(binarySID) != want {
		return "", fmt.Errorf("binary SID has %d bytes, want %d", len(binarySID), want)
	}

	return objectsid.Decode(binarySID).String(), nil
}

// ExtractSID returns the objectSid of entry in string form.
func ExtractSID(entry *ldap.Entry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("LDAP entry cannot be nil")
	}

	sidBytes := entry.GetRawAttributeValue("objectSid")
	if len(sidBytes) == 0 {
		return "", fmt.Errorf("objectSid attribute not found in entry")
	}

	return ConvertBinarySIDToString(sidBytes)
}
