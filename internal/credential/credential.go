// Package credential derives the NTLM credential forms used for
// pass-the-hash binds.
package credential

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/md4" //nolint:staticcheck // MD4 is what NTLM specifies.
	"golang.org/x/text/encoding/unicode"
)

// HashLen is the size of an NT hash.
const HashLen = md4.Size

// MD4 returns the MD4 digest of b.
func MD4(b []byte) [HashLen]byte {
	h := md4.New()
	h.Write(b)

	var sum [HashLen]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// NTHash returns MD4 of the UTF-16LE encoding of password.
func NTHash(password string) ([HashLen]byte, error) {
	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(password))
	if err != nil {
		return [HashLen]byte{}, fmt.Errorf("failed to encode password as UTF-16: %w", err)
	}
	return MD4(encoded), nil
}

// NTHashHex returns NTHash as lower-case hex, the form NTLM binds accept.
func NTHashHex(password string) (string, error) {
	sum, err := NTHash(password)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// ParseNTHash decodes a hex NT hash, accepting either case.
func ParseNTHash(s string) ([HashLen]byte, error) {
	var out [HashLen]byte

	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return out, fmt.Errorf("invalid NT hash: %w", err)
	}
	if len(b) != HashLen {
		return out, fmt.Errorf("invalid NT hash: want %d bytes, got %d", HashLen, len(b))
	}

	copy(out[:], b)
	return out, nil
}
