package radius

import (
	"crypto/hmac"
	"crypto/md5"
	"errors"

	"layeh.com/radius"
	"layeh.com/radius/rfc2869"
)

const (
	headerLen        = 20
	authenticatorLen = 16
)

var errMalformed = errors.New("malformed packet")

// messageAuthenticatorOffset returns the offset of the Message-Authenticator
// value in an encoded packet, or -1 when absent.
func messageAuthenticatorOffset(raw []byte) (int, error) {
	if len(raw) < headerLen {
		return -1, errMalformed
	}
	for i := headerLen; i < len(raw); {
		if i+2 > len(raw) {
			return -1, errMalformed
		}
		length := int(raw[i+1])
		if length < 2 || i+length > len(raw) {
			return -1, errMalformed
		}
		if raw[i] == byte(rfc2869.MessageAuthenticator_Type) {
			if length != 2+authenticatorLen {
				return -1, errMalformed
			}
			return i + 2, nil
		}
		i += length
	}
	return -1, nil
}

// messageAuthenticator computes the HMAC-MD5 of raw with the
// Message-Authenticator value zeroed and the header authenticator replaced
// by auth (RFC 3579 section 3.2).
func messageAuthenticator(raw []byte, offset int, auth [authenticatorLen]byte, secret []byte) []byte {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	copy(buf[4:headerLen], auth[:])
	clear(buf[offset : offset+authenticatorLen])

	mac := hmac.New(md5.New, secret)
	mac.Write(buf)
	return mac.Sum(nil)
}

// signRequest fills in the Message-Authenticator of an encoded request, if
// the packet carries one.
func signRequest(raw []byte, secret []byte) error {
	offset, err := messageAuthenticatorOffset(raw)
	if err != nil || offset < 0 {
		return err
	}
	var auth [authenticatorLen]byte
	copy(auth[:], raw[4:headerLen])
	copy(raw[offset:], messageAuthenticator(raw, offset, auth, secret))
	return nil
}

// verifyResponse checks the Message-Authenticator of an encoded response
// against the authenticator of the request it answers. A response without
// one verifies.
func verifyResponse(raw []byte, requestAuth [authenticatorLen]byte, secret []byte) bool {
	offset, err := messageAuthenticatorOffset(raw)
	if err != nil {
		return false
	}
	if offset < 0 {
		return true
	}
	want := messageAuthenticator(raw, offset, requestAuth, secret)
	return hmac.Equal(want, raw[offset:offset+authenticatorLen])
}

// EncodeResponse encodes a response packet whose Authenticator holds the
// request authenticator and Secret the shared secret. A Message-Authenticator
// attribute is recomputed before the response authenticator.
func EncodeResponse(p *radius.Packet) ([]byte, error) {
	raw, err := p.Encode()
	if err != nil {
		return nil, err
	}

	offset, err := messageAuthenticatorOffset(raw)
	if err != nil || offset < 0 {
		return raw, err
	}

	copy(raw[offset:], messageAuthenticator(raw, offset, p.Authenticator, p.Secret))

	copy(raw[4:headerLen], p.Authenticator[:])
	sum := md5.New()
	sum.Write(raw)
	sum.Write(p.Secret)
	copy(raw[4:headerLen], sum.Sum(nil))
	return raw, nil
}

// withMessageAuthenticator adds an empty Message-Authenticator to p unless
// present; signRequest fills it after encoding.
func withMessageAuthenticator(p *radius.Packet) {
	if _, ok := p.Lookup(rfc2869.MessageAuthenticator_Type); !ok {
		p.Add(rfc2869.MessageAuthenticator_Type, make(radius.Attribute, authenticatorLen))
	}
}
