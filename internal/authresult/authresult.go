// Package authresult normalizes RADIUS and LDAP authentication outcomes into
// a single AuthResult, applying the attribute pass-through policy.
package authresult

import (
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// NoReplyMessage is the message of a result whose response carried none.
const NoReplyMessage = "No reply message in packet"

// ReplyMessage is the RADIUS attribute whose first value becomes the message.
const ReplyMessage = "Reply-Message"

// MSCHAP2ResponseAttributes are passed through on every non-relay result so
// MS-CHAPv2 and MPPE key negotiation keeps working behind the relay.
var MSCHAP2ResponseAttributes = []string{
	"MS-CHAP2-Success",
	"MS-CHAP-Error",
	"MS-CHAP-Domain",
	"MS-MPPE-Encryption-Policy",
	"MS-MPPE-Encryption-Type",
	"MS-MPPE-Encryption-Types",
	"MS-MPPE-Send-Key",
	"MS-MPPE-Recv-Key",
}

// Attribute is one named attribute value, in response order.
type Attribute struct {
	Name  string
	Value []byte
}

// Policy selects the response attributes copied into a result.
type Policy struct {
	// PassAll copies every attribute.
	PassAll bool
	// AllowList names attributes to copy, case-insensitively. The
	// MS-CHAPv2 response attributes are always added.
	AllowList []string
}

// RelayPolicy is the policy of the relay path, a transparent pipe.
func RelayPolicy() Policy {
	return Policy{PassAll: true}
}

// Allows reports whether name passes the policy.
func (p Policy) Allows(name string) bool {
	if p.PassAll {
		return true
	}
	match := func(s string) bool { return strings.EqualFold(s, name) }
	return slices.ContainsFunc(p.AllowList, match) || slices.ContainsFunc(MSCHAP2ResponseAttributes, match)
}

// AuthResult is a normalized authentication outcome. It is never modified
// after construction; accessors return copies.
type AuthResult struct {
	accepted bool
	rawCode  int
	message  string
	names    []string
	values   map[string][][]byte
}

// Accepted reports whether the backend accepted the credentials.
func (r *AuthResult) Accepted() bool { return r.accepted }

// RawCode is the RADIUS packet code or LDAP result code.
func (r *AuthResult) RawCode() int { return r.rawCode }

// Message is the backend's human-readable message.
func (r *AuthResult) Message() string { return r.message }

// Names lists the passed-through attribute names in first-seen order.
func (r *AuthResult) Names() []string {
	return slices.Clone(r.names)
}

// Has reports whether name was passed through.
func (r *AuthResult) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// Raw returns the values of name.
func (r *AuthResult) Raw(name string) [][]byte {
	vals := r.values[name]
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = slices.Clone(v)
	}
	return out
}

// Strings returns the values of name as strings.
func (r *AuthResult) Strings(name string) []string {
	vals := r.values[name]
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

// Attributes returns every passed-through attribute with string values.
func (r *AuthResult) Attributes() map[string][]string {
	out := make(map[string][]string, len(r.values))
	for name := range r.values {
		out[name] = r.Strings(name)
	}
	return out
}

// RawAttributes returns every passed-through attribute.
func (r *AuthResult) RawAttributes() map[string][][]byte {
	out := make(map[string][][]byte, len(r.values))
	for name := range r.values {
		out[name] = r.Raw(name)
	}
	return out
}

// Builder constructs results. The zero value is ready to use.
type Builder struct{}

// FromRadius builds a result from a response's code and attributes. The
// message is the first Reply-Message value.
func (Builder) FromRadius(accepted bool, code int, attrs []Attribute, policy Policy) *AuthResult {
	r := &AuthResult{
		accepted: accepted,
		rawCode:  code,
		message:  NoReplyMessage,
		values:   make(map[string][][]byte),
	}

	haveMessage := false
	for _, a := range attrs {
		if !haveMessage && strings.EqualFold(a.Name, ReplyMessage) {
			r.message = string(a.Value)
			haveMessage = true
		}
		if policy.Allows(a.Name) {
			r.add(a.Name, a.Value)
		}
	}

	return r
}

// FromLDAPBind builds a result from the outcome of a user bind and the user's
// entry, which may be nil. The message is the diagnostic message, or the
// result code's description when the server sent none.
func (Builder) FromLDAPBind(code uint16, diagnostic string, entry *ldap.Entry, policy Policy) *AuthResult {
	r := &AuthResult{
		accepted: code == ldap.LDAPResultSuccess,
		rawCode:  int(code),
		message:  diagnostic,
		values:   make(map[string][][]byte),
	}
	if r.message == "" {
		r.message = ldap.LDAPResultCodeMap[code]
	}

	if entry == nil {
		return r
	}

	for _, attr := range entry.Attributes {
		if !policy.Allows(attr.Name) {
			continue
		}
		for _, v := range attr.ByteValues {
			r.add(attr.Name, v)
		}
	}

	return r
}

func (r *AuthResult) add(name string, value []byte) {
	if _, ok := r.values[name]; !ok {
		r.names = append(r.names, name)
	}
	r.values[name] = append(r.values[name], slices.Clone(value))
}
