package radius

import (
	"fmt"
	"strings"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"

	"github.com/isometry/authrelay/internal/authresult"
)

// VendorMicrosoft is the Microsoft SMI enterprise number.
const VendorMicrosoft = 311

// attrKey identifies a standard attribute (vendor 0) or a vendor attribute.
type attrKey struct {
	vendor uint32
	typ    byte
}

var standardAttributes = map[radius.Type]string{
	rfc2865.UserName_Type:             "User-Name",
	rfc2865.UserPassword_Type:         "User-Password",
	rfc2865.CHAPPassword_Type:         "CHAP-Password",
	rfc2865.NASIPAddress_Type:         "NAS-IP-Address",
	rfc2865.NASPort_Type:              "NAS-Port",
	rfc2865.ServiceType_Type:          "Service-Type",
	rfc2865.FramedProtocol_Type:       "Framed-Protocol",
	rfc2865.FramedIPAddress_Type:      "Framed-IP-Address",
	rfc2865.FilterID_Type:             "Filter-Id",
	rfc2865.ReplyMessage_Type:         authresult.ReplyMessage,
	rfc2865.State_Type:                "State",
	rfc2865.Class_Type:                "Class",
	rfc2865.VendorSpecific_Type:       "Vendor-Specific",
	rfc2865.SessionTimeout_Type:       "Session-Timeout",
	rfc2865.IdleTimeout_Type:          "Idle-Timeout",
	rfc2865.CalledStationID_Type:      "Called-Station-Id",
	rfc2865.CallingStationID_Type:     "Calling-Station-Id",
	rfc2865.NASIdentifier_Type:        "NAS-Identifier",
	rfc2865.ProxyState_Type:           "Proxy-State",
	rfc2865.CHAPChallenge_Type:        "CHAP-Challenge",
	rfc2865.NASPortType_Type:          "NAS-Port-Type",
	rfc2869.EAPMessage_Type:           "EAP-Message",
	rfc2869.MessageAuthenticator_Type: "Message-Authenticator",
	rfc2869.NASPortID_Type:            "NAS-Port-Id",
}

// Microsoft vendor attributes (RFC 2548).
var microsoftAttributes = map[byte]string{
	1:  "MS-CHAP-Response",
	2:  "MS-CHAP-Error",
	3:  "MS-CHAP-CPW-1",
	4:  "MS-CHAP-CPW-2",
	5:  "MS-CHAP-LM-Enc-PW",
	6:  "MS-CHAP-NT-Enc-PW",
	7:  "MS-MPPE-Encryption-Policy",
	8:  "MS-MPPE-Encryption-Types",
	9:  "MS-RAS-Vendor",
	10: "MS-CHAP-Domain",
	11: "MS-CHAP-Challenge",
	12: "MS-CHAP-MPPE-Keys",
	16: "MS-MPPE-Send-Key",
	17: "MS-MPPE-Recv-Key",
	25: "MS-CHAP2-Response",
	26: "MS-CHAP2-Success",
	27: "MS-CHAP2-CPW",
}

// MS-CHAP request attributes; their presence makes a request carry a
// Message-Authenticator.
var msCHAPRequestAttributes = []byte{1, 4, 6, 11, 25, 27}

var attributesByName = func() map[string]attrKey {
	m := make(map[string]attrKey, len(standardAttributes)+len(microsoftAttributes)+1)
	for t, name := range standardAttributes {
		m[strings.ToLower(name)] = attrKey{typ: byte(t)}
	}
	for t, name := range microsoftAttributes {
		m[strings.ToLower(name)] = attrKey{vendor: VendorMicrosoft, typ: t}
	}
	// FreeRADIUS and the RFC disagree on the plural.
	m["ms-mppe-encryption-type"] = attrKey{vendor: VendorMicrosoft, typ: 8}
	return m
}()

// attributeName returns the dictionary name of a standard attribute.
func attributeName(t radius.Type) string {
	if name, ok := standardAttributes[t]; ok {
		return name
	}
	return fmt.Sprintf("Attr-%d", t)
}

func vendorAttributeName(vendor uint32, t byte) string {
	if vendor == VendorMicrosoft {
		if name, ok := microsoftAttributes[t]; ok {
			return name
		}
	}
	return fmt.Sprintf("Vendor-%d-Attr-%d", vendor, t)
}

// lookupAttribute resolves a dictionary name, ignoring case.
func lookupAttribute(name string) (attrKey, bool) {
	k, ok := attributesByName[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

// LookupAttributeName returns the dictionary spelling of name, ignoring case.
func LookupAttributeName(name string) (string, bool) {
	key, ok := lookupAttribute(name)
	if !ok {
		return "", false
	}
	if key.vendor == 0 {
		return attributeName(radius.Type(key.typ)), true
	}
	return vendorAttributeName(key.vendor, key.typ), true
}

// namedAttributes flattens a packet's attributes in order, expanding
// Vendor-Specific attributes into their sub-attributes.
func namedAttributes(p *radius.Packet) []authresult.Attribute {
	out := make([]authresult.Attribute, 0, len(p.Attributes))
	for _, avp := range p.Attributes {
		if avp.Type != rfc2865.VendorSpecific_Type {
			out = append(out, authresult.Attribute{Name: attributeName(avp.Type), Value: avp.Attribute})
			continue
		}

		vendor, payload, err := radius.VendorSpecific(avp.Attribute)
		if err != nil {
			out = append(out, authresult.Attribute{Name: attributeName(avp.Type), Value: avp.Attribute})
			continue
		}
		for len(payload) >= 2 {
			length := int(payload[1])
			if length < 2 || length > len(payload) {
				break
			}
			out = append(out, authresult.Attribute{
				Name:  vendorAttributeName(vendor, payload[0]),
				Value: payload[2:length],
			})
			payload = payload[length:]
		}
	}
	return out
}

// addAttribute appends value under key, wrapping vendor attributes.
func addAttribute(p *radius.Packet, key attrKey, value []byte) error {
	if key.vendor == 0 {
		p.Add(radius.Type(key.typ), radius.Attribute(value))
		return nil
	}
	if len(value) > 253-6 {
		return fmt.Errorf("vendor attribute %s too long", vendorAttributeName(key.vendor, key.typ))
	}
	sub := make([]byte, 0, len(value)+2)
	sub = append(sub, key.typ, byte(len(value)+2))
	sub = append(sub, value...)
	vsa, err := radius.NewVendorSpecific(key.vendor, sub)
	if err != nil {
		return err
	}
	p.Add(rfc2865.VendorSpecific_Type, vsa)
	return nil
}

// hasAttribute reports whether p already carries key.
func hasAttribute(p *radius.Packet, key attrKey) bool {
	if key.vendor == 0 {
		_, ok := p.Lookup(radius.Type(key.typ))
		return ok
	}
	for _, avp := range p.Attributes {
		if avp.Type != rfc2865.VendorSpecific_Type {
			continue
		}
		vendor, payload, err := radius.VendorSpecific(avp.Attribute)
		if err == nil && vendor == key.vendor && len(payload) > 0 && payload[0] == key.typ {
			return true
		}
	}
	return false
}

// needsMessageAuthenticator reports whether p carries EAP or MS-CHAP request
// attributes.
func needsMessageAuthenticator(p *radius.Packet) bool {
	if _, ok := p.Lookup(rfc2869.EAPMessage_Type); ok {
		return true
	}
	for _, t := range msCHAPRequestAttributes {
		if hasAttribute(p, attrKey{vendor: VendorMicrosoft, typ: t}) {
			return true
		}
	}
	return false
}
