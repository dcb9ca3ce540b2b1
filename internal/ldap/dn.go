package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

func formatDN(dn *ldap.DN) string {
	rdns := make([]string, 0, len(dn.RDNs))
	for _, rdn := range dn.RDNs {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			attrs = append(attrs, strings.ToUpper(attr.Type)+"="+attr.Value)
		}
		rdns = append(rdns, strings.Join(attrs, "+"))
	}
	return strings.Join(rdns, ",")
}

// ValidateDNSyntax validates that a string is a properly formatted Distinguished Name.
func ValidateDNSyntax(dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	if _, err := ldap.ParseDN(dn); err != nil {
		return fmt.Errorf("invalid DN syntax: %w", err)
	}

	return nil
}

// IsDNChild reports whether childDN lies below parentDN. Comparison ignores case.
func IsDNChild(childDN, parentDN string) (bool, error) {
	if childDN == "" || parentDN == "" {
		return false, fmt.Errorf("DNs cannot be empty")
	}

	child, err := ldap.ParseDN(childDN)
	if err != nil {
		return false, fmt.Errorf("invalid child DN syntax: %w", err)
	}

	parent, err := ldap.ParseDN(parentDN)
	if err != nil {
		return false, fmt.Errorf("invalid parent DN syntax: %w", err)
	}

	if len(child.RDNs) <= len(parent.RDNs) {
		return false, nil
	}

	tail := &ldap.DN{RDNs: child.RDNs[len(child.RDNs)-len(parent.RDNs):]}
	return strings.EqualFold(formatDN(tail), formatDN(parent)), nil
}
