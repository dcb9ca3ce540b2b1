package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// IdentifierType is the shape of a username presented for authentication.
type IdentifierType int

const (
	IdentifierTypeUnknown IdentifierType = iota
	IdentifierTypeUPN                    // user@domain
	IdentifierTypeSAM                    // DOMAIN\user
	IdentifierTypePlain                  // user
)

// String returns the string representation of the identifier type.
func (i IdentifierType) String() string {
	switch i {
	case IdentifierTypeUPN:
		return "UPN"
	case IdentifierTypeSAM:
		return "SAM"
	case IdentifierTypePlain:
		return "Plain"
	default:
		return "Unknown"
	}
}

// userObjectFilter matches person objects in AD and the common RFC schemas.
const userObjectFilter = "(|(&(objectClass=user)(objectCategory=person))(objectClass=inetOrgPerson)(objectClass=organizationalPerson))"

// DetectIdentifierType classifies a username. Names containing a comma look
// like DNs and are not accepted as usernames.
func DetectIdentifierType(identifier string) IdentifierType {
	identifier = strings.TrimSpace(identifier)

	switch {
	case identifier == "", strings.Contains(identifier, ","):
		return IdentifierTypeUnknown
	case strings.Count(identifier, "@") == 1:
		return IdentifierTypeUPN
	case strings.Count(identifier, `\`) == 1:
		return IdentifierTypeSAM
	case strings.ContainsAny(identifier, `@\`):
		return IdentifierTypeUnknown
	default:
		return IdentifierTypePlain
	}
}

// usernameFilter returns the equality filter locating username: the at
// attribute for UPNs, sAMAccountName for DOMAIN\user, otherwise the configured
// username attribute.
func usernameFilter(cfg *ConnectionConfig, username string) (string, error) {
	username = strings.TrimSpace(username)

	switch DetectIdentifierType(username) {
	case IdentifierTypeUPN:
		return fmt.Sprintf("(%s=%s)", cfg.AtAttribute, ldap.EscapeFilter(username)), nil
	case IdentifierTypeSAM:
		_, user, _ := strings.Cut(username, `\`)
		return fmt.Sprintf("(sAMAccountName=%s)", ldap.EscapeFilter(user)), nil
	case IdentifierTypePlain:
		return fmt.Sprintf("(%s=%s)", cfg.UsernameAttribute, ldap.EscapeFilter(username)), nil
	default:
		return "", fmt.Errorf("username doesn't look like the format for %s, DOMAIN\\%s, or %s",
			cfg.AtAttribute, cfg.UsernameAttribute, cfg.UsernameAttribute)
	}
}

// groupFilter requires membership of groupDN, either through memberOf or, when
// the group's RID is known, as the primary group.
func groupFilter(groupDN, groupRID string) string {
	memberOf := fmt.Sprintf("(memberOf=%s)", ldap.EscapeFilter(groupDN))
	if groupRID == "" {
		return memberOf
	}
	return fmt.Sprintf("(|%s(primaryGroupID=%s))", memberOf, ldap.EscapeFilter(groupRID))
}

// UserSearchFilter assembles the full user filter: username match, optional
// group membership, person object classes, and the configured extra filter.
func UserSearchFilter(cfg *ConnectionConfig, username, groupRID string) (string, error) {
	match, err := usernameFilter(cfg, username)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("(&")
	b.WriteString(match)
	if cfg.SecurityGroupDN != "" {
		b.WriteString(groupFilter(cfg.SecurityGroupDN, groupRID))
	}
	b.WriteString(userObjectFilter)
	if extra := strings.TrimSpace(cfg.LDAPFilter); extra != "" {
		if !strings.HasPrefix(extra, "(") {
			extra = "(" + extra + ")"
		}
		b.WriteString(extra)
	}
	b.WriteString(")")

	filter := b.String()
	if _, err := ldap.CompileFilter(filter); err != nil {
		return "", fmt.Errorf("invalid user filter %q: %w", filter, err)
	}
	return filter, nil
}
