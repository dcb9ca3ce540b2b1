package ldap

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierType_String(t *testing.T) {
	tests := []struct {
		idType   IdentifierType
		expected string
	}{
		{IdentifierTypeUPN, "UPN"},
		{IdentifierTypeSAM, "SAM"},
		{IdentifierTypePlain, "Plain"},
		{IdentifierTypeUnknown, "Unknown"},
		{IdentifierType(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.idType.String())
		})
	}
}

func TestDetectIdentifierType(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		expected   IdentifierType
	}{
		{"upn", "alice@example.com", IdentifierTypeUPN},
		{"sam", `EXAMPLE\alice`, IdentifierTypeSAM},
		{"plain", "alice", IdentifierTypePlain},
		{"padded plain", "  alice  ", IdentifierTypePlain},
		{"empty", "", IdentifierTypeUnknown},
		{"whitespace", "   ", IdentifierTypeUnknown},
		{"dn", "CN=alice,DC=example,DC=com", IdentifierTypeUnknown},
		{"two ats", "alice@corp@example.com", IdentifierTypeUnknown},
		{"two backslashes", `A\B\alice`, IdentifierTypeUnknown},
		{"mixed", `EXAMPLE\alice@example.com`, IdentifierTypeUPN},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetectIdentifierType(tt.identifier))
		})
	}
}

func TestUserSearchFilter(t *testing.T) {
	base := func() *ConnectionConfig {
		cfg := DefaultConfig()
		cfg.Hosts = []string{"dc1.example.com"}
		return cfg
	}

	tests := []struct {
		name     string
		modify   func(*ConnectionConfig)
		username string
		groupRID string
		expected string
		wantErr  bool
	}{
		{
			name:     "plain username",
			username: "alice",
			expected: "(&(sAMAccountName=alice)" + userObjectFilter + ")",
		},
		{
			name:     "upn uses at attribute",
			username: "alice@example.com",
			expected: "(&(userPrincipalName=alice@example.com)" + userObjectFilter + ")",
		},
		{
			name:     "sam strips domain",
			username: `EXAMPLE\alice`,
			expected: "(&(sAMAccountName=alice)" + userObjectFilter + ")",
		},
		{
			name:     "custom username attribute",
			modify:   func(c *ConnectionConfig) { c.UsernameAttribute = "uid" },
			username: "alice",
			expected: "(&(uid=alice)" + userObjectFilter + ")",
		},
		{
			name:     "escapes filter metacharacters",
			username: "al*ce(1)",
			expected: `(&(sAMAccountName=al\2ace\281\29)` + userObjectFilter + ")",
		},
		{
			name:     "group without rid",
			modify:   func(c *ConnectionConfig) { c.SecurityGroupDN = "CN=VPN,OU=Groups,DC=example,DC=com" },
			username: "alice",
			expected: "(&(sAMAccountName=alice)(memberOf=CN=VPN,OU=Groups,DC=example,DC=com)" + userObjectFilter + ")",
		},
		{
			name:     "group with primary group rid",
			modify:   func(c *ConnectionConfig) { c.SecurityGroupDN = "CN=Domain Users,CN=Users,DC=example,DC=com" },
			username: "alice",
			groupRID: "513",
			expected: "(&(sAMAccountName=alice)(|(memberOf=CN=Domain Users,CN=Users,DC=example,DC=com)(primaryGroupID=513))" + userObjectFilter + ")",
		},
		{
			name:     "extra filter gets parentheses",
			modify:   func(c *ConnectionConfig) { c.LDAPFilter = "department=IT" },
			username: "alice",
			expected: "(&(sAMAccountName=alice)" + userObjectFilter + "(department=IT))",
		},
		{
			name:     "extra filter kept as is",
			modify:   func(c *ConnectionConfig) { c.LDAPFilter = "(!(userAccountControl:1.2.840.113556.1.4.803:=2))" },
			username: "alice",
			expected: "(&(sAMAccountName=alice)" + userObjectFilter + "(!(userAccountControl:1.2.840.113556.1.4.803:=2)))",
		},
		{
			name:     "invalid extra filter",
			modify:   func(c *ConnectionConfig) { c.LDAPFilter = "(department=IT" },
			username: "alice",
			wantErr:  true,
		},
		{
			name:     "dn as username",
			username: "CN=alice,DC=example,DC=com",
			wantErr:  true,
		},
		{
			name:     "empty username",
			username: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			if tt.modify != nil {
				tt.modify(cfg)
			}

			filter, err := UserSearchFilter(cfg, tt.username, tt.groupRID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, filter)

			_, err = ldap.CompileFilter(filter)
			assert.NoError(t, err)
		})
	}
}

func TestUserSearchFilter_FormatError(t *testing.T) {
	cfg := DefaultConfig()

	_, err := UserSearchFilter(cfg, "a@b@c", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `userPrincipalName, DOMAIN\sAMAccountName, or sAMAccountName`)
}
