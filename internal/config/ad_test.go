package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/authrelay/internal/ldap"
)

func validAD() Section {
	return Section{
		"host":                     "dc1.example.com",
		"host_2":                   "dc2.example.com",
		"service_account_username": "svc-relay",
		"service_account_password": "pw",
		"search_dn":                "DC=example,DC=com",
	}
}

func problemSet(err error) map[string]ProblemKind {
	out := map[string]ProblemKind{}
	for _, p := range Problems(err) {
		out[p.Key] = p.Kind
	}
	return out
}

func TestDecodeAD_Defaults(t *testing.T) {
	cfg, err := DecodeAD("ad_client", validAD())
	require.NoError(t, err)

	assert.Equal(t, []string{"dc1.example.com", "dc2.example.com"}, cfg.Hosts)
	assert.Equal(t, "clear", cfg.Transport)
	assert.Equal(t, "ntlm2", cfg.AuthType)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, "sAMAccountName", cfg.UsernameAttribute)
	assert.Equal(t, "userPrincipalName", cfg.AtAttribute)
	assert.True(t, cfg.SSLVerifyHostname)

	conn := cfg.ConnectionConfig()
	assert.Equal(t, ldap.TransportClear, conn.Transport)
	assert.Equal(t, ldap.AuthNTLM2, conn.AuthType)
	assert.Equal(t, "DC=example,DC=com", conn.SearchDN)
	assert.Equal(t, ldap.DefaultMaxFrameSize, conn.MaxFrameSize)
}

func TestDecodeAD_FullSection(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("not checked here"), 0o600))

	s := validAD()
	s["transport"] = "STARTTLS"
	s["ssl_ca_certs_file"] = ca
	s["auth_type"] = "Plain"
	s["bind_dn"] = "CN=svc-relay,OU=Service,DC=example,DC=com"
	s["security_group_dn"] = "CN=VPN,OU=Groups,DC=example,DC=com"
	s["ldap_filter"] = "department=IT"
	s["timeout"] = "30"
	s["port"] = "3268"
	s["pass_through_attr_names"] = "mail, department"

	cfg, err := DecodeAD("ad_client", s)
	require.NoError(t, err)

	conn := cfg.ConnectionConfig()
	assert.Equal(t, ldap.TransportStartTLS, conn.Transport)
	assert.Equal(t, ldap.AuthPlain, conn.AuthType)
	assert.Equal(t, ca, conn.TLSCACertFile)
	assert.Equal(t, 30*time.Second, conn.Timeout)
	assert.Equal(t, 3268, conn.Port)
	assert.Equal(t, []string{"mail", "department"}, conn.PassThroughAttrs)
	assert.Equal(t, "CN=svc-relay,OU=Service,DC=example,DC=com", conn.BindDN)
}

func TestDecodeAD_Problems(t *testing.T) {
	tests := []struct {
		name   string
		modify func(Section)
		want   map[string]ProblemKind
	}{
		{
			name:   "missing host",
			modify: func(s Section) { delete(s, "host"); delete(s, "host_2") },
			want:   map[string]ProblemKind{"host": MissingKey},
		},
		{
			name: "domain discovery replaces hosts",
			modify: func(s Section) {
				delete(s, "host")
				delete(s, "host_2")
				s["domain_discovery"] = "true"
				s["domain"] = "example.com"
			},
			want: map[string]ProblemKind{},
		},
		{
			name:   "missing service account",
			modify: func(s Section) { delete(s, "service_account_username"); delete(s, "service_account_password") },
			want: map[string]ProblemKind{
				"service_account_username": MissingKey,
				"service_account_password": MissingKey,
			},
		},
		{
			name: "sspi needs no service account",
			modify: func(s Section) {
				delete(s, "service_account_username")
				delete(s, "service_account_password")
				s["auth_type"] = "sspi"
			},
			want: map[string]ProblemKind{},
		},
		{
			name: "nt hash replaces the password",
			modify: func(s Section) {
				delete(s, "service_account_password")
				s["service_account_nt_hash"] = "8846F7EAEE8FB117AD06BDD830B7586C"
			},
			want: map[string]ProblemKind{},
		},
		{
			name:   "short nt hash",
			modify: func(s Section) { s["service_account_nt_hash"] = "8846f7ea" },
			want:   map[string]ProblemKind{"service_account_nt_hash": InvalidValue},
		},
		{
			name: "nt hash with plain bind",
			modify: func(s Section) {
				s["auth_type"] = "plain"
				s["bind_dn"] = "CN=svc,DC=example,DC=com"
				s["service_account_nt_hash"] = "8846f7eaee8fb117ad06bdd830b7586c"
			},
			want: map[string]ProblemKind{"service_account_nt_hash": UnmetDependency},
		},
		{
			name:   "missing search dn",
			modify: func(s Section) { delete(s, "search_dn") },
			want:   map[string]ProblemKind{"search_dn": MissingKey},
		},
		{
			name:   "invalid search dn",
			modify: func(s Section) { s["search_dn"] = "example.com" },
			want:   map[string]ProblemKind{"search_dn": InvalidValue},
		},
		{
			name:   "invalid ldap filter",
			modify: func(s Section) { s["ldap_filter"] = "(department=IT" },
			want:   map[string]ProblemKind{"ldap_filter": InvalidValue},
		},
		{
			name:   "invalid port",
			modify: func(s Section) { s["port"] = "70000" },
			want:   map[string]ProblemKind{"port": InvalidValue},
		},
		{
			name:   "unknown transport skips dependent checks",
			modify: func(s Section) { s["transport"] = "carrier-pigeon" },
			want:   map[string]ProblemKind{"transport": SkippedTest},
		},
		{
			name:   "ldaps needs a ca file",
			modify: func(s Section) { s["transport"] = "ldaps" },
			want:   map[string]ProblemKind{"ssl_ca_certs_file": UnmetDependency},
		},
		{
			name: "ldaps without hostname verification",
			modify: func(s Section) {
				s["transport"] = "ldaps"
				s["ssl_verify_hostname"] = "false"
			},
			want: map[string]ProblemKind{},
		},
		{
			name: "ip host with hostname verification",
			modify: func(s Section) {
				s["transport"] = "ldaps"
				s["host_2"] = "192.0.2.1"
				s["ssl_verify_hostname"] = "false"
			},
			want: map[string]ProblemKind{},
		},
		{
			name:   "plain needs bind dn",
			modify: func(s Section) { s["auth_type"] = "plain" },
			want:   map[string]ProblemKind{"bind_dn": UnmetDependency},
		},
		{
			name: "plain with dn service account",
			modify: func(s Section) {
				s["auth_type"] = "plain"
				s["service_account_username"] = "CN=svc,DC=example,DC=com"
			},
			want: map[string]ProblemKind{},
		},
		{
			name: "ntlm domain with plain auth",
			modify: func(s Section) {
				s["auth_type"] = "plain"
				s["bind_dn"] = "CN=svc,DC=example,DC=com"
				s["ntlm_domain"] = "EXAMPLE"
			},
			want: map[string]ProblemKind{"ntlm_domain": UnmetDependency},
		},
		{
			name:   "unknown key",
			modify: func(s Section) { s["favourite_colour"] = "blue" },
			want:   map[string]ProblemKind{"favourite_colour": UnexpectedKey},
		},
		{
			name:   "bad timeout",
			modify: func(s Section) { s["timeout"] = "eventually" },
			want:   map[string]ProblemKind{"timeout": InvalidValue},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validAD()
			tt.modify(s)

			cfg, err := DecodeAD("ad_client", s)
			if len(tt.want) == 0 {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				return
			}
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Equal(t, tt.want, problemSet(err))
		})
	}
}

func TestDecodeAD_IPHostWithVerification(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(ca, nil, 0o600))

	s := validAD()
	s["transport"] = "ldaps"
	s["ssl_ca_certs_file"] = ca
	s["host_2"] = "192.0.2.1"

	_, err := DecodeAD("ad_client", s)
	require.Error(t, err)
	assert.Equal(t, map[string]ProblemKind{"host_2": IncompatibleValues}, problemSet(err))
	assert.Contains(t, err.Error(), "[ad_client] incompatible_values \"host_2\"")
}

func TestDecodeAD_NTHashIsLowercased(t *testing.T) {
	s := validAD()
	s["service_account_nt_hash"] = "8846F7EAEE8FB117AD06BDD830B7586C"

	cfg, err := DecodeAD("ad_client", s)
	require.NoError(t, err)
	assert.Equal(t, "8846f7eaee8fb117ad06bdd830b7586c", cfg.ConnectionConfig().ServiceAccountNTHash)
}
