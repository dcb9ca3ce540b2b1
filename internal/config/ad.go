package config

import (
	"net"
	"slices"
	"strings"
	"time"

	"github.com/isometry/authrelay/internal/ldap"
)

// ADClientConfig is the typed form of an [ad_client] section.
type ADClientConfig struct {
	Hosts []string `mapstructure:"-"`

	Port            int           `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	Transport       string        `mapstructure:"transport" default:"clear" validate:"oneof_ci=clear ldaps starttls"`
	Timeout         time.Duration `mapstructure:"timeout" default:"10s" validate:"gt=0"`
	Domain          string        `mapstructure:"domain" validate:"omitempty,fqdn"`
	DomainDiscovery bool          `mapstructure:"domain_discovery"`

	AuthType               string `mapstructure:"auth_type" default:"ntlm2" validate:"oneof_ci=plain ntlm2 sspi"`
	ServiceAccountUsername string `mapstructure:"service_account_username"`
	ServiceAccountPassword string `mapstructure:"service_account_password"`
	ServiceAccountNTHash   string `mapstructure:"service_account_nt_hash" validate:"omitempty,hexadecimal,len=32"`
	BindDN                 string `mapstructure:"bind_dn" validate:"omitempty,dn"`
	NTLMDomain             string `mapstructure:"ntlm_domain"`
	NTLMWorkstation        string `mapstructure:"ntlm_workstation"`

	KerberosRealm  string `mapstructure:"kerberos_realm"`
	KerberosKeytab string `mapstructure:"kerberos_keytab" validate:"omitempty,file"`
	KerberosConfig string `mapstructure:"kerberos_config" validate:"omitempty,file"`
	KerberosCCache string `mapstructure:"kerberos_ccache"`
	KerberosSPN    string `mapstructure:"kerberos_spn"`

	SearchDN          string   `mapstructure:"search_dn" validate:"required,dn"`
	SecurityGroupDN   string   `mapstructure:"security_group_dn" validate:"omitempty,dn"`
	UsernameAttribute string   `mapstructure:"username_attribute" default:"sAMAccountName" validate:"required"`
	AtAttribute       string   `mapstructure:"at_attribute" default:"userPrincipalName" validate:"required"`
	LDAPFilter        string   `mapstructure:"ldap_filter" validate:"omitempty,ldapfilter"`
	PassThroughAttrs  []string `mapstructure:"pass_through_attr_names"`
	PassThroughAll    bool     `mapstructure:"pass_through_all"`

	SSLCACertsFile    string `mapstructure:"ssl_ca_certs_file" validate:"omitempty,file"`
	SSLVerifyHostname bool   `mapstructure:"ssl_verify_hostname" default:"true"`

	Debug bool `mapstructure:"debug"`
}

// DecodeAD decodes and checks an [ad_client] section. On failure the error
// carries every Problem found; use Problems to list them.
func DecodeAD(name string, s Section) (*ADClientConfig, error) {
	problems := &problemList{section: name}
	cfg := checkAD(s, problems)
	if !problems.empty() {
		return nil, problems.errorOrNil()
	}
	return cfg, nil
}

func checkAD(s Section, problems *problemList) *ADClientConfig {
	cfg := &ADClientConfig{}
	decodeSection(s.without(func(k string) bool { return isNumbered(k, "host") }), cfg, problems)

	for _, key := range s.NumberedKeys("host") {
		if host, _ := s.Get(key); host != "" {
			cfg.Hosts = append(cfg.Hosts, host)
		}
	}

	// Required keys.
	if len(cfg.Hosts) == 0 && !(cfg.DomainDiscovery && cfg.Domain != "") {
		problems.add(MissingKey, "host", "at least one host is required unless domain_discovery is enabled with a domain")
	}
	authType := strings.ToLower(cfg.AuthType)
	if authType != string(ldap.AuthSSPI) {
		if !s.Has("service_account_username") {
			problems.add(MissingKey, "service_account_username", "required for auth_type %s", authType)
		}
		if !s.Has("service_account_password") && !s.Has("service_account_nt_hash") {
			problems.add(MissingKey, "service_account_password", "required for auth_type %s", authType)
		}
	}

	validateStruct(cfg, problems)

	checkADDependencies(s, cfg, problems)
	return cfg
}

func checkADDependencies(s Section, cfg *ADClientConfig, problems *problemList) {
	transport := strings.ToLower(cfg.Transport)
	transportValid := slices.Contains([]string{"clear", "ldaps", "starttls"}, transport)
	secure := transport == string(ldap.TransportLDAPS) || transport == string(ldap.TransportStartTLS)

	if !transportValid {
		problems.add(SkippedTest, "transport", "certificate requirements not checked")
		problems.add(SkippedTest, "transport", "hostname verification not checked")
	} else if secure && cfg.SSLVerifyHostname {
		if cfg.SSLCACertsFile == "" {
			problems.add(UnmetDependency, "ssl_ca_certs_file", "ssl_ca_certs_file is required for transport type %s", transport)
		}
		for _, key := range s.NumberedKeys("host") {
			host, _ := s.Get(key)
			if net.ParseIP(host) != nil {
				problems.add(IncompatibleValues, key, "must be a hostname when ssl_verify_hostname is enabled")
			}
		}
	}

	authType := strings.ToLower(cfg.AuthType)
	switch authType {
	case string(ldap.AuthPlain):
		if cfg.BindDN == "" && !looksLikeDN(cfg.ServiceAccountUsername) {
			problems.add(UnmetDependency, "bind_dn", "bind_dn is required for auth_type %s", authType)
		}
	case string(ldap.AuthNTLM2):
	case string(ldap.AuthSSPI):
		if cfg.DomainDiscovery && cfg.KerberosRealm == "" && cfg.Domain == "" {
			problems.add(UnmetDependency, "kerberos_realm", "kerberos_realm or domain is required for auth_type %s", authType)
		}
	default:
		problems.add(SkippedTest, "auth_type", "bind requirements not checked")
		return
	}

	if (cfg.NTLMDomain != "" || cfg.NTLMWorkstation != "") && authType != string(ldap.AuthNTLM2) {
		problems.add(UnmetDependency, "ntlm_domain", "ntlm_domain and ntlm_workstation only apply to auth_type %s", ldap.AuthNTLM2)
	}
	if cfg.ServiceAccountNTHash != "" && authType != string(ldap.AuthNTLM2) {
		problems.add(UnmetDependency, "service_account_nt_hash", "a password hash only applies to auth_type %s", ldap.AuthNTLM2)
	}
}

func looksLikeDN(s string) bool {
	return ldap.ValidateDNSyntax(s) == nil
}

// ConnectionConfig converts cfg to the directory client's configuration.
func (cfg *ADClientConfig) ConnectionConfig() *ldap.ConnectionConfig {
	out := ldap.DefaultConfig()

	out.Hosts = slices.Clone(cfg.Hosts)
	out.Port = cfg.Port
	out.Domain = cfg.Domain
	out.DomainDiscovery = cfg.DomainDiscovery
	out.Transport = ldap.TransportMode(strings.ToLower(cfg.Transport))
	out.Timeout = cfg.Timeout

	out.AuthType = ldap.AuthType(strings.ToLower(cfg.AuthType))
	out.ServiceAccountUsername = cfg.ServiceAccountUsername
	out.ServiceAccountPassword = cfg.ServiceAccountPassword
	out.ServiceAccountNTHash = strings.ToLower(cfg.ServiceAccountNTHash)
	out.BindDN = cfg.BindDN
	out.NTLMDomain = cfg.NTLMDomain
	out.NTLMWorkstation = cfg.NTLMWorkstation

	out.KerberosRealm = cfg.KerberosRealm
	out.KerberosKeytab = cfg.KerberosKeytab
	out.KerberosConfig = cfg.KerberosConfig
	out.KerberosCCache = cfg.KerberosCCache
	out.KerberosSPN = cfg.KerberosSPN

	out.SearchDN = cfg.SearchDN
	out.SecurityGroupDN = cfg.SecurityGroupDN
	out.UsernameAttribute = cfg.UsernameAttribute
	out.AtAttribute = cfg.AtAttribute
	out.LDAPFilter = cfg.LDAPFilter
	out.PassThroughAttrs = slices.Clone(cfg.PassThroughAttrs)
	out.PassThroughAll = cfg.PassThroughAll

	out.TLSCACertFile = cfg.SSLCACertsFile
	out.TLSVerifyHostname = cfg.SSLVerifyHostname

	out.Debug = cfg.Debug
	return out
}
