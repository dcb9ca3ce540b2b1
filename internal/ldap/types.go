package ldap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/isometry/authrelay/internal/logging"
)

// Default ports per transport.
const (
	DefaultPort      = 389
	DefaultLDAPSPort = 636
)

// DefaultMaxFrameSize bounds a single decoded LDAP message.
const DefaultMaxFrameSize = 16 << 20

// TransportMode selects how the TCP stream is secured.
type TransportMode string

const (
	TransportClear    TransportMode = "clear"
	TransportLDAPS    TransportMode = "ldaps"
	TransportStartTLS TransportMode = "starttls"
)

// AuthType selects how the service account (and the end user) bind.
type AuthType string

const (
	AuthPlain AuthType = "plain" // simple bind
	AuthNTLM2 AuthType = "ntlm2" // NTLMv2 sicily bind
	AuthSSPI  AuthType = "sspi"  // SASL GSSAPI (Kerberos)
)

// ConnectionConfig holds configuration for the directory client.
type ConnectionConfig struct {
	// Servers
	Hosts           []string      // host or host:port, tried in order
	Port            int           // default port when a host has none
	Domain          string        // DNS domain for SRV discovery
	DomainDiscovery bool          // discover servers from Domain instead of Hosts
	Transport       TransportMode // clear, ldaps or starttls
	Timeout         time.Duration // dial and per-operation timeout

	// Service account
	AuthType               AuthType
	ServiceAccountUsername string
	ServiceAccountPassword string
	ServiceAccountNTHash   string // hex NT hash; replaces the password for ntlm2
	BindDN                 string // explicit DN for plain binds
	NTLMDomain             string
	NTLMWorkstation        string

	// Kerberos (sspi)
	KerberosRealm  string
	KerberosKeytab string
	KerberosConfig string // path to krb5.conf
	KerberosCCache string
	KerberosSPN    string // overrides ldap/<host>

	// User lookup
	SearchDN          string
	UsernameAttribute string // matched for plain and DOMAIN\user names
	AtAttribute       string // matched for user@domain names
	SecurityGroupDN   string // user must be a (nested) member
	LDAPFilter        string // extra filter ANDed into the user search
	PassThroughAttrs  []string
	PassThroughAll    bool

	// TLS
	TLSConfig         *tls.Config
	TLSCACertFile     string
	TLSVerifyHostname bool

	// Protocol client
	Debug        bool
	Redactor     logging.Redactor
	MaxFrameSize int

	// Dial retry
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultConfig returns the defaults applied before a configuration section is decoded.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Transport:         TransportClear,
		Timeout:           10 * time.Second,
		AuthType:          AuthNTLM2,
		UsernameAttribute: "sAMAccountName",
		AtAttribute:       "userPrincipalName",
		TLSVerifyHostname: true,
		MaxFrameSize:      DefaultMaxFrameSize,
		MaxRetries:        1,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffFactor:     2.0,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// EffectivePort returns Port, or the well-known port for the transport.
func (c *ConnectionConfig) EffectivePort() int {
	if c.Port > 0 {
		return c.Port
	}
	if c.Transport == TransportLDAPS {
		return DefaultLDAPSPort
	}
	return DefaultPort
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// Address returns host:port.
func (s *ServerInfo) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// validateConfig checks the invariants the client relies on. Semantic checks of
// raw configuration sections live in the config package.
func validateConfig(config *ConnectionConfig) error {
	if len(config.Hosts) == 0 && !(config.DomainDiscovery && config.Domain != "") {
		return errors.New("either hosts or domain discovery must be configured")
	}

	switch config.Transport {
	case TransportClear, TransportLDAPS, TransportStartTLS:
	default:
		return fmt.Errorf("unsupported transport %q", config.Transport)
	}

	switch config.AuthType {
	case AuthPlain, AuthNTLM2, AuthSSPI:
	default:
		return fmt.Errorf("unsupported auth type %q", config.AuthType)
	}

	if config.SearchDN == "" {
		return errors.New("search DN is required")
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if config.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}

	return nil
}
