package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/authrelay/internal/authresult"
	"github.com/isometry/authrelay/internal/logging"
	"github.com/isometry/authrelay/internal/metrics"
)

// Messages carried by LDAP authentication results.
const (
	MsgNoPassword        = "No password."
	MsgInvalidUser       = "Invalid User"
	MsgUserAuthFailed    = "User Authentication Failed"
	MsgAuthSucceeded     = "Active Directory authentication succeeded"
	MsgNoServerReachable = "Failed to communicate with any Active Directory server"
)

// principalNameAttribute holds DOMAIN\sAMAccountName for AD users; NTLM user
// binds take their domain and account name from it.
const principalNameAttribute = "msDS-PrincipalName"

// DialFunc opens a transport to server.
type DialFunc func(ctx context.Context, server *ServerInfo, tlsConfig *tls.Config) (Transport, error)

// ClientOptions carries the collaborators of a Client. The zero value uses
// real DNS and TCP.
type ClientOptions struct {
	Metrics  *metrics.Recorder
	Resolver SRVResolver
	Dial     DialFunc
}

// Client authenticates users against a directory. Each call opens its own
// connection, tries the configured servers in order, and closes the connection
// when done.
type Client struct {
	ctx       context.Context
	config    *ConnectionConfig
	log       *logging.TFLogger
	tlsConfig *tls.Config
	servers   []*ServerInfo
	metrics   *metrics.Recorder
	dial      DialFunc
}

// CheckResult describes a successful service-account check.
type CheckResult struct {
	Server   string
	Secure   bool
	Identity string
}

// NewClient validates config and resolves the server list. ctx carries the
// logging subsystems and is used for discovery.
func NewClient(ctx context.Context, config *ConnectionConfig, opts ClientOptions) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tlsConfig, err := buildTLSConfig(config)
	if err != nil {
		return nil, err
	}

	c := &Client{
		ctx:       ctx,
		config:    config,
		log:       logging.NewTFLogger(ctx, logging.SubsystemLDAP),
		tlsConfig: tlsConfig,
		metrics:   opts.Metrics,
		dial:      opts.Dial,
	}
	if c.dial == nil {
		c.dial = Dial
	}

	start := time.Now()
	c.servers, err = c.resolveServers(ctx, opts.Resolver)
	if err != nil {
		return nil, fmt.Errorf("server discovery failed: %w", err)
	}

	c.log.Debug("LDAP client created", map[string]any{
		"server_count": len(c.servers),
		"transport":    string(config.Transport),
		"auth_type":    string(config.AuthType),
		"duration":     time.Since(start).String(),
	})
	return c, nil
}

// Servers returns the servers tried, in order.
func (c *Client) Servers() []*ServerInfo {
	return append([]*ServerInfo(nil), c.servers...)
}

func (c *Client) resolveServers(ctx context.Context, resolver SRVResolver) ([]*ServerInfo, error) {
	if c.config.DomainDiscovery {
		ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
		return NewSRVDiscovery(c.log, resolver).DiscoverServers(ctx, c.config.Domain, c.config.Transport)
	}

	servers := make([]*ServerInfo, 0, len(c.config.Hosts))
	for _, host := range c.config.Hosts {
		server, err := ParseServer(host, c.config.Transport, c.config.EffectivePort())
		if err != nil {
			return nil, fmt.Errorf("invalid host %s: %w", host, err)
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers configured")
	}
	return servers, nil
}

// buildTLSConfig layers the CA bundle and hostname policy onto config.TLSConfig.
// Without hostname verification the chain is still verified.
func buildTLSConfig(config *ConnectionConfig) (*tls.Config, error) {
	cfg := tlsConfigFor(config.TLSConfig, "")

	if config.TLSCACertFile != "" {
		pem, err := os.ReadFile(config.TLSCACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificates: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", config.TLSCACertFile)
		}
		cfg.RootCAs = pool
	}

	if !config.TLSVerifyHostname && !cfg.InsecureSkipVerify {
		roots := cfg.RootCAs
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("server presented no certificate")
			}
			opts := x509.VerifyOptions{
				Roots:         roots,
				Intermediates: x509.NewCertPool(),
			}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	}

	return cfg, nil
}

// connect dials the servers in order until one accepts, retrying the whole
// list with exponential backoff.
func (c *Client) connect(ctx context.Context) (*Conn, *ServerInfo, error) {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		for _, server := range c.servers {
			conn, err := c.connectServer(ctx, server)
			if err != nil {
				lastErr = err
				LogConnectionEvent(c.log, "connection_failed", map[string]any{
					"server":  server.Address(),
					"attempt": attempt + 1,
					"error":   err.Error(),
				})
				continue
			}
			return conn, server, nil
		}

		if attempt < c.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
			}
		}
	}

	return nil, nil, &LDAPError{
		Operation: "connect",
		Category:  ErrorCategoryConnection,
		Message:   "failed to connect after retries",
		Retryable: true,
		Cause:     lastErr,
	}
}

func (c *Client) connectServer(ctx context.Context, server *ServerInfo) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	transport, err := c.dial(dialCtx, server, c.tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ServerInfoToURL(server), err)
	}

	conn := NewConn(c.ctx, transport, ConnOptions{
		Debug:        c.config.Debug,
		Redactor:     c.config.Redactor,
		MaxFrameSize: c.config.MaxFrameSize,
		Secure:       server.UseTLS,
		Metrics:      c.metrics,
	})
	LogConnectionEvent(c.log, "connection_established", map[string]any{
		"server":        server.Address(),
		"connection_id": conn.ID(),
		"secure":        server.UseTLS,
	})

	if c.config.Transport == TransportStartTLS && !server.UseTLS {
		if err := conn.StartTLS(dialCtx, tlsConfigFor(c.tlsConfig, server.Host)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("StartTLS with %s failed: %w", server.Address(), err)
		}
		c.metrics.LDAPConnection("upgraded")
	}

	return conn, nil
}

// serviceBind authenticates conn as the configured service account.
func (c *Client) serviceBind(ctx context.Context, conn *Conn, server *ServerInfo) error {
	cfg := c.config

	switch cfg.AuthType {
	case AuthPlain:
		dn := cfg.BindDN
		if dn == "" {
			dn = cfg.ServiceAccountUsername
		}
		return conn.Bind(ctx, dn, cfg.ServiceAccountPassword)
	case AuthNTLM2:
		if cfg.ServiceAccountNTHash != "" {
			return conn.NTLMBindWithHash(ctx, cfg.NTLMDomain, cfg.NTLMWorkstation, cfg.ServiceAccountUsername, cfg.ServiceAccountNTHash)
		}
		return conn.NTLMBind(ctx, cfg.NTLMDomain, cfg.NTLMWorkstation, cfg.ServiceAccountUsername, cfg.ServiceAccountPassword)
	case AuthSSPI:
		return gssapiBind(ctx, conn, c.log, cfg, server)
	default:
		return fmt.Errorf("unsupported auth type %q", cfg.AuthType)
	}
}

// Authenticate verifies username and password: a service bind, a search for
// the user under the search DN, then a bind as the user on the same
// connection. Servers are tried in order; a server that fails before the user
// bind is skipped. Rounds repeat, up to MaxRetries, only while some server
// failed with a retryable error. Rejections are reported in the result, and the error is
// reserved for cancellation.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*authresult.AuthResult, error) {
	policy := authresult.Policy{
		PassAll:   c.config.PassThroughAll,
		AllowList: c.config.PassThroughAttrs,
	}
	builder := authresult.Builder{}

	if password == "" {
		return builder.FromLDAPBind(ldap.LDAPResultInvalidCredentials, MsgNoPassword, nil, policy), nil
	}

	backoff := c.config.InitialBackoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		transient := false
		for _, server := range c.servers {
			result, err := c.authenticateWithServer(ctx, server, username, password, policy)
			if err == nil {
				return result, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			LogLDAPError(c.log, "authenticate", err, map[string]any{
				"server":   server.Address(),
				"username": username,
				"attempt":  attempt + 1,
			})
			transient = transient || IsRetryableError(err)
		}

		// Only transient failures earn another round.
		if !transient {
			break
		}
		if attempt < c.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
			}
		}
	}

	c.log.Warn("No remaining LDAP servers, returning authentication failure", map[string]any{
		"username": username,
	})
	return builder.FromLDAPBind(ldap.LDAPResultUnavailable, MsgNoServerReachable, nil, policy), nil
}

// authenticateWithServer returns a result once the server has answered for the
// user, or an error when the next server should be tried.
func (c *Client) authenticateWithServer(ctx context.Context, server *ServerInfo, username, password string, policy authresult.Policy) (*authresult.AuthResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	conn, err := c.connectServer(ctx, server)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = conn.Unbind(context.WithoutCancel(ctx))
	}()

	if err := c.serviceBind(ctx, conn, server); err != nil {
		if IsInvalidCredentials(err) {
			c.log.Error("Service account credentials rejected", map[string]any{
				"server": server.Address(),
			})
		}
		return nil, fmt.Errorf("service account bind failed: %w", err)
	}

	builder := authresult.Builder{}

	user, err := c.findUser(ctx, conn, username, policy)
	if err != nil {
		var ldapErr *LDAPError
		if errors.As(err, &ldapErr) && ldapErr.Category == ErrorCategoryNotFound {
			c.log.Info("User not found", map[string]any{"username": username})
			return builder.FromLDAPBind(ldap.LDAPResultNoSuchObject, MsgInvalidUser, nil, policy), nil
		}
		if errors.Is(err, errUnsupportedUsername) {
			c.log.Info("Rejected malformed username", map[string]any{"username": username, "error": err.Error()})
			return builder.FromLDAPBind(ldap.LDAPResultInvalidCredentials, MsgInvalidUser, nil, policy), nil
		}
		return nil, fmt.Errorf("user search failed: %w", err)
	}

	if err := c.userBind(ctx, conn, user, username, password); err != nil {
		var ldapErr *LDAPError
		if !errors.As(err, &ldapErr) || ldapErr.LDAPCode == 0 {
			return nil, fmt.Errorf("user bind failed: %w", err)
		}
		c.log.Info("User authentication failed", map[string]any{
			"username": username,
			"code":     ldapErr.LDAPCode,
		})
		return builder.FromLDAPBind(ldapErr.LDAPCode, MsgUserAuthFailed, nil, policy), nil
	}

	LogPerformance(c.log, "authenticate", time.Since(start), map[string]any{
		"server":   server.Address(),
		"username": username,
	})
	return builder.FromLDAPBind(ldap.LDAPResultSuccess, MsgAuthSucceeded, renderEntry(user), policy), nil
}

var errUnsupportedUsername = errors.New("unsupported username format")

// findUser searches for the single user entry named by username, restricted to
// the security group when one is configured.
func (c *Client) findUser(ctx context.Context, conn *Conn, username string, policy authresult.Policy) (*ldap.Entry, error) {
	var groupRID string
	if c.config.SecurityGroupDN != "" {
		rid, err := c.groupRID(ctx, conn)
		if err != nil {
			c.log.Warn("Unable to resolve security group SID, matching memberOf only", map[string]any{
				"group_dn": c.config.SecurityGroupDN,
				"error":    err.Error(),
			})
		}
		groupRID = rid
	}

	filter, err := UserSearchFilter(c.config, username, groupRID)
	if err != nil {
		if DetectIdentifierType(username) == IdentifierTypeUnknown {
			return nil, fmt.Errorf("%w: %v", errUnsupportedUsername, err)
		}
		return nil, err
	}

	entry, err := conn.SearchOne(ctx, &SearchRequest{
		BaseDN:     c.config.SearchDN,
		Scope:      ldap.ScopeWholeSubtree,
		SizeLimit:  2,
		TimeLimit:  int(c.config.Timeout / time.Second),
		Filter:     filter,
		Attributes: searchAttributes(policy),
	})
	if err != nil {
		return nil, err
	}

	inScope, err := IsDNChild(entry.DN, c.config.SearchDN)
	if err != nil {
		return nil, err
	}
	if !inScope {
		return nil, &LDAPError{
			Operation: "search",
			Category:  ErrorCategoryNotFound,
			Message:   "entry is outside the search DN",
			DN:        entry.DN,
		}
	}

	return entry, nil
}

// groupRID returns the relative id of the security group, which AD stores as
// the primaryGroupID of members whose primary group it is.
func (c *Client) groupRID(ctx context.Context, conn *Conn) (string, error) {
	entry, err := conn.SearchOne(ctx, &SearchRequest{
		BaseDN:     c.config.SecurityGroupDN,
		Scope:      ldap.ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{"objectSid"},
	})
	if err != nil {
		return "", err
	}

	sid, err := ExtractSID(entry)
	if err != nil {
		return "", err
	}
	return sid[strings.LastIndex(sid, "-")+1:], nil
}

// userBind binds as the user found by the search. NTLM binds take the domain
// and account name from msDS-PrincipalName when AD provides it.
func (c *Client) userBind(ctx context.Context, conn *Conn, user *ldap.Entry, username, password string) error {
	if c.config.AuthType != AuthNTLM2 {
		return conn.Bind(ctx, user.DN, password)
	}

	domain, account := c.config.NTLMDomain, username
	if principal := user.GetAttributeValue(principalNameAttribute); strings.Contains(principal, `\`) {
		domain, account, _ = strings.Cut(principal, `\`)
	}
	return conn.NTLMBind(ctx, domain, c.config.NTLMWorkstation, account, password)
}

// searchAttributes lists the attributes fetched with the user entry.
func searchAttributes(policy authresult.Policy) []string {
	if policy.PassAll {
		return []string{"*", principalNameAttribute}
	}
	return append([]string{principalNameAttribute}, policy.AllowList...)
}

// renderEntry returns a copy of entry with binary identifiers in string form.
func renderEntry(entry *ldap.Entry) *ldap.Entry {
	out := &ldap.Entry{DN: entry.DN}
	for _, attr := range entry.Attributes {
		render, ok := binaryAttributeRenderers[strings.ToLower(attr.Name)]
		if !ok {
			out.Attributes = append(out.Attributes, attr)
			continue
		}

		rendered := &ldap.EntryAttribute{Name: attr.Name}
		for _, v := range attr.ByteValues {
			s, err := render(v)
			if err != nil {
				rendered.ByteValues = append(rendered.ByteValues, v)
				rendered.Values = append(rendered.Values, string(v))
				continue
			}
			rendered.ByteValues = append(rendered.ByteValues, []byte(s))
			rendered.Values = append(rendered.Values, s)
		}
		out.Attributes = append(out.Attributes, rendered)
	}
	return out
}

// Check connects, binds as the service account, and asks the server who it
// thinks the connection is.
func (c *Client) Check(ctx context.Context) (*CheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	conn, server, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = conn.Unbind(context.WithoutCancel(ctx))
	}()

	if err := c.serviceBind(ctx, conn, server); err != nil {
		return nil, fmt.Errorf("service account bind failed: %w", err)
	}

	identity, err := conn.WhoAmI(ctx)
	if err != nil {
		return nil, err
	}

	return &CheckResult{
		Server:   server.Address(),
		Secure:   conn.Secure(),
		Identity: identity,
	}, nil
}
