package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"

	"github.com/isometry/authrelay/internal/logging"
)

// kerberosCredentials names the principal and secret material for a GSSAPI bind.
type kerberosCredentials struct {
	Username string
	Password string
	Realm    string
	Keytab   string
	CCache   string
	Config   string // krb5.conf path
}

// serviceKerberosCredentials derives the service account's Kerberos settings
// from cfg. A realm in the username (user@REALM) overrides KerberosRealm.
func serviceKerberosCredentials(cfg *ConnectionConfig) kerberosCredentials {
	creds := kerberosCredentials{
		Username: cfg.ServiceAccountUsername,
		Password: cfg.ServiceAccountPassword,
		Realm:    cfg.KerberosRealm,
		Keytab:   cfg.KerberosKeytab,
		CCache:   cfg.KerberosCCache,
		Config:   cfg.KerberosConfig,
	}

	if user, realm, ok := strings.Cut(creds.Username, "@"); ok {
		creds.Username = user
		if creds.Realm == "" {
			creds.Realm = strings.ToUpper(realm)
		}
	}
	if creds.Realm == "" && cfg.Domain != "" {
		creds.Realm = strings.ToUpper(cfg.Domain)
	}

	return creds
}

// gssapiBind acquires credentials and runs the SASL exchange against server.
func gssapiBind(ctx context.Context, conn *Conn, log logging.Logger, cfg *ConnectionConfig, server *ServerInfo) error {
	creds := serviceKerberosCredentials(cfg)

	krb5conf, cleanup, err := resolveKrb5Conf(ctx, log, cfg, creds)
	if err != nil {
		LogKerberosEvent(log, "authentication_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("kerberos configuration error: %w", err)
	}
	defer cleanup()
	creds.Config = krb5conf

	client, err := createGSSAPIClient(log, creds)
	if err != nil {
		LogKerberosEvent(log, "ticket_acquisition_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, server)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	LogKerberosEvent(log, "principal_resolved", map[string]any{"spn": spn, "realm": creds.Realm})

	if err := conn.GSSAPIBind(ctx, client, spn, ""); err != nil {
		LogKerberosEvent(log, "authentication_failed", map[string]any{"spn": spn, "error": err.Error()})
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

// createGSSAPIClient creates a GSSAPI client from the first usable source.
// Priority order: credential cache, keytab, password.
func createGSSAPIClient(log logging.Logger, creds kerberosCredentials) (ldap.GSSAPIClient, error) {
	if !fileExists(creds.Config) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", creds.Config)
	}

	if creds.CCache != "" && fileExists(creds.CCache) {
		LogKerberosEvent(log, "credentials_cached", map[string]any{"ccache": creds.CCache})
		return gssapi.NewClientFromCCache(creds.CCache, creds.Config, krb5client.DisablePAFXFAST(true))
	}

	if creds.Keytab != "" && fileExists(creds.Keytab) {
		LogKerberosEvent(log, "keytab_loaded", map[string]any{"keytab": creds.Keytab})
		return gssapi.NewClientWithKeytab(creds.Username, creds.Realm, creds.Keytab, creds.Config, krb5client.DisablePAFXFAST(true))
	}

	if creds.Username != "" && creds.Password != "" {
		LogKerberosEvent(log, "ticket_acquired", map[string]any{"principal": creds.Username + "@" + creds.Realm})
		return gssapi.NewClientWithPassword(creds.Username, creds.Realm, creds.Password, creds.Config, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal returns KerberosSPN, or ldap/<host> for server.
func buildServicePrincipal(cfg *ConnectionConfig, server *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if server == nil || server.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	hostname := server.Host
	if colonPos := strings.Index(hostname, ":"); colonPos != -1 {
		hostname = hostname[:colonPos]
	}

	return fmt.Sprintf("ldap/%s", hostname), nil
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
