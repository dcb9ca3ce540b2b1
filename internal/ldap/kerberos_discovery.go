package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/isometry/authrelay/internal/logging"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// resolveKrb5Conf returns the krb5.conf path for a GSSAPI bind. An explicit or
// system configuration is used as is; otherwise a DNS-discovery configuration
// for the realm is written to a temporary file that cleanup removes.
func resolveKrb5Conf(ctx context.Context, log logging.Logger, cfg *ConnectionConfig, creds kerberosCredentials) (string, func(), error) {
	noop := func() {}

	if cfg.KerberosConfig != "" {
		return cfg.KerberosConfig, noop, nil
	}
	if fileExists(defaultKrb5Conf) {
		return defaultKrb5Conf, noop, nil
	}

	content, err := generateRuntimeKrb5Conf(log, creds.Realm, cfg.Domain)
	if err != nil {
		return "", noop, err
	}

	if err := ctx.Err(); err != nil {
		return "", noop, err
	}

	f, err := os.CreateTemp("", "authrelay-krb5-*.conf")
	if err != nil {
		return "", noop, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		cleanup()
		return "", noop, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}

	return path, cleanup, nil
}

// generateRuntimeKrb5Conf renders a krb5.conf that finds KDCs through DNS SRV
// records.
func generateRuntimeKrb5Conf(log logging.Logger, realm, domain string) (string, error) {
	if realm == "" {
		return "", fmt.Errorf("kerberos realm is required for auto-discovery")
	}

	realm = strings.ToUpper(realm)
	if domain == "" {
		domain = realm
	}
	domain = strings.ToLower(domain)

	log.Debug("Generating runtime krb5.conf", map[string]any{
		"realm":  realm,
		"domain": domain,
	})

	return fmt.Sprintf(`[libdefaults]
    default_realm = %s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true
    ticket_lifetime = 24h
    renew_lifetime = 7d

[realms]
    %s = {
    }

[domain_realm]
    .%s = %s
    %s = %s
`,
		realm,
		realm,
		domain, realm,
		domain, realm,
	), nil
}
