package ldap

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/isometry/authrelay/internal/logging"
)

// SRVResolver is the subset of *net.Resolver used for discovery.
type SRVResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// SRVDiscovery finds domain controllers through DNS SRV records.
type SRVDiscovery struct {
	log      logging.Logger
	resolver SRVResolver
}

// NewSRVDiscovery returns a discovery using resolver, or net.DefaultResolver
// when resolver is nil.
func NewSRVDiscovery(log logging.Logger, resolver SRVResolver) *SRVDiscovery {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &SRVDiscovery{
		log:      log,
		resolver: resolver,
	}
}

// DiscoverServers returns the servers advertised for domain. ldaps transports
// look up _ldaps._tcp first and fall back to _ldap._tcp on port 636; the other
// transports use _ldap._tcp. With no records at all the domain name itself is
// returned on the transport's well-known port.
func (d *SRVDiscovery) DiscoverServers(ctx context.Context, domain string, transport TransportMode) ([]*ServerInfo, error) {
	start := time.Now()

	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	d.log.Debug("Starting server discovery for domain", map[string]any{
		"domain":    domain,
		"transport": string(transport),
	})

	useTLS := transport == TransportLDAPS

	var servers []*ServerInfo
	var err error
	if useTLS {
		servers, err = d.lookupSRV(ctx, "_ldaps._tcp."+domain, true)
		if err != nil {
			servers, err = d.lookupSRV(ctx, "_ldap._tcp."+domain, true)
			for _, s := range servers {
				s.Port = DefaultLDAPSPort
			}
		}
	} else {
		servers, err = d.lookupSRV(ctx, "_ldap._tcp."+domain, false)
	}

	if err != nil || len(servers) == 0 {
		d.log.Debug("No SRV records found, using fallback server", map[string]any{
			"domain":   domain,
			"duration": time.Since(start).String(),
		})
		return createFallbackServers(domain, transport), nil
	}

	sortServersByPriority(servers)

	d.log.Debug("Server discovery completed", map[string]any{
		"duration":     time.Since(start).String(),
		"server_count": len(servers),
	})
	return servers, nil
}

func (d *SRVDiscovery) lookupSRV(ctx context.Context, service string, useTLS bool) ([]*ServerInfo, error) {
	start := time.Now()

	_, records, err := d.resolver.LookupSRV(ctx, "", "", service)
	if err != nil {
		d.log.Debug("SRV lookup failed", map[string]any{
			"service":  service,
			"duration": time.Since(start).String(),
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("SRV lookup failed for %s: %w", service, err)
	}

	d.log.Debug("SRV lookup completed", map[string]any{
		"service":      service,
		"duration":     time.Since(start).String(),
		"record_count": len(records),
	})

	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records found for %s", service)
	}

	servers := make([]*ServerInfo, 0, len(records))
	for _, srv := range records {
		servers = append(servers, &ServerInfo{
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			UseTLS:   useTLS,
			Priority: int(srv.Priority),
			Weight:   int(srv.Weight),
			Source:   "srv",
		})
	}

	return servers, nil
}

func createFallbackServers(domain string, transport TransportMode) []*ServerInfo {
	server := &ServerInfo{
		Host:   domain,
		Port:   DefaultPort,
		Weight: 100,
		Source: "fallback",
	}
	if transport == TransportLDAPS {
		server.Port = DefaultLDAPSPort
		server.UseTLS = true
	}
	return []*ServerInfo{server}
}

// sortServersByPriority orders by ascending priority, then descending weight
// (RFC 2782).
func sortServersByPriority(servers []*ServerInfo) {
	sort.SliceStable(servers, func(i, j int) bool {
		if servers[i].Priority != servers[j].Priority {
			return servers[i].Priority < servers[j].Priority
		}
		return servers[i].Weight > servers[j].Weight
	})
}

// ValidateServerInfo validates server information.
func ValidateServerInfo(server *ServerInfo) error {
	if server == nil {
		return fmt.Errorf("server info cannot be nil")
	}

	if server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", server.Port)
	}

	return nil
}

// ServerInfoToURL converts ServerInfo to LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	scheme := "ldap"
	if server.UseTLS {
		scheme = "ldaps"
	}

	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(server.Host, strconv.Itoa(server.Port)))
}

// ParseServer parses a configured host: an ldap:// or ldaps:// URL, host:port,
// or a bare host that gets the transport's default port.
func ParseServer(host string, transport TransportMode, defaultPort int) (*ServerInfo, error) {
	if host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}

	server := &ServerInfo{
		UseTLS: transport == TransportLDAPS,
		Port:   defaultPort,
		Weight: 100,
		Source: "config",
	}

	rest := host
	switch {
	case strings.HasPrefix(rest, "ldaps://"):
		server.UseTLS = true
		rest = strings.TrimPrefix(rest, "ldaps://")
		if server.Port == DefaultPort {
			server.Port = DefaultLDAPSPort
		}
	case strings.HasPrefix(rest, "ldap://"):
		server.UseTLS = false
		rest = strings.TrimPrefix(rest, "ldap://")
	case strings.Contains(rest, "://"):
		return nil, fmt.Errorf("unsupported scheme in %q, must be ldap:// or ldaps://", host)
	}
	rest, _, _ = strings.Cut(rest, "/")

	if h, p, err := net.SplitHostPort(rest); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port number: %s", p)
		}
		server.Host = h
		server.Port = port
	} else {
		server.Host = strings.Trim(rest, "[]")
	}

	return server, ValidateServerInfo(server)
}
