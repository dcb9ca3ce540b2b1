package ldap

import (
	"context"
	"errors"
	"net"
	"testing"
)

// fakeResolver answers SRV lookups from a fixed table keyed by name.
type fakeResolver struct {
	records map[string][]*net.SRV
	lookups []string
}

func (r *fakeResolver) LookupSRV(_ context.Context, _, _, name string) (string, []*net.SRV, error) {
	r.lookups = append(r.lookups, name)
	recs, ok := r.records[name]
	if !ok {
		return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return name, recs, nil
}

func TestSRVDiscovery_DiscoverServers(t *testing.T) {
	tests := []struct {
		name        string
		records     map[string][]*net.SRV
		transport   TransportMode
		wantHosts   []string
		wantPorts   []int
		wantTLS     bool
		wantSource  string
		wantLookups []string
	}{
		{
			name: "ldap records sorted",
			records: map[string][]*net.SRV{
				"_ldap._tcp.example.com": {
					{Target: "dc2.example.com.", Port: 389, Priority: 10, Weight: 50},
					{Target: "dc1.example.com.", Port: 389, Priority: 0, Weight: 100},
					{Target: "dc3.example.com.", Port: 3268, Priority: 10, Weight: 100},
				},
			},
			transport:   TransportClear,
			wantHosts:   []string{"dc1.example.com", "dc3.example.com", "dc2.example.com"},
			wantPorts:   []int{389, 3268, 389},
			wantSource:  "srv",
			wantLookups: []string{"_ldap._tcp.example.com"},
		},
		{
			name: "starttls uses ldap records",
			records: map[string][]*net.SRV{
				"_ldap._tcp.example.com": {{Target: "dc1.example.com.", Port: 389}},
			},
			transport:   TransportStartTLS,
			wantHosts:   []string{"dc1.example.com"},
			wantPorts:   []int{389},
			wantSource:  "srv",
			wantLookups: []string{"_ldap._tcp.example.com"},
		},
		{
			name: "ldaps records",
			records: map[string][]*net.SRV{
				"_ldaps._tcp.example.com": {{Target: "dc1.example.com.", Port: 636}},
			},
			transport:   TransportLDAPS,
			wantHosts:   []string{"dc1.example.com"},
			wantPorts:   []int{636},
			wantTLS:     true,
			wantSource:  "srv",
			wantLookups: []string{"_ldaps._tcp.example.com"},
		},
		{
			name: "ldaps falls back to ldap records on 636",
			records: map[string][]*net.SRV{
				"_ldap._tcp.example.com": {{Target: "dc1.example.com.", Port: 389}},
			},
			transport:   TransportLDAPS,
			wantHosts:   []string{"dc1.example.com"},
			wantPorts:   []int{636},
			wantTLS:     true,
			wantSource:  "srv",
			wantLookups: []string{"_ldaps._tcp.example.com", "_ldap._tcp.example.com"},
		},
		{
			name:        "no records uses domain",
			transport:   TransportClear,
			wantHosts:   []string{"example.com"},
			wantPorts:   []int{389},
			wantSource:  "fallback",
			wantLookups: []string{"_ldap._tcp.example.com"},
		},
		{
			name: "empty answer uses domain",
			records: map[string][]*net.SRV{
				"_ldaps._tcp.example.com": {},
				"_ldap._tcp.example.com":  {},
			},
			transport:   TransportLDAPS,
			wantHosts:   []string{"example.com"},
			wantPorts:   []int{636},
			wantTLS:     true,
			wantSource:  "fallback",
			wantLookups: []string{"_ldaps._tcp.example.com", "_ldap._tcp.example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{records: tt.records}
			discovery := NewSRVDiscovery(testLogger(t), resolver)

			servers, err := discovery.DiscoverServers(t.Context(), "example.com", tt.transport)
			if err != nil {
				t.Fatalf("DiscoverServers() error = %v", err)
			}

			if len(servers) != len(tt.wantHosts) {
				t.Fatalf("DiscoverServers() returned %d servers, want %d", len(servers), len(tt.wantHosts))
			}
			for i, s := range servers {
				if s.Host != tt.wantHosts[i] || s.Port != tt.wantPorts[i] {
					t.Errorf("server %d = %s, want %s:%d", i, s.Address(), tt.wantHosts[i], tt.wantPorts[i])
				}
				if s.UseTLS != tt.wantTLS {
					t.Errorf("server %d UseTLS = %v, want %v", i, s.UseTLS, tt.wantTLS)
				}
				if s.Source != tt.wantSource {
					t.Errorf("server %d Source = %q, want %q", i, s.Source, tt.wantSource)
				}
			}

			if len(resolver.lookups) != len(tt.wantLookups) {
				t.Fatalf("lookups = %v, want %v", resolver.lookups, tt.wantLookups)
			}
			for i := range resolver.lookups {
				if resolver.lookups[i] != tt.wantLookups[i] {
					t.Errorf("lookup %d = %q, want %q", i, resolver.lookups[i], tt.wantLookups[i])
				}
			}
		})
	}
}

func TestSRVDiscovery_EmptyDomain(t *testing.T) {
	discovery := NewSRVDiscovery(testLogger(t), &fakeResolver{})

	if _, err := discovery.DiscoverServers(t.Context(), "", TransportClear); err == nil {
		t.Fatal("DiscoverServers() expected error for empty domain")
	}
}

func TestSRVDiscovery_ResolverError(t *testing.T) {
	discovery := NewSRVDiscovery(testLogger(t), resolverFunc(func(context.Context, string, string, string) (string, []*net.SRV, error) {
		return "", nil, errors.New("i/o timeout")
	}))

	servers, err := discovery.DiscoverServers(t.Context(), "example.com", TransportClear)
	if err != nil {
		t.Fatalf("DiscoverServers() error = %v", err)
	}
	if len(servers) != 1 || servers[0].Source != "fallback" {
		t.Errorf("DiscoverServers() = %+v, want the fallback server", servers)
	}
}

type resolverFunc func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)

func (f resolverFunc) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	return f(ctx, service, proto, name)
}

func TestParseServer(t *testing.T) {
	tests := []struct {
		name        string
		host        string
		transport   TransportMode
		defaultPort int
		want        *ServerInfo
		wantErr     bool
	}{
		{
			name:        "bare host",
			host:        "dc1.example.com",
			transport:   TransportClear,
			defaultPort: 389,
			want:        &ServerInfo{Host: "dc1.example.com", Port: 389},
		},
		{
			name:        "host and port",
			host:        "dc1.example.com:3268",
			transport:   TransportClear,
			defaultPort: 389,
			want:        &ServerInfo{Host: "dc1.example.com", Port: 3268},
		},
		{
			name:        "ldaps transport",
			host:        "dc1.example.com",
			transport:   TransportLDAPS,
			defaultPort: 636,
			want:        &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true},
		},
		{
			name:        "ldaps url switches default port",
			host:        "ldaps://dc1.example.com",
			transport:   TransportClear,
			defaultPort: 389,
			want:        &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true},
		},
		{
			name:        "ldap url with port and path",
			host:        "ldap://dc1.example.com:1389/DC=example,DC=com",
			transport:   TransportLDAPS,
			defaultPort: 636,
			want:        &ServerInfo{Host: "dc1.example.com", Port: 1389},
		},
		{
			name:        "ipv6 literal",
			host:        "[2001:db8::1]:389",
			transport:   TransportClear,
			defaultPort: 389,
			want:        &ServerInfo{Host: "2001:db8::1", Port: 389},
		},
		{
			name:        "bracketed ipv6 without port",
			host:        "[2001:db8::1]",
			transport:   TransportClear,
			defaultPort: 389,
			want:        &ServerInfo{Host: "2001:db8::1", Port: 389},
		},
		{
			name:        "unsupported scheme",
			host:        "http://dc1.example.com",
			transport:   TransportClear,
			defaultPort: 389,
			wantErr:     true,
		},
		{
			name:        "invalid port",
			host:        "dc1.example.com:ldap",
			transport:   TransportClear,
			defaultPort: 389,
			wantErr:     true,
		},
		{
			name:        "port out of range",
			host:        "dc1.example.com:70000",
			transport:   TransportClear,
			defaultPort: 389,
			wantErr:     true,
		},
		{
			name:        "empty",
			host:        "",
			transport:   TransportClear,
			defaultPort: 389,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServer(tt.host, tt.transport, tt.defaultPort)

			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseServer() expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("ParseServer() unexpected error: %v", err)
			}
			if got.Host != tt.want.Host || got.Port != tt.want.Port || got.UseTLS != tt.want.UseTLS {
				t.Errorf("ParseServer() = %+v, want %+v", got, tt.want)
			}
			if got.Source != "config" {
				t.Errorf("Source = %q, want config", got.Source)
			}
		})
	}
}

func TestValidateServerInfo(t *testing.T) {
	tests := []struct {
		name    string
		server  *ServerInfo
		wantErr bool
	}{
		{
			name:   "valid server",
			server: &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true, Weight: 100, Source: "config"},
		},
		{
			name:    "nil server",
			server:  nil,
			wantErr: true,
		},
		{
			name:    "empty host",
			server:  &ServerInfo{Port: 636},
			wantErr: true,
		},
		{
			name:    "invalid port - zero",
			server:  &ServerInfo{Host: "dc1.example.com"},
			wantErr: true,
		},
		{
			name:    "invalid port - too high",
			server:  &ServerInfo{Host: "dc1.example.com", Port: 70000},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServerInfo(tt.server)

			if tt.wantErr && err == nil {
				t.Errorf("ValidateServerInfo() expected error but got none")
			}

			if !tt.wantErr && err != nil {
				t.Errorf("ValidateServerInfo() unexpected error: %v", err)
			}
		})
	}
}

func TestServerInfoToURL(t *testing.T) {
	tests := []struct {
		name   string
		server *ServerInfo
		want   string
	}{
		{
			name:   "ldaps server",
			server: &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true},
			want:   "ldaps://dc1.example.com:636",
		},
		{
			name:   "ldap server",
			server: &ServerInfo{Host: "dc1.example.com", Port: 389},
			want:   "ldap://dc1.example.com:389",
		},
		{
			name:   "ipv6 server",
			server: &ServerInfo{Host: "2001:db8::1", Port: 389},
			want:   "ldap://[2001:db8::1]:389",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ServerInfoToURL(tt.server)
			if got != tt.want {
				t.Errorf("ServerInfoToURL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortServersByPriority(t *testing.T) {
	servers := []*ServerInfo{
		{Host: "dc3", Priority: 2, Weight: 50},
		{Host: "dc1", Priority: 1, Weight: 100},
		{Host: "dc2", Priority: 1, Weight: 50},
		{Host: "dc4", Priority: 0, Weight: 100},
	}

	sortServersByPriority(servers)

	expected := []string{"dc4", "dc1", "dc2", "dc3"}
	for i, server := range servers {
		if server.Host != expected[i] {
			t.Errorf("Position %d: got %s, want %s", i, server.Host, expected[i])
		}
	}
}
