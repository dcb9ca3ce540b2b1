package radius

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// EndpointSet is the ordered list of upstream servers. Indexes wrap, so a
// request that outlives the list starts again at the first server.
type EndpointSet struct {
	addrs []*net.UDPAddr
}

// NewEndpointSet returns a set of addrs in order.
func NewEndpointSet(addrs ...*net.UDPAddr) *EndpointSet {
	return &EndpointSet{addrs: addrs}
}

// ResolveEndpoints resolves host or host:port entries, applying defaultPort
// where a host has none.
func ResolveEndpoints(hosts []string, defaultPort int) (*EndpointSet, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("need at least one destination")
	}

	addrs := make([]*net.UDPAddr, 0, len(hosts))
	for _, host := range hosts {
		hostport := host
		if _, _, err := net.SplitHostPort(host); err != nil {
			hostport = net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(defaultPort))
		}
		addr, err := net.ResolveUDPAddr("udp", hostport)
		if err != nil {
			return nil, fmt.Errorf("invalid host %s: %w", host, err)
		}
		addrs = append(addrs, addr)
	}

	return NewEndpointSet(addrs...), nil
}

// Len returns the number of endpoints.
func (s *EndpointSet) Len() int { return len(s.addrs) }

// At returns endpoint i modulo Len.
func (s *EndpointSet) At(i int) *net.UDPAddr {
	return s.addrs[i%len(s.addrs)]
}

// Next returns the index after i, wrapping to 0.
func (s *EndpointSet) Next(i int) int {
	return (i + 1) % len(s.addrs)
}

// Contains reports whether addr is one of the endpoints, comparing IP and port.
func (s *EndpointSet) Contains(addr net.Addr) bool {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return false
	}
	for _, a := range s.addrs {
		if a.Port == udp.Port && a.IP.Equal(udp.IP) {
			return true
		}
	}
	return false
}

// Strings returns the endpoints as host:port.
func (s *EndpointSet) Strings() []string {
	out := make([]string, len(s.addrs))
	for i, a := range s.addrs {
		out[i] = a.String()
	}
	return out
}
