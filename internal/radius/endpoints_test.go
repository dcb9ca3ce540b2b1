package radius

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEndpoints(t *testing.T) {
	set, err := ResolveEndpoints([]string{"127.0.0.1", "127.0.0.2:1645", "[::1]"}, DefaultPort)
	require.NoError(t, err)

	assert.Equal(t, 3, set.Len())
	assert.Equal(t, []string{"127.0.0.1:1812", "127.0.0.2:1645", "[::1]:1812"}, set.Strings())
}

func TestResolveEndpoints_Errors(t *testing.T) {
	_, err := ResolveEndpoints(nil, DefaultPort)
	assert.ErrorContains(t, err, "need at least one destination")

	_, err = ResolveEndpoints([]string{"127.0.0.1:notaport"}, DefaultPort)
	assert.ErrorContains(t, err, "invalid host")
}

func TestEndpointSet_Rotation(t *testing.T) {
	a := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1812}
	b := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 1812}
	set := NewEndpointSet(a, b)

	assert.Same(t, a, set.At(0))
	assert.Same(t, b, set.At(1))
	assert.Same(t, a, set.At(2))
	assert.Same(t, b, set.At(5))

	assert.Equal(t, 1, set.Next(0))
	assert.Equal(t, 0, set.Next(1))
}

func TestEndpointSet_Contains(t *testing.T) {
	set := NewEndpointSet(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1812})

	tests := []struct {
		name string
		addr net.Addr
		want bool
	}{
		{"same address", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1812}, true},
		{"ipv4 in ipv6 form", &net.UDPAddr{IP: net.ParseIP("::ffff:10.0.0.1"), Port: 1812}, true},
		{"other port", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1813}, false},
		{"other host", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 1812}, false},
		{"not udp", &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1812}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, set.Contains(tt.addr))
		})
	}
}
