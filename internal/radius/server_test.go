package radius

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"layeh.com/radius"
)

const testSecret = "s3cret"

// fakeServer is an upstream RADIUS server on loopback. handle returns the
// response to send, or nil to stay silent.
type fakeServer struct {
	t      *testing.T
	conn   net.PacketConn
	secret []byte

	mu       sync.Mutex
	handle   func(req *radius.Packet) *radius.Packet
	received []*radius.Packet
	raws     [][]byte
	notify   chan *radius.Packet
}

func newFakeServer(t *testing.T, handle func(req *radius.Packet) *radius.Packet) *fakeServer {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{
		t:      t,
		conn:   conn,
		secret: []byte(testSecret),
		handle: handle,
		notify: make(chan *radius.Packet, 64),
	}
	t.Cleanup(func() { _ = conn.Close() })
	go s.serve()
	return s
}

func (s *fakeServer) addr() string { return s.conn.LocalAddr().String() }

func (s *fakeServer) serve() {
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		raw := append([]byte(nil), buf[:n]...)
		req, err := radius.Parse(raw, s.secret)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, req)
		s.raws = append(s.raws, raw)
		handle := s.handle
		s.mu.Unlock()
		s.notify <- req

		if handle == nil {
			continue
		}
		resp := handle(req)
		if resp == nil {
			continue
		}
		out, err := EncodeResponse(resp)
		if err != nil {
			continue
		}
		_, _ = s.conn.WriteTo(out, from)
	}
}

func (s *fakeServer) lastRaw() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raws[len(s.raws)-1]
}

func (s *fakeServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// waitRequest returns the next request the server saw.
func (s *fakeServer) waitRequest() *radius.Packet {
	s.t.Helper()
	select {
	case req := <-s.notify:
		return req
	case <-time.After(5 * time.Second):
		s.t.Fatal("no request received")
		return nil
	}
}

// respond builds a response with the given code; attrs are added by the caller.
func respond(code radius.Code) func(req *radius.Packet) *radius.Packet {
	return func(req *radius.Packet) *radius.Packet {
		return req.Response(code)
	}
}

func testConfig(hosts ...string) *ClientConfig {
	cfg := DefaultConfig()
	cfg.Hosts = hosts
	cfg.Secret = testSecret
	cfg.RetryWait = 100 * time.Millisecond
	cfg.NASIP = net.IPv4(127, 0, 0, 1)
	return cfg
}
