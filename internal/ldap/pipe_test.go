package ldap

import (
	"net"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"

	"github.com/isometry/authrelay/internal/logging"
)

// fakeServer is the directory end of a net.Pipe. Tests drive it step by step:
// read the next request, then write whatever responses the case needs.
type fakeServer struct {
	t       *testing.T
	conn    net.Conn
	decoder *FrameDecoder
	queue   []*Message
}

func newPipeConn(t *testing.T, opts ConnOptions) (*Conn, *fakeServer) {
	t.Helper()

	client, server := net.Pipe()
	conn := NewConn(t.Context(), NewNetTransport(client), opts)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = server.Close()
	})

	return conn, &fakeServer{
		t:       t,
		conn:    server,
		decoder: NewFrameDecoder(0),
	}
}

// next returns the next request sent by the client.
func (s *fakeServer) next() *Message {
	s.t.Helper()

	buf := make([]byte, 4096)
	for len(s.queue) == 0 {
		require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		n, err := s.conn.Read(buf)
		require.NoError(s.t, err)
		msgs, err := s.decoder.Feed(buf[:n])
		require.NoError(s.t, err)
		s.queue = append(s.queue, msgs...)
	}

	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg
}

// send writes one response.
func (s *fakeServer) send(id int64, op Operation, controls ...ldap.Control) {
	s.t.Helper()
	s.write(encodeMessage(s.t, &Message{ID: id, Op: op, Controls: controls}))
}

func (s *fakeServer) write(data []byte) {
	s.t.Helper()
	require.NoError(s.t, s.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := s.conn.Write(data)
	require.NoError(s.t, err)
}

func encodeMessage(t *testing.T, msg *Message) []byte {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	return data
}

func success() Result {
	return Result{Code: ldap.LDAPResultSuccess}
}

func newEntry(dn string, attrs map[string][]string) *ldap.Entry {
	return ldap.NewEntry(dn, attrs)
}

// testLogger discards output unless the test registers a root logger.
func testLogger(t *testing.T) logging.Logger {
	return logging.NewTFLogger(t.Context(), logging.SubsystemLDAP)
}
