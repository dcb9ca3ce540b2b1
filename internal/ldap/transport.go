package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
)

// Transport is the byte stream under a Conn. StartTLS performs a client TLS
// handshake over the existing stream; after it returns nil, Read and Write use
// the encrypted stream.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	StartTLS(ctx context.Context, config *tls.Config) error
}

// netTransport adapts a net.Conn.
type netTransport struct {
	mu     sync.RWMutex
	conn   net.Conn
	secure bool
}

// NewNetTransport wraps conn. secure should be true when conn is already a TLS
// connection.
func NewNetTransport(conn net.Conn) Transport {
	_, secure := conn.(*tls.Conn)
	return &netTransport{conn: conn, secure: secure}
}

func (t *netTransport) current() net.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

func (t *netTransport) Read(p []byte) (int, error) {
	return t.current().Read(p)
}

func (t *netTransport) Write(p []byte) (int, error) {
	return t.current().Write(p)
}

func (t *netTransport) Close() error {
	return t.current().Close()
}

func (t *netTransport) StartTLS(ctx context.Context, config *tls.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.secure {
		return errors.New("transport is already using TLS")
	}

	tlsConn := tls.Client(t.conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}

	t.conn = tlsConn
	t.secure = true
	return nil
}

// Dial connects to server. ldaps servers get TLS from the first byte; STARTTLS
// is left to the caller.
func Dial(ctx context.Context, server *ServerInfo, tlsConfig *tls.Config) (Transport, error) {
	dialer := &net.Dialer{}

	if server.UseTLS {
		cfg := tlsConfigFor(tlsConfig, server.Host)
		td := &tls.Dialer{NetDialer: dialer, Config: cfg}
		conn, err := td.DialContext(ctx, "tcp", server.Address())
		if err != nil {
			return nil, err
		}
		return NewNetTransport(conn), nil
	}

	conn, err := dialer.DialContext(ctx, "tcp", server.Address())
	if err != nil {
		return nil, err
	}
	return NewNetTransport(conn), nil
}

// tlsConfigFor returns a copy of base with ServerName defaulted to host.
func tlsConfigFor(base *tls.Config, host string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}
