// Package tcp implements the TCP transport used for client<->mirror
// connections. It runs in plaintext when dialed/listened with a nil
// *tls.Config, which is the mirror protocol's normal mode (mirrors are
// trusted-but-crash-prone, not actively malicious, so the wire is not
// encrypted); passing a non-nil config upgrades the same transport to TCP
// over TLS 1.3 for deployments that want it (e.g. the vendor channel).
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/WebFirstLanguage/raidpir/pkg/constants"
	"github.com/WebFirstLanguage/raidpir/pkg/transport"
)

// Transport implements plain or TLS-upgraded TCP.
type Transport struct{}

// New creates a new TCP transport.
func New() transport.Transport {
	return &Transport{}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "tcp"
}

// DefaultPort returns the default mirror-facing TCP port.
func (t *Transport) DefaultPort() int {
	return constants.DefaultMirrorPort
}

// Listen starts listening for TCP connections. If tlsConfig is nil,
// accepted connections are handed back as plain TCP; otherwise the
// listener upgrades every accepted connection with a TLS 1.3 handshake.
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP listener: %w", err)
	}

	if tlsConfig == nil {
		return &Listener{listener: listener}, nil
	}

	serverTLSConfig := tlsConfig.Clone()
	if len(serverTLSConfig.NextProtos) == 0 {
		serverTLSConfig.NextProtos = []string{"raidpir/1"}
	}
	if serverTLSConfig.MinVersion == 0 {
		serverTLSConfig.MinVersion = tls.VersionTLS13
	}

	return &Listener{
		listener:  listener,
		tlsConfig: serverTLSConfig,
	}, nil
}

// Dial establishes a TCP connection. If tlsConfig is nil, the connection
// is left in plaintext; otherwise it is upgraded with a TLS 1.3 handshake.
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	dialer := &net.Dialer{Timeout: constants.MirrorDialTimeout}

	if tlsConfig == nil {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial TCP connection: %w", err)
		}
		return &Conn{conn: conn}, nil
	}

	clientTLSConfig := tlsConfig.Clone()
	if len(clientTLSConfig.NextProtos) == 0 {
		clientTLSConfig.NextProtos = []string{"raidpir/1"}
	}
	if clientTLSConfig.MinVersion == 0 {
		clientTLSConfig.MinVersion = tls.VersionTLS13
	}

	conn, err := tls.DialWithDialer(dialer, "tcp", addr, clientTLSConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial TCP+TLS connection: %w", err)
	}
	return &Conn{conn: conn}, nil
}

// Listener wraps a TCP listener, optionally upgrading accepted
// connections with TLS.
type Listener struct {
	listener  *net.TCPListener
	tlsConfig *tls.Config
}

// Accept waits for and returns the next connection.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		l.listener.SetDeadline(deadline)
	}

	tcpConn, err := l.listener.AcceptTCP()
	if err != nil {
		return nil, err
	}

	if l.tlsConfig == nil {
		return &Conn{conn: tcpConn}, nil
	}

	tlsConn := tls.Server(tcpConn, l.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return &Conn{conn: tlsConn}, nil
}

// Close closes the listener.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Conn wraps a net.Conn, which may or may not be TLS-upgraded.
type Conn struct {
	conn net.Conn
}

func (c *Conn) Read(b []byte) (n int, err error)  { return c.conn.Read(b) }
func (c *Conn) Write(b []byte) (n int, err error) { return c.conn.Write(b) }
func (c *Conn) Close() error                      { return c.conn.Close() }
func (c *Conn) LocalAddr() net.Addr               { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr              { return c.conn.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// ConnectionState returns the TLS connection state, or the zero value when
// the connection is plaintext.
func (c *Conn) ConnectionState() tls.ConnectionState {
	if tc, ok := c.conn.(*tls.Conn); ok {
		return tc.ConnectionState()
	}
	return tls.ConnectionState{}
}
