package scheduler

import (
	"context"
	"crypto/tls"
	"io"

	"github.com/WebFirstLanguage/raidpir/pkg/transport"
)

// TransportDialer adapts a pkg/transport.Transport into a scheduler.Dialer.
// TLSConfig is normally nil: mirror sessions run in plaintext (§9).
type TransportDialer struct {
	Transport transport.Transport
	TLSConfig *tls.Config
}

// NewTransportDialer returns a Dialer backed by t, dialing in plaintext.
func NewTransportDialer(t transport.Transport) *TransportDialer {
	return &TransportDialer{Transport: t}
}

// Dial implements Dialer.
func (d *TransportDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	return d.Transport.Dial(ctx, addr, d.TLSConfig)
}
