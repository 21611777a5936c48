// Package transports wires the concrete tcp and quic implementations into a
// transport.Registry so cmd/raidpir-mirror (-transport) and
// cmd/raidpir-client (-mirror-transport) can select one by name without
// importing tcp/quic directly.
package transports

import (
	"fmt"

	"github.com/WebFirstLanguage/raidpir/pkg/transport"
	"github.com/WebFirstLanguage/raidpir/pkg/transport/quic"
	"github.com/WebFirstLanguage/raidpir/pkg/transport/tcp"
)

func init() {
	transport.DefaultRegistry.Register("tcp", tcp.New())
	transport.DefaultRegistry.Register("quic", quic.New())
}

// Get returns the registered transport for name, or an error listing the
// names that are available.
func Get(name string) (transport.Transport, error) {
	t, ok := transport.DefaultRegistry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown transport %q (have: %v)", name, transport.DefaultRegistry.List())
	}
	return t, nil
}
