package kernel

import (
	"context"
	"fmt"
	"net"

	"github.com/craftengine/kernel/pkg/kerrors"
)

// DialNode opens an outbound connection to a configured peer kernel and
// hands it to the router as a NODE connection, grounded in the original
// craftengine rpc.py's Rpc.node(): that method looks up the target's
// address and the caller's own token from the "kernel/nodes" registry
// entries, dials, registers the socket as SOCK_NODE, and sends the
// connect_node greeting before switching to write-interest. This kernel's
// peers come from static KERNEL_PEERS configuration instead of a registry
// key, but the dial/adopt/greet sequence is the same.
func (k *Kernel) DialNode(ctx context.Context, node string) error {
	addr, ok := k.peers[node]
	if !ok {
		return kerrors.Route("kernel: unknown peer node %q", node)
	}

	fd, err := dial(addr)
	if err != nil {
		return fmt.Errorf("kernel: dial node %q: %w", node, err)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		tcpAddr = nil
	}

	if err := k.router.AttachOutboundNode(fd, tcpAddr, node, k.cfg.PeerToken); err != nil {
		return fmt.Errorf("kernel: attach outbound node %q: %w", node, err)
	}
	return nil
}

// DialPeers dials every statically configured peer, logging but not failing
// on individual connection errors; a peer that is down at startup is picked
// up on a later reconnect attempt rather than blocking Run.
func (k *Kernel) DialPeers(ctx context.Context) {
	for node := range k.peers {
		if err := k.DialNode(ctx, node); err != nil {
			k.log.Warn().Err(err).Str("node", node).Msg("failed to dial peer node")
		}
	}
}
