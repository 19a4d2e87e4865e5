package directory

import (
	"sync"

	"github.com/craftengine/kernel/pkg/kerrors"
)

// NodeDirectory tracks which fd carries the peer connection for each node
// name (spec §3 "Node directory").
type NodeDirectory struct {
	mu    sync.Mutex
	nodes map[string]int

	// Evict is called (outside the lock) with the fd displaced by a
	// re-authentication for the same node name.
	Evict func(fd int)
}

func NewNodeDirectory() *NodeDirectory {
	return &NodeDirectory{nodes: make(map[string]int)}
}

// Put installs fd as the socket for node, evicting and closing any prior
// socket for the same name (spec §4.4).
func (d *NodeDirectory) Put(node string, fd int) {
	d.mu.Lock()
	prior, hadPrior := d.nodes[node]
	d.nodes[node] = fd
	d.mu.Unlock()

	if hadPrior && prior != fd && d.Evict != nil {
		d.Evict(prior)
	}
}

// Remove drops node if it currently maps to fd.
func (d *NodeDirectory) Remove(node string, fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.nodes[node]; ok && cur == fd {
		delete(d.nodes, node)
	}
}

// Lookup resolves node to its fd.
func (d *NodeDirectory) Lookup(node string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd, ok := d.nodes[node]
	if !ok {
		return 0, kerrors.Route("node %q is not connected", node)
	}
	return fd, nil
}
