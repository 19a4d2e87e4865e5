package kernel

import (
	"sync"

	"github.com/craftengine/kernel/pkg/router"
)

// catalog is the kernel's router.Catalog implementation: the statically
// configured services and peer nodes this kernel accepts connections for.
// New fills it once at startup; no runtime operation in the kernel calls
// PutService or RemoveService afterwards.
type catalog struct {
	mu       sync.RWMutex
	services map[string]router.ServiceDescriptor
	nodes    map[string]router.NodeDescriptor
}

func newCatalog() *catalog {
	return &catalog{
		services: make(map[string]router.ServiceDescriptor),
		nodes:    make(map[string]router.NodeDescriptor),
	}
}

func (c *catalog) Service(name string) (router.ServiceDescriptor, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.services[name]
	return d, ok, nil
}

func (c *catalog) Node(name string) (router.NodeDescriptor, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.nodes[name]
	return d, ok, nil
}

// PutService admits or rescales a service (admin op: service add/scale).
func (c *catalog) PutService(name string, d router.ServiceDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = d
}

// RemoveService revokes a service's admission (admin op: service remove).
func (c *catalog) RemoveService(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.services, name)
}

// Services returns a snapshot of admitted services, for introspection.
func (c *catalog) Services() map[string]router.ServiceDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]router.ServiceDescriptor, len(c.services))
	for k, v := range c.services {
		out[k] = v
	}
	return out
}

func (c *catalog) PutNode(name string, d router.NodeDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[name] = d
}
