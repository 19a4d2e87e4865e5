// Package conn implements the per-socket connection record (spec §3
// "Connection record"): role, outbound frame queue, and pending-response
// table, restructured per spec §9 to hold bare fd integers rather than
// connection objects so the service/node directories and the router's
// pending tables never form a reference cycle back through the reactor.
package conn

import (
	"net"
	"sync"

	"github.com/craftengine/kernel/pkg/wire"
)

// Role is the socket's classification (spec §4.3). It is assigned once, on
// successful authentication, and never changes afterward.
type Role int

const (
	RoleReg Role = iota
	RoleService
	RoleNode
)

func (r Role) String() string {
	switch r {
	case RoleReg:
		return "REG"
	case RoleService:
		return "SERVICE"
	case RoleNode:
		return "NODE"
	default:
		return "?"
	}
}

// Pending records where a request came from, so its eventual response can
// be routed back to the exact origin (spec §3 "rid").
type Pending struct {
	OriginFD int
	Origin   wire.Identity
}

// Conn is one open socket's state.
type Conn struct {
	FD   int
	Addr net.Addr

	mu       sync.Mutex
	role     Role
	queue    []wire.Frame
	pending  map[string]Pending
	Service  string
	Instance int64
	Node     string
}

// New creates a REG-state connection record for fd.
func New(fd int, addr net.Addr) *Conn {
	return &Conn{FD: fd, Addr: addr, role: RoleReg, pending: make(map[string]Pending)}
}

// Role returns the connection's current role.
func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// PromoteService transitions a REG connection to SERVICE. It is a
// programming error to call this on a connection not currently REG.
func (c *Conn) PromoteService(service string, instance int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = RoleService
	c.Service = service
	c.Instance = instance
}

// PromoteNode transitions a REG connection to NODE.
func (c *Conn) PromoteNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = RoleNode
	c.Node = node
}

// Identity returns this connection's (node, service, instance) tuple, valid
// once it is SERVICE.
func (c *Conn) Identity(selfNode string) wire.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.Identity{Node: selfNode, Service: c.Service, Instance: c.Instance}
}

// Enqueue appends a frame to the outbound queue. The caller is responsible
// for flipping the reactor's interest for this fd to writable.
func (c *Conn) Enqueue(f wire.Frame) {
	c.mu.Lock()
	c.queue = append(c.queue, f)
	c.mu.Unlock()
}

// Drain atomically takes and clears the outbound queue.
func (c *Conn) Drain() []wire.Frame {
	c.mu.Lock()
	q := c.queue
	c.queue = nil
	c.mu.Unlock()
	return q
}

// QueueLen reports the current outbound queue depth, used to decide whether
// to keep write-interest enabled after a partial drain.
func (c *Conn) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// PutPending records that rid's eventual response should be routed back to
// origin. A rid of "" (wire null) must never be recorded (spec §3 "rid").
func (c *Conn) PutPending(rid string, p Pending) {
	if rid == "" {
		return
	}
	c.mu.Lock()
	c.pending[rid] = p
	c.mu.Unlock()
}

// PopPending removes and returns the pending entry for rid, if any.
func (c *Conn) PopPending(rid string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[rid]
	if ok {
		delete(c.pending, rid)
	}
	return p, ok
}

// PendingCount reports the number of in-flight correlated requests this
// connection is waiting on responses for.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
