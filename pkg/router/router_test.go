//go:build linux

package router

import (
	"net"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/craftengine/kernel/pkg/conn"
	"github.com/craftengine/kernel/pkg/netfd"
	"github.com/craftengine/kernel/pkg/wire"
)

// fakeReactor satisfies reactorHandle without a real epoll instance.
type fakeReactor struct {
	mu           sync.Mutex
	unregistered []int
}

func (f *fakeReactor) Register(fd int) error   { return nil }
func (f *fakeReactor) SetWritable(fd int) error { return nil }
func (f *fakeReactor) SetReadable(fd int) error { return nil }
func (f *fakeReactor) Unregister(fd int) {
	f.mu.Lock()
	f.unregistered = append(f.unregistered, fd)
	f.mu.Unlock()
}

func (f *fakeReactor) wasUnregistered(fd int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.unregistered {
		if u == fd {
			return true
		}
	}
	return false
}

var _ reactorHandle = (*fakeReactor)(nil)

// fakeCatalog is a static, in-memory Catalog.
type fakeCatalog struct {
	services map[string]ServiceDescriptor
	nodes    map[string]NodeDescriptor
}

func (c *fakeCatalog) Service(name string) (ServiceDescriptor, bool, error) {
	d, ok := c.services[name]
	return d, ok, nil
}

func (c *fakeCatalog) Node(name string) (NodeDescriptor, bool, error) {
	d, ok := c.nodes[name]
	return d, ok, nil
}

var _ Catalog = (*fakeCatalog)(nil)

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "unix" }
func (a fakeAddr) String() string  { return a.s }

var _ net.Addr = fakeAddr{}

// socketpair returns two connected, blocking fds: kernelFD is the one handed
// to the Router (as if accepted by the reactor), peerFD is driven directly
// by the test to write frames Readable decodes and read frames Writable (via
// the router's own conn queue, inspected directly here instead) produced.
// Both halves are real sockets, so wire.Decode/Encode exercise the actual
// length-prefixed codec end to end.
func socketpair(t *testing.T) (kernelFD, peerFD int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestRouter(t *testing.T, self string, cat Catalog) (*Router, *fakeReactor) {
	t.Helper()
	r := New(self, cat, 1, zerolog.Nop())
	rx := &fakeReactor{}
	r.AttachReactor(rx)
	t.Cleanup(r.Stop)
	return r, rx
}

// barrier blocks until every job submitted to r before this call has run,
// relying on newTestRouter's single-worker pool to process jobs in
// submission order.
func barrier(r *Router) {
	done := make(chan struct{})
	r.submit(func() { close(done) })
	<-done
}

func connectService(t *testing.T, r *Router, kernelFD, peerFD int, service string, instance int64, token string) {
	t.Helper()
	r.Accept(kernelFD, fakeAddr{s: service})
	require.NoError(t, wire.Encode(netfd.FD(peerFD), wire.Frame{wire.OpConnect, service, instance, token, map[string]any{}}))
	r.Readable(kernelFD)
	barrier(r)

	c := r.connFor(kernelFD)
	require.NotNil(t, c)
	require.Equal(t, conn.RoleService, c.Role())
	require.Equal(t, service, c.Service)
}

func connectNode(t *testing.T, r *Router, kernelFD, peerFD int, node, token string) {
	t.Helper()
	r.Accept(kernelFD, fakeAddr{s: node})
	require.NoError(t, wire.Encode(netfd.FD(peerFD), wire.Frame{wire.OpConnectNode, node, token}))
	r.Readable(kernelFD)
	barrier(r)

	c := r.connFor(kernelFD)
	require.NotNil(t, c)
	require.Equal(t, conn.RoleNode, c.Role())
}

// TestLocalRequestRoutesToCalleeAndBackToCaller is scenario S1 (local call):
// a request from one locally connected service instance to another is
// delivered, and its response is correlated back to the original caller by
// rid (invariant 5).
func TestLocalRequestRoutesToCalleeAndBackToCaller(t *testing.T) {
	cat := &fakeCatalog{services: map[string]ServiceDescriptor{
		"client": {Token: "tok-c", Scale: 1},
		"svc":    {Token: "tok-s", Scale: 1},
	}}
	r, _ := newTestRouter(t, "nodeA", cat)

	callerFD, callerPeer := socketpair(t)
	calleeFD, calleePeer := socketpair(t)
	connectService(t, r, callerFD, callerPeer, "client", 1, "tok-c")
	connectService(t, r, calleeFD, calleePeer, "svc", 1, "tok-s")

	target := wire.Target{Node: "", Service: "svc", Instance: nil}
	req := wire.Frame{wire.OpRequest, target.ToFrame(), "do", []any{1}, map[string]any{}, "r1"}
	require.NoError(t, wire.Encode(netfd.FD(callerPeer), req))
	r.Readable(callerFD)
	barrier(r)

	calleeConn := r.connFor(calleeFD)
	require.NotNil(t, calleeConn)
	assert.Equal(t, 1, calleeConn.PendingCount())

	drained := calleeConn.Drain()
	require.Len(t, drained, 1)
	forwarded := drained[0]
	assert.Equal(t, wire.OpRequest, forwarded[0])
	assert.Equal(t, "do", forwarded[2])
	origin, err := wire.IdentityFromValue(forwarded[1])
	require.NoError(t, err)
	assert.Equal(t, wire.Identity{Node: "nodeA", Service: "client", Instance: 1}, origin)

	resp := wire.Frame{wire.OpResponse, "ok", nil, "r1"}
	require.NoError(t, wire.Encode(netfd.FD(calleePeer), resp))
	r.Readable(calleeFD)
	barrier(r)

	assert.Equal(t, 0, calleeConn.PendingCount())

	callerConn := r.connFor(callerFD)
	require.NotNil(t, callerConn)
	backToCaller := callerConn.Drain()
	require.Len(t, backToCaller, 1)
	assert.Equal(t, wire.Frame{wire.OpResponse, "ok", nil, "r1"}, backToCaller[0])
}

// TestFireAndForgetRequestToMissingServiceClosesSource is scenario S6: a
// request with rid=null targeting a nonexistent service closes the source
// fd and produces no response frame, since there is no rid to report a
// failure against.
func TestFireAndForgetRequestToMissingServiceClosesSource(t *testing.T) {
	cat := &fakeCatalog{services: map[string]ServiceDescriptor{
		"client": {Token: "tok-c", Scale: 1},
	}}
	r, rx := newTestRouter(t, "nodeA", cat)

	callerFD, callerPeer := socketpair(t)
	connectService(t, r, callerFD, callerPeer, "client", 1, "tok-c")

	target := wire.Target{Node: "", Service: "missing", Instance: nil}
	req := wire.Frame{wire.OpRequest, target.ToFrame(), "do", []any{}, map[string]any{}, nil}
	require.NoError(t, wire.Encode(netfd.FD(callerPeer), req))
	r.Readable(callerFD)
	barrier(r)

	assert.Nil(t, r.connFor(callerFD))
	assert.True(t, rx.wasUnregistered(callerFD))
}

// TestCrossNodeRequestForwardsViaProxyEnvelope is scenario S3: a request
// targeting a different node is wrapped in a proxy envelope and forwarded to
// that node's connection instead of being looked up in the local service
// directory.
func TestCrossNodeRequestForwardsViaProxyEnvelope(t *testing.T) {
	cat := &fakeCatalog{
		services: map[string]ServiceDescriptor{"client": {Token: "tok-c", Scale: 1}},
		nodes:    map[string]NodeDescriptor{"nodeB": {Token: "tok-n", Address: "10.0.0.2:7337"}},
	}
	r, _ := newTestRouter(t, "nodeA", cat)

	callerFD, callerPeer := socketpair(t)
	connectService(t, r, callerFD, callerPeer, "client", 1, "tok-c")

	nodeFD, nodePeer := socketpair(t)
	connectNode(t, r, nodeFD, nodePeer, "nodeB", "tok-n")

	target := wire.Target{Node: "nodeB", Service: "remoteSvc", Instance: nil}
	req := wire.Frame{wire.OpRequest, target.ToFrame(), "do", []any{}, map[string]any{}, "r2"}
	require.NoError(t, wire.Encode(netfd.FD(callerPeer), req))
	r.Readable(callerFD)
	barrier(r)

	nodeConn := r.connFor(nodeFD)
	require.NotNil(t, nodeConn)
	assert.Equal(t, 1, nodeConn.PendingCount())

	drained := nodeConn.Drain()
	require.Len(t, drained, 1)
	envelope := drained[0]
	assert.Equal(t, wire.OpProxy, envelope[0])
	assert.Equal(t, "nodeB", envelope[1])

	inner, ok := envelope[3].(wire.Frame)
	require.True(t, ok)
	assert.Equal(t, wire.OpRequest, inner[0])
	assert.Equal(t, "do", inner[2])
}

// TestRoleMonotonicityRejectsReauthAfterPromotion covers invariant 6: a
// connection already promoted to SERVICE cannot be re-authenticated as
// REG; sending connect again is treated as an unexpected opcode and the
// connection is closed rather than silently re-promoted.
func TestRoleMonotonicityRejectsReauthAfterPromotion(t *testing.T) {
	cat := &fakeCatalog{services: map[string]ServiceDescriptor{"client": {Token: "tok-c", Scale: 1}}}
	r, rx := newTestRouter(t, "nodeA", cat)

	fd, peer := socketpair(t)
	connectService(t, r, fd, peer, "client", 1, "tok-c")

	require.NoError(t, wire.Encode(netfd.FD(peer), wire.Frame{wire.OpConnect, "client", int64(1), "tok-c", map[string]any{}}))
	r.Readable(fd)
	barrier(r)

	assert.Nil(t, r.connFor(fd))
	assert.True(t, rx.wasUnregistered(fd))
}
