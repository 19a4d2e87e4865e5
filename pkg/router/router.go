//go:build linux

// Package router implements the opcode dispatch table that sits behind the
// reactor (spec §4.3-§4.8), grounded in the original craftengine rpc.py's
// RegularHandler/ServiceHandler/NodeHandler process_* methods. It owns the
// fd table and the service/node directories, and is the reactor.Dispatcher
// the kernel wires into the reactor.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/craftengine/kernel/pkg/conn"
	"github.com/craftengine/kernel/pkg/directory"
	"github.com/craftengine/kernel/pkg/kerrors"
	"github.com/craftengine/kernel/pkg/netfd"
	"github.com/craftengine/kernel/pkg/reactor"
	"github.com/craftengine/kernel/pkg/wire"
)

// reactorHandle is the subset of *reactor.Reactor the router needs; an
// interface so tests can exercise Router without a real epoll instance.
type reactorHandle interface {
	Register(fd int) error
	SetWritable(fd int) error
	SetReadable(fd int) error
	Unregister(fd int)
}

var _ reactorHandle = (*reactor.Reactor)(nil)

// DefaultWorkerPoolSize is the default width of the bounded pool that runs
// everything except proxy forwarding (spec §5).
const DefaultWorkerPoolSize = 8

// Router dispatches decoded frames by opcode and connection role.
type Router struct {
	self    string
	log     zerolog.Logger
	reactor reactorHandle
	catalog Catalog

	mu    sync.Mutex
	conns map[int]*conn.Conn

	svcDir  *directory.ServiceDirectory
	nodeDir *directory.NodeDirectory

	jobs chan func()
	wg   sync.WaitGroup

	localMu      sync.Mutex
	localPending map[string]chan callResult
}

// localCallerFD is the sentinel conn.Pending.OriginFD used for requests the
// kernel itself originates (registry RPC handler policy calls, spec
// §4.9.1), which have no real source connection to route a response back
// to.
const localCallerFD = -1

type callResult struct {
	result any
	errVal any
}

// New builds a Router. The reactor handle is supplied later via
// AttachReactor, since the reactor itself needs a Dispatcher (this Router)
// to be constructed first. poolSize <= 0 uses DefaultWorkerPoolSize.
func New(self string, catalog Catalog, poolSize int, log zerolog.Logger) *Router {
	if poolSize <= 0 {
		poolSize = DefaultWorkerPoolSize
	}
	r := &Router{
		self:         self,
		log:          log,
		catalog:      catalog,
		conns:        make(map[int]*conn.Conn),
		svcDir:       directory.NewServiceDirectory(),
		nodeDir:      directory.NewNodeDirectory(),
		jobs:         make(chan func(), 256),
		localPending: make(map[string]chan callResult),
	}
	r.svcDir.Evict = r.closeConn
	r.nodeDir.Evict = r.closeConn

	for i := 0; i < poolSize; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// AttachReactor wires the reactor handle the router uses to flip read/write
// interest. It must be called once, before the reactor starts running.
func (r *Router) AttachReactor(rx reactorHandle) {
	r.reactor = rx
}

// Stop drains the worker pool. Call once the reactor has stopped.
func (r *Router) Stop() {
	close(r.jobs)
	r.wg.Wait()
}

// CloseAll closes every currently tracked connection without emitting any
// frames, the router-owned half of spec §5's shutdown contract ("closes
// each fd (emitting no frames), then exits the loop"). Call once the
// reactor's readiness loop has returned, before Stop drains the worker pool,
// so no in-flight job can still enqueue a frame onto a socket this closes.
func (r *Router) CloseAll() {
	r.mu.Lock()
	fds := make([]int, 0, len(r.conns))
	for fd := range r.conns {
		fds = append(fds, fd)
	}
	r.mu.Unlock()

	for _, fd := range fds {
		r.closeConn(fd)
	}
}

func (r *Router) worker() {
	defer r.wg.Done()
	for fn := range r.jobs {
		r.runSafely(fn)
	}
}

func (r *Router) runSafely(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("worker pool job panicked")
		}
	}()
	fn()
}

func (r *Router) submit(fn func()) {
	defer func() {
		// jobs channel is closed only at shutdown; a post-Stop submit is a
		// benign race during reactor teardown.
		_ = recover()
	}()
	r.jobs <- fn
}

// --- reactor.Dispatcher ---

func (r *Router) Accept(fd int, addr net.Addr) {
	c := conn.New(fd, addr)
	r.mu.Lock()
	r.conns[fd] = c
	r.mu.Unlock()
	r.log.Debug().Int("fd", fd).Str("addr", addr.String()).Msg("accepted connection")
}

func (r *Router) Readable(fd int) {
	c := r.connFor(fd)
	if c == nil {
		return
	}

	frame, err := wire.Decode(netfd.FD(fd))
	if err != nil {
		r.log.Debug().Err(err).Int("fd", fd).Msg("frame decode failed, closing")
		r.closeConn(fd)
		return
	}
	if len(frame) == 0 {
		r.closeConn(fd)
		return
	}
	opStr, err := wire.AsString(frame[0])
	if err != nil {
		r.closeConn(fd)
		return
	}
	op := wire.Opcode(opStr)

	// Cross-node proxy forwarding is pure routing and stays on the reactor
	// goroutine (spec §5); everything else runs on the worker pool.
	if op == wire.OpProxy || op == wire.OpProxyStatus {
		r.dispatchFrame(fd, c, op, frame[1:])
		return
	}
	r.submit(func() { r.dispatchFrame(fd, c, op, frame[1:]) })
}

func (r *Router) Writable(fd int) {
	c := r.connFor(fd)
	if c == nil {
		return
	}
	frames := c.Drain()
	for _, f := range frames {
		if err := wire.Encode(netfd.FD(fd), f); err != nil {
			r.log.Debug().Err(err).Int("fd", fd).Msg("frame encode failed, closing")
			r.closeConn(fd)
			return
		}
	}
	if c.QueueLen() == 0 {
		r.reactor.SetReadable(fd)
	}
}

func (r *Router) HangUp(fd int) {
	r.closeConn(fd)
}

// --- opcode dispatch ---

func (r *Router) dispatchFrame(fd int, c *conn.Conn, op wire.Opcode, payload wire.Frame) {
	switch c.Role() {
	case conn.RoleReg:
		switch op {
		case wire.OpConnect:
			r.handleConnect(fd, payload)
		case wire.OpConnectNode:
			r.handleConnectNode(fd, payload)
		default:
			r.log.Debug().Str("opcode", string(op)).Int("fd", fd).Msg("unexpected opcode before auth")
			r.closeConn(fd)
		}
	case conn.RoleService:
		switch op {
		case wire.OpRequest:
			r.dispatchRequest(fd, c.Identity(r.self), payload)
		case wire.OpResponse:
			r.dispatchResponse(fd, payload)
		default:
			r.closeConn(fd)
		}
	case conn.RoleNode:
		switch op {
		case wire.OpProxy:
			r.dispatchProxy(fd, payload)
		case wire.OpProxyStatus:
			r.dispatchProxyStatus(fd, payload)
		default:
			r.closeConn(fd)
		}
	}
}

// --- connect / connect_node (spec §4.3) ---

func (r *Router) handleConnect(fd int, payload wire.Frame) {
	if len(payload) != 4 {
		r.closeConn(fd)
		return
	}
	service, err1 := wire.AsString(payload[0])
	instance, err2 := wire.AsInt64(payload[1])
	token, err3 := wire.AsString(payload[2])
	if err1 != nil || err2 != nil || err3 != nil {
		r.closeConn(fd)
		return
	}

	desc, ok, err := r.catalog.Service(service)
	if err != nil || !ok {
		r.log.Debug().Str("service", service).Msg("connect: unknown service")
		r.closeConn(fd)
		return
	}
	if desc.MinVersion != "" {
		if params, ok := payload[3].(map[string]any); ok {
			if v, verr := wire.AsString(params["version"]); verr == nil && v != "" {
				if !versionAtLeast(v, desc.MinVersion) {
					r.log.Debug().Str("service", service).Str("version", v).Msg("connect: version below minimum")
					r.closeConn(fd)
					return
				}
			}
		}
	}
	if token != desc.Token {
		r.log.Debug().Str("service", service).Msg("connect: bad token")
		r.closeConn(fd)
		return
	}
	if instance < 1 || instance > desc.Scale {
		r.log.Debug().Str("service", service).Int64("instance", instance).Msg("connect: instance out of range")
		r.closeConn(fd)
		return
	}

	c := r.connFor(fd)
	if c == nil {
		return
	}
	c.PromoteService(service, instance)
	r.svcDir.Put(service, instance, fd)
	r.log.Info().Str("service", service).Int64("instance", instance).Int("fd", fd).Msg("service connected")
}

func (r *Router) handleConnectNode(fd int, payload wire.Frame) {
	if len(payload) != 2 {
		r.closeConn(fd)
		return
	}
	node, err1 := wire.AsString(payload[0])
	token, err2 := wire.AsString(payload[1])
	if err1 != nil || err2 != nil {
		r.closeConn(fd)
		return
	}

	desc, ok, err := r.catalog.Node(node)
	if err != nil || !ok {
		r.closeConn(fd)
		return
	}
	if token != desc.Token {
		r.closeConn(fd)
		return
	}

	c := r.connFor(fd)
	if c == nil {
		return
	}
	c.PromoteNode(node)
	r.nodeDir.Put(node, fd)
	r.log.Info().Str("node", node).Int("fd", fd).Msg("peer node connected")
}

// AttachOutboundNode adopts fd (already connected to a peer kernel) as a
// NODE connection and sends the initial connect_node greeting, mirroring
// rpc.py's Rpc.node(): the dialer trusts its own configuration and promotes
// the connection immediately rather than waiting on a reply frame, so a
// misconfigured token is only caught when the remote end closes us.
func (r *Router) AttachOutboundNode(fd int, addr net.Addr, node, selfToken string) error {
	if err := r.reactor.Register(fd); err != nil {
		return fmt.Errorf("router: register outbound node fd: %w", err)
	}

	c := conn.New(fd, addr)
	c.PromoteNode(node)
	r.mu.Lock()
	r.conns[fd] = c
	r.mu.Unlock()
	r.nodeDir.Put(node, fd)

	r.enqueueFrame(fd, wire.Frame{wire.OpConnectNode, r.self, selfToken})
	r.log.Info().Str("node", node).Int("fd", fd).Msg("dialed peer node")
	return nil
}

// --- request / response (spec §4.5, §4.6) ---

func (r *Router) dispatchRequest(sourceFD int, origin wire.Identity, payload wire.Frame) {
	if len(payload) != 5 {
		r.failRequest(sourceFD, "", kerrors.Route("malformed request frame"))
		return
	}
	target, err := wire.TargetFromValue(payload[0])
	if err != nil {
		r.failRequest(sourceFD, "", err)
		return
	}
	method, err := wire.AsString(payload[1])
	if err != nil {
		r.failRequest(sourceFD, "", err)
		return
	}
	args := payload[2]
	kwargs := payload[3]
	rid := ridFromValue(payload[4])

	if target.Node != "" && target.Node != wire.LocalNode && target.Node != r.self {
		r.forwardToNode(sourceFD, origin, target, method, args, kwargs, rid)
		return
	}

	fd, err := r.svcDir.Lookup(target.Service, target.Instance)
	if err != nil {
		r.failRequest(sourceFD, rid, err)
		return
	}

	r.enqueueFrame(fd, wire.Frame{wire.OpRequest, origin.ToFrame(), method, args, kwargs, ridToValue(rid)})
	if rid != "" {
		if tc := r.connFor(fd); tc != nil {
			tc.PutPending(rid, conn.Pending{OriginFD: sourceFD, Origin: origin})
		}
	}
}

func (r *Router) forwardToNode(sourceFD int, origin wire.Identity, target wire.Target, method string, args, kwargs any, rid string) {
	nodeFD, err := r.nodeDir.Lookup(target.Node)
	if err != nil {
		r.failRequest(sourceFD, rid, err)
		return
	}

	inner := wire.Frame{wire.OpRequest, target.ToFrame(), method, args, kwargs, ridToValue(rid)}
	envelope := wire.Frame{wire.OpProxy, target.Node, origin.ToFrame(), wire.Frame(inner), r.generateProxyRID()}
	r.enqueueFrame(nodeFD, envelope)

	if rid != "" {
		if tc := r.connFor(nodeFD); tc != nil {
			tc.PutPending(rid, conn.Pending{OriginFD: sourceFD, Origin: origin})
		}
	}
}

func (r *Router) dispatchResponse(sourceFD int, payload wire.Frame) {
	if len(payload) != 3 {
		return
	}
	result := payload[0]
	errVal := payload[1]
	rid := ridFromValue(payload[2])
	if rid == "" {
		return
	}

	c := r.connFor(sourceFD)
	if c == nil {
		return
	}
	pending, ok := c.PopPending(rid)
	if !ok {
		r.log.Debug().Str("rid", rid).Int("fd", sourceFD).Msg("response for unknown rid, dropped")
		return
	}

	if pending.OriginFD == localCallerFD {
		r.localMu.Lock()
		ch, ok := r.localPending[rid]
		if ok {
			delete(r.localPending, rid)
		}
		r.localMu.Unlock()
		if ok {
			ch <- callResult{result: result, errVal: errVal}
		}
		return
	}

	originConn := r.connFor(pending.OriginFD)
	if originConn == nil {
		return
	}

	if originConn.Role() == conn.RoleNode {
		resp := wire.Frame{wire.OpResponse, result, errVal, rid}
		replier := c.Identity(r.self)
		envelope := wire.Frame{wire.OpProxy, pending.Origin.Node, replier.ToFrame(), wire.Frame(resp), r.generateProxyRID()}
		r.enqueueFrame(pending.OriginFD, envelope)
		return
	}

	r.enqueueFrame(pending.OriginFD, wire.Frame{wire.OpResponse, result, errVal, rid})
}

// failRequest reports a routing failure back to the requester. A nil rid
// means the caller expected no response and so cannot be told; the only
// recourse is to close its connection (spec §4.5).
func (r *Router) failRequest(sourceFD int, rid string, err error) {
	if rid == "" {
		r.closeConn(sourceFD)
		return
	}
	r.enqueueFrame(sourceFD, wire.Frame{wire.OpResponse, nil, errorTuple(err), rid})
}

// Call issues a synchronous request to a balanced instance of service,
// blocking until a response arrives or ctx is done. It is the kernel's own
// path for the registry's handler=[service,method] RPC policy (spec
// §4.9.1): the kernel has no inbound connection of its own, so it fakes an
// origin identity and tracks the response through localPending instead of a
// connection's pending table.
func (r *Router) Call(ctx context.Context, service, method string, args any) (result any, errVal any, err error) {
	fd, err := r.svcDir.Lookup(service, nil)
	if err != nil {
		return nil, nil, err
	}

	rid := r.generateProxyRID()
	ch := make(chan callResult, 1)
	r.localMu.Lock()
	r.localPending[rid] = ch
	r.localMu.Unlock()

	origin := wire.Identity{Node: r.self, Service: "__kernel__", Instance: 0}
	r.enqueueFrame(fd, wire.Frame{wire.OpRequest, origin.ToFrame(), method, args, map[string]any{}, rid})
	if tc := r.connFor(fd); tc != nil {
		tc.PutPending(rid, conn.Pending{OriginFD: localCallerFD, Origin: origin})
	}

	select {
	case res := <-ch:
		return res.result, res.errVal, nil
	case <-ctx.Done():
		r.localMu.Lock()
		delete(r.localPending, rid)
		r.localMu.Unlock()
		return nil, nil, ctx.Err()
	}
}

// --- proxy / proxy_status (spec §4.7) ---

func (r *Router) dispatchProxy(sourceFD int, payload wire.Frame) {
	if len(payload) != 4 {
		return
	}
	targetNode, err := wire.AsString(payload[0])
	if err != nil {
		return
	}
	origin, err := wire.IdentityFromValue(payload[1])
	if err != nil {
		return
	}
	inner, ok := asFrame(payload[2])
	if !ok {
		return
	}
	proxyRID := payload[3]

	if targetNode == r.self || targetNode == wire.LocalNode {
		if len(inner) == 0 {
			return
		}
		innerOp, err := wire.AsString(inner[0])
		if err != nil {
			return
		}
		switch wire.Opcode(innerOp) {
		case wire.OpRequest:
			r.dispatchRequest(sourceFD, origin, inner[1:])
		case wire.OpResponse:
			r.dispatchResponse(sourceFD, inner[1:])
		}
		return
	}

	nodeFD, err := r.nodeDir.Lookup(targetNode)
	if err != nil {
		r.enqueueFrame(sourceFD, wire.Frame{wire.OpProxyStatus, errorTuple(err), proxyRID})
		return
	}
	r.enqueueFrame(nodeFD, wire.Frame{wire.OpProxy, targetNode, payload[1], inner, proxyRID})
}

func (r *Router) dispatchProxyStatus(sourceFD int, payload wire.Frame) {
	if len(payload) != 2 {
		return
	}
	r.log.Debug().Int("fd", sourceFD).Interface("status", payload[0]).Msg("proxy_status received")
}

// --- connection bookkeeping ---

func (r *Router) connFor(fd int) *conn.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[fd]
}

func (r *Router) enqueueFrame(fd int, f wire.Frame) {
	c := r.connFor(fd)
	if c == nil {
		return
	}
	c.Enqueue(f)
	r.reactor.SetWritable(fd)
}

func (r *Router) closeConn(fd int) {
	r.mu.Lock()
	c, ok := r.conns[fd]
	if ok {
		delete(r.conns, fd)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.reactor.Unregister(fd)
	_ = netfd.FD(fd).Close()

	switch c.Role() {
	case conn.RoleService:
		r.svcDir.Remove(c.Service, c.Instance, fd)
	case conn.RoleNode:
		r.nodeDir.Remove(c.Node, fd)
	}
}

// ConnCount reports the number of currently tracked sockets, for metrics.
func (r *Router) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ServiceInstances reports the live instance count for service, for metrics
// and admin introspection.
func (r *Router) ServiceInstances(service string) int {
	return r.svcDir.InstanceCount(service)
}

func (r *Router) generateProxyRID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), len(r.conns))
}

func ridFromValue(v any) string {
	if v == nil {
		return ""
	}
	s, _ := wire.AsString(v)
	return s
}

func ridToValue(rid string) any {
	if rid == "" {
		return nil
	}
	return rid
}

func asFrame(v any) (wire.Frame, bool) {
	switch x := v.(type) {
	case wire.Frame:
		return x, true
	case []any:
		return wire.Frame(x), true
	default:
		return nil, false
	}
}

// versionAtLeast reports whether v >= min under semver ordering, tolerating
// versions without a leading "v" (golang.org/x/mod/semver requires one).
func versionAtLeast(v, min string) bool {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !strings.HasPrefix(min, "v") {
		min = "v" + min
	}
	if !semver.IsValid(v) || !semver.IsValid(min) {
		return true
	}
	return semver.Compare(v, min) >= 0
}

func errorTuple(err error) wire.Frame {
	var ke *kerrors.Error
	if errors.As(err, &ke) {
		return wire.Frame{ke.Qualified(), ke.Error(), ""}
	}
	return wire.Frame{"kernel.error", err.Error(), ""}
}
