//go:build linux

// Package reactor implements the single readiness loop over the kernel's
// tracked sockets (spec §4.2), grounded in the original craftengine rpc.py
// Rpc.serve's select.epoll() loop and reusing the teacher's own
// golang.org/x/sys dependency for the syscalls it needs. epoll is Linux-only;
// this mirrors the original's deployment target of containerized Linux
// hosts, so no portable fallback is provided.
package reactor

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/rs/zerolog"
)

// Dispatcher receives readiness events from the Reactor. Implementations
// must never block for long inside these calls; CPU-bound or blocking work
// belongs on the worker pool (spec §5).
type Dispatcher interface {
	// Accept is called for a new inbound connection on the listening fd.
	Accept(fd int, addr net.Addr)
	// Readable is called when fd has data to read.
	Readable(fd int)
	// Writable is called when fd is ready to accept more writes.
	Writable(fd int)
	// HangUp is called when fd's peer has closed the connection.
	HangUp(fd int)
}

// Reactor owns the epoll instance and the listening socket.
type Reactor struct {
	epfd     int
	listenFD int
	log      zerolog.Logger
	dispatch Dispatcher

	alive chan struct{}
}

// New creates a Reactor bound to the given listening fd (already bound and
// listening, set non-blocking) and epoll instance.
func New(listenFD int, dispatch Dispatcher, log zerolog.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	r := &Reactor{epfd: epfd, listenFD: listenFD, log: log, dispatch: dispatch, alive: make(chan struct{})}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(listenFD),
	}); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	return r, nil
}

// Register subscribes fd for read-interest.
func (r *Reactor) Register(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

// SetWritable switches fd to write-interest (spec §4.2, "enqueueing a frame
// transitions the fd to write-interest").
func (r *Reactor) SetWritable(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: unix.EPOLLOUT,
		Fd:     int32(fd),
	})
}

// SetReadable switches fd back to read-interest ("draining the queue
// transitions back to read-interest").
func (r *Reactor) SetReadable(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

// Unregister removes fd from the epoll set. It does not close fd.
func (r *Reactor) Unregister(fd int) {
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Stop ends the next Run call's loop.
func (r *Reactor) Stop() {
	select {
	case <-r.alive:
	default:
		close(r.alive)
	}
}

// Run is the readiness loop. It returns when Stop is called. The poll
// timeout is 1 second, matching spec §5's "typical timeout 1 second" —
// this bounds how promptly shutdown is observed.
func (r *Reactor) Run() {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-r.alive:
			return
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.log.Error().Err(err).Msg("epoll_wait failed")
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ev := events[i].Events

			if fd == r.listenFD {
				r.acceptOne()
				continue
			}

			r.dispatchOne(fd, ev)
		}
	}
}

func (r *Reactor) acceptOne() {
	for {
		nfd, sa, err := unix.Accept(r.listenFD)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			r.log.Error().Err(err).Msg("accept failed")
			return
		}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, nfd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(nfd),
		}); err != nil {
			r.log.Error().Err(err).Msg("register accepted socket failed")
			unix.Close(nfd)
			continue
		}
		r.dispatch.Accept(nfd, sockaddrToAddr(sa))
	}
}

func (r *Reactor) dispatchOne(fd int, ev uint32) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Int("fd", fd).Msg("handler panicked, closing connection")
			r.Unregister(fd)
			unix.Close(fd)
		}
	}()

	switch {
	case ev&unix.EPOLLHUP != 0 || ev&unix.EPOLLERR != 0:
		r.dispatch.HangUp(fd)
	case ev&unix.EPOLLIN != 0:
		r.dispatch.Readable(fd)
	case ev&unix.EPOLLOUT != 0:
		r.dispatch.Writable(fd)
	}
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}
