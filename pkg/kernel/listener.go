//go:build linux

package kernel

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// listen creates a non-blocking, listening TCP socket for addr (host:port,
// host may be empty) and returns its raw fd for registration with the
// reactor. Unlike net.Listen, the fd is handed directly to epoll rather than
// Go's runtime netpoller, matching the original craftengine rpc.py's use of
// a raw socket object (spec §4.2).
func listen(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("listen %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("listen %q: invalid port: %w", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("listen %q: socket: %w", addr, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("listen %q: setsockopt: %w", addr, err)
	}

	var ip [4]byte
	if host != "" && host != "0.0.0.0" {
		parsed := net.ParseIP(host)
		if parsed == nil || parsed.To4() == nil {
			unix.Close(fd)
			return 0, fmt.Errorf("listen %q: only IPv4 addresses are supported", addr)
		}
		copy(ip[:], parsed.To4())
	}

	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("listen %q: bind: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("listen %q: listen: %w", addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("listen %q: set nonblocking: %w", addr, err)
	}

	return fd, nil
}

// dial opens a blocking TCP connection to addr and returns its raw fd, for
// the outbound node-to-node connect (spec's supplemented dial, grounded in
// rpc.py's Rpc.node()).
func dial(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("dial %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("dial %q: invalid port: %w", addr, err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return 0, fmt.Errorf("dial %q: resolve: %w", addr, err)
	}
	var ip [4]byte
	found := false
	for _, candidate := range ips {
		if v4 := candidate.To4(); v4 != nil {
			copy(ip[:], v4)
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("dial %q: no IPv4 address found", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("dial %q: socket: %w", addr, err)
	}
	if err := unix.Connect(fd, &unix.SockaddrInet4{Port: port, Addr: ip}); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("dial %q: connect: %w", addr, err)
	}
	return fd, nil
}
