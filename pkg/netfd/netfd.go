//go:build linux

// Package netfd adapts a raw blocking file descriptor to io.Reader/io.Writer
// so the frame codec can be used directly against the sockets the reactor
// tracks by fd, matching the original craftengine rpc.py's use of a plain
// socket object for both epoll registration and DdpSocket() I/O.
package netfd

import (
	"io"

	"golang.org/x/sys/unix"
)

// FD wraps a raw, blocking socket file descriptor.
type FD int

// Read implements io.Reader, retrying on EINTR.
func (fd FD) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(fd), p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write implements io.Writer, retrying on EINTR and short writes.
func (fd FD) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(int(fd), p[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close closes the underlying fd.
func (fd FD) Close() error {
	return unix.Close(int(fd))
}
