package kernel

import (
	"net"
	"strconv"

	"github.com/craftengine/kernel/pkg/kerrors"
)

func consistencyErr(err error) bool {
	return kerrors.Is(err, kerrors.KindConsistency)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 6379
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 6379
	}
	return port
}
