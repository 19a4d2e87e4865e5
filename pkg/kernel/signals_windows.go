//go:build windows

package kernel

import (
	"os"
	"syscall"
)

// shutdownSignals omits SIGPWR on Windows, where syscall.SIGPWR is undefined.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
