//go:build !windows

package kernel

import (
	"os"
	"syscall"
)

// shutdownSignals includes SIGPWR alongside the portable SIGINT/SIGTERM pair,
// the way craftengine's kernel traps it on Unix (spec §5); Windows has no
// such signal, so the counterpart in signals_windows.go omits it, mirroring
// cmd/atlas/main_windows.go's own platform split.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGPWR}
}
