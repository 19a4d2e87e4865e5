package kernel

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// NotifyShutdown returns a context canceled on SIGINT/SIGTERM/SIGPWR (spec §5:
// "SIGTERM/SIGINT/SIGPWR set a shared alive flag"), mirroring cmd/atlas/main.go's
// signal.NotifyContext call. The signal set itself is platform-specific; see
// signals_unix.go/signals_windows.go.
func NotifyShutdown() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), shutdownSignals()...)
}

// WatchSIGHUP calls k.DialPeers on every SIGHUP, letting an operator pick up
// a KERNEL_PEERS change without a restart, the way cmd/atlas/main.go wires
// SIGHUP to Server.HandleSIGHUP for its own config reload. It runs until ctx
// is done.
func (k *Kernel) WatchSIGHUP(ctx context.Context) {
	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	defer signal.Stop(hch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hch:
			k.log.Info().Msg("got SIGHUP, redialing configured peers")
			k.DialPeers(ctx)
		}
	}
}
