//go:build unix

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// debugSetter is the part of the scheduler the toggle drives.
type debugSetter interface {
	SetDebug(on bool)
}

// watchDebugToggle flips session debug diagnostics on every SIGUSR1
// until ctx ends. The returned func stops the signal subscription.
func watchDebugToggle(ctx context.Context, target debugSetter, initial bool, logger *slog.Logger) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		on := initial
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-sig:
				on = !on
				logger.Info("SIGUSR1 received, toggling debug", "debug", on)
				target.SetDebug(on)
			}
		}
	}()

	return func() {
		signal.Stop(sig)
		close(stop)
		<-done
	}
}
