//go:build !unix

package main

import (
	"context"
	"log/slog"
)

type debugSetter interface {
	SetDebug(on bool)
}

// watchDebugToggle is a no-op where SIGUSR1 does not exist.
func watchDebugToggle(context.Context, debugSetter, bool, *slog.Logger) func() {
	return func() {}
}
