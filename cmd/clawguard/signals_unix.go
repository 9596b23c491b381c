//go:build !windows

package main

import (
	"os"
	"syscall"
)

// reloadSignals returns the signals that trigger a config reload.
func reloadSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP}
}
