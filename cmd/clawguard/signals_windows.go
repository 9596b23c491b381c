//go:build windows

package main

import "os"

// reloadSignals returns nil; Windows has no reload signal and relies on the
// config file watcher.
func reloadSignals() []os.Signal {
	return nil
}
