//go:build !windows

package secrets

// DefaultProtector returns Passthrough; no OS key protection facility is
// used on this platform.
func DefaultProtector() KeyProtector { return Passthrough{} }
