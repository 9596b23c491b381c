//go:build unix

package secrets

import "golang.org/x/sys/unix"

// mlock keeps b out of swap. Failure (no privilege, RLIMIT_MEMLOCK) is not
// fatal; it only loses the swap protection.
func mlock(b []byte) bool {
	return unix.Mlock(b) == nil
}

func munlock(b []byte) {
	_ = unix.Munlock(b)
}
