//go:build !unix

package secrets

func mlock([]byte) bool { return false }

func munlock([]byte) {}
