package secrets

import "strings"

// Envelope prefixes. A value carrying neither is plaintext.
const (
	PrefixCurrent = "enc2:"
	PrefixLegacy  = "enc:"
)

// IsEncrypted reports whether v is an envelope of either version.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, PrefixCurrent) || strings.HasPrefix(v, PrefixLegacy)
}

// NeedsMigration reports whether v uses the legacy reversible cipher.
func NeedsMigration(v string) bool {
	return strings.HasPrefix(v, PrefixLegacy) && !strings.HasPrefix(v, PrefixCurrent)
}

// xorKeystream applies the legacy repeating-key XOR in place. It exists only
// to read values written by older releases.
func xorKeystream(data, key []byte) {
	if len(key) == 0 {
		return
	}
	for i := range data {
		data[i] ^= key[i%len(key)]
	}
}
