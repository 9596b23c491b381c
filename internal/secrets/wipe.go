package secrets

import "runtime"

// Wipe overwrites b with zeros. The KeepAlive keeps the writes from being
// treated as dead stores.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// KeySize is the length of the store key in bytes.
const KeySize = 32

// keyBuffer owns the only long-lived copy of the store key. It is locked
// into RAM where the platform allows it.
type keyBuffer struct {
	b      [KeySize]byte
	locked bool
}

// newKeyBuffer copies src into a fresh buffer and wipes src.
func newKeyBuffer(src []byte) *keyBuffer {
	kb := &keyBuffer{}
	copy(kb.b[:], src)
	Wipe(src)
	kb.locked = mlock(kb.b[:])
	return kb
}

func (kb *keyBuffer) bytes() []byte { return kb.b[:] }

// wipe zeroes the key and releases the memory lock.
func (kb *keyBuffer) wipe() {
	Wipe(kb.b[:])
	if kb.locked {
		munlock(kb.b[:])
		kb.locked = false
	}
}
