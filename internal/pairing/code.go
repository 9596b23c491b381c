package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
)

// TokenPrefix marks bearer tokens issued by this service.
const TokenPrefix = "cg_"

var codeSpace = big.NewInt(1_000_000)

// newCode returns a uniformly distributed six-digit code. rand.Int samples
// without modulo bias.
func newCode(rnd io.Reader) (string, error) {
	n, err := rand.Int(rnd, codeSpace)
	if err != nil {
		return "", fmt.Errorf("pairing: generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// newToken returns a bearer token carrying 256 bits of randomness.
func newToken(rnd io.Reader) (string, error) {
	var b [32]byte
	if _, err := io.ReadFull(rnd, b[:]); err != nil {
		return "", fmt.Errorf("pairing: generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(b[:]), nil
}

// ConstantTimeEqual compares a and b in time that depends only on their
// lengths, never on where they first differ.
func ConstantTimeEqual(a, b string) bool {
	n := max(len(a), len(b))
	var diff byte
	if len(a) != len(b) {
		diff = 1
	}
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		diff |= x ^ y
	}
	return subtle.ConstantTimeByteEq(diff, 0) == 1
}
