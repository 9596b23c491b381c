package secrets

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/clawinfra/clawguard/internal/fsutil"
)

// loadKey reads the key file at path, unwrapping it with p when the file is
// tagged. Every intermediate buffer is wiped before returning.
func loadKey(path string, p KeyProtector) (*keyBuffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer Wipe(data)

	body := bytes.TrimSpace(data)
	var tag string
	if i := bytes.IndexByte(body, ':'); i > 0 {
		tag = string(body[:i])
		body = body[i+1:]
	}

	raw := make([]byte, hex.DecodedLen(len(body)))
	defer Wipe(raw)
	n, err := hex.Decode(raw, body)
	if err != nil {
		return nil, fmt.Errorf("%w: key file %s is not valid hex", ErrCryptoFailure, path)
	}
	raw = raw[:n]

	key := raw
	if tag != "" {
		if tag != p.Name() {
			return nil, fmt.Errorf("%w: key file protected by %q, active protector is %q", ErrCryptoFailure, tag, protectorName(p))
		}
		unwrapped, err := callProtector(p, "unwrap", raw)
		if err != nil {
			if errors.Is(err, ErrForeignCallFault) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: unwrap key: %v", ErrCryptoFailure, err)
		}
		defer Wipe(unwrapped)
		key = unwrapped
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key file %s holds %d bytes, want %d", ErrCryptoFailure, path, len(key), KeySize)
	}
	return newKeyBuffer(key), nil
}

// createKey generates a key, wraps it with p and writes it atomically with
// owner-only permissions. Nothing is written if wrapping fails. An existing
// key file is never replaced: the error then matches fs.ErrExist.
func createKey(path string, p KeyProtector, rnd io.Reader) (*keyBuffer, error) {
	key := make([]byte, KeySize)
	defer Wipe(key)
	if _, err := io.ReadFull(rnd, key); err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrCryptoFailure, err)
	}

	blob := key
	if p.Name() != "" {
		wrapped, err := callProtector(p, "wrap", key)
		if err != nil {
			if errors.Is(err, ErrForeignCallFault) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: wrap key: %v", ErrCryptoFailure, err)
		}
		defer Wipe(wrapped)
		blob = wrapped
	}

	var buf bytes.Buffer
	if p.Name() != "" {
		buf.WriteString(p.Name())
		buf.WriteByte(':')
	}
	encoded := make([]byte, hex.EncodedLen(len(blob)))
	defer Wipe(encoded)
	hex.Encode(encoded, blob)
	buf.Write(encoded)
	buf.WriteByte('\n')
	out := buf.Bytes()
	defer Wipe(out)

	if err := fsutil.WriteFileExclusive(path, out, fsutil.PermSecretFile); err != nil {
		return nil, fmt.Errorf("secrets: write key file: %w", err)
	}
	return newKeyBuffer(key), nil
}

func keyFileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
