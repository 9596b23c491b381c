package secrets

import "fmt"

// KeyProtector wraps the store key with a platform facility (DPAPI on
// Windows) before it is written to disk. Implementations may call into
// foreign code; every call is made through callProtector.
type KeyProtector interface {
	// Name tags the key file. An empty name means the key is stored as is.
	Name() string
	Wrap(key []byte) ([]byte, error)
	Unwrap(blob []byte) ([]byte, error)
}

// Passthrough stores the key without wrapping; the key file's 0600
// permissions are its only protection.
type Passthrough struct{}

func (Passthrough) Name() string { return "" }

func (Passthrough) Wrap(key []byte) ([]byte, error) {
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

func (Passthrough) Unwrap(blob []byte) ([]byte, error) {
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// callProtector runs one protector operation and converts a panic into
// ErrForeignCallFault, so a fault in platform code cannot take the process
// down or leave the store half-initialized.
func callProtector(p KeyProtector, op string, in []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if out != nil {
				Wipe(out)
			}
			out = nil
			err = fmt.Errorf("%w: %s %s: %v", ErrForeignCallFault, protectorName(p), op, r)
		}
	}()
	switch op {
	case "wrap":
		return p.Wrap(in)
	case "unwrap":
		return p.Unwrap(in)
	default:
		return nil, fmt.Errorf("secrets: unknown protector op %q", op)
	}
}

func protectorName(p KeyProtector) string {
	if n := p.Name(); n != "" {
		return n
	}
	return "passthrough"
}
