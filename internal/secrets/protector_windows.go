//go:build windows

package secrets

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"
)

// DefaultProtector returns the DPAPI protector, which binds the key file to
// the current Windows user.
func DefaultProtector() KeyProtector { return dpapiProtector{} }

type dpapiProtector struct{}

func (dpapiProtector) Name() string { return "dpapi" }

func (dpapiProtector) Wrap(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("dpapi: empty input")
	}
	in := windows.DataBlob{Size: uint32(len(key)), Data: &key[0]}
	var out windows.DataBlob
	if err := windows.CryptProtectData(&in, nil, nil, 0, nil, windows.CRYPTPROTECT_UI_FORBIDDEN, &out); err != nil {
		return nil, err
	}
	return takeBlob(&out), nil
}

func (dpapiProtector) Unwrap(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, errors.New("dpapi: empty input")
	}
	in := windows.DataBlob{Size: uint32(len(blob)), Data: &blob[0]}
	var out windows.DataBlob
	if err := windows.CryptUnprotectData(&in, nil, nil, 0, nil, windows.CRYPTPROTECT_UI_FORBIDDEN, &out); err != nil {
		return nil, err
	}
	return takeBlob(&out), nil
}

// takeBlob copies a system-allocated blob into Go memory, wipes the original
// and frees it.
func takeBlob(b *windows.DataBlob) []byte {
	if b.Data == nil || b.Size == 0 {
		return nil
	}
	src := unsafe.Slice(b.Data, b.Size)
	out := make([]byte, len(src))
	copy(out, src)
	Wipe(src)
	windows.LocalFree(windows.Handle(unsafe.Pointer(b.Data)))
	return out
}
