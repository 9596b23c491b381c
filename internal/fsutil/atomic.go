// Package fsutil holds the filesystem primitives used to persist keys, tokens
// and configuration: crash-safe writes, owner-only permission checks and the
// daemon lock file.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Permissions for files and directories this process owns.
const (
	PermSecretFile os.FileMode = 0o600
	PermSecretDir  os.FileMode = 0o700
)

var (
	ErrAtomicWrite        = errors.New("fsutil: atomic write failed")
	ErrInsecurePermission = errors.New("fsutil: insecure file permissions")
)

// WriteFileAtomic replaces path with data so that a reader sees either the old
// contents or the new contents, never a partial file. The data is written to a
// temporary sibling, fsynced, renamed over the target, and the parent directory
// is fsynced. The temporary file is removed on every failure path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := writeTemp(path, data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %v", ErrAtomicWrite, err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// WriteFileExclusive is WriteFileAtomic that never replaces an existing file.
// The complete temporary file is hard-linked into place; if path already
// exists the returned error matches fs.ErrExist and path is untouched.
func WriteFileExclusive(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := writeTemp(path, data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)
	if err := os.Link(tmpPath, path); err != nil {
		return fmt.Errorf("%w: link: %w", ErrAtomicWrite, err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// writeTemp writes data to a synced temporary sibling of path and returns its
// name. Nothing is left behind on failure.
func writeTemp(path string, data []byte, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, PermSecretDir); err != nil {
		return "", fmt.Errorf("%w: create directory: %v", ErrAtomicWrite, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", ErrAtomicWrite, err)
	}
	tmpPath := tmp.Name()
	fail := func(step string, err error) (string, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: %s: %v", ErrAtomicWrite, step, err)
	}

	if err := tmp.Chmod(perm); err != nil {
		return fail("chmod", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: close: %v", ErrAtomicWrite, err)
	}
	return tmpPath, nil
}

// syncDir flushes the directory entry for a rename. Errors are ignored because
// some platforms and filesystems do not support fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
