package fsutil

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// IsOwnerOnly reports whether mode grants no access to group or other.
// Always true on Windows, where POSIX mode bits are not meaningful.
func IsOwnerOnly(mode os.FileMode) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return mode.Perm()&0o077 == 0
}

// EnsureOwnerOnly tightens the permissions of an existing file to 0600 when
// they are broader, logging a warning when a repair was needed. It returns
// true if the file was repaired.
func EnsureOwnerOnly(path string, logger *slog.Logger) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if IsOwnerOnly(info.Mode()) {
		return false, nil
	}
	if logger != nil {
		logger.Warn("tightening permissions on secret file",
			"path", path,
			"mode", fmt.Sprintf("%04o", info.Mode().Perm()),
			"want", fmt.Sprintf("%04o", PermSecretFile),
		)
	}
	if err := os.Chmod(path, PermSecretFile); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInsecurePermission, path, err)
	}
	return true, nil
}

// EnsureSecretDir creates dir with 0700 or tightens an existing one.
func EnsureSecretDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, PermSecretDir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("fsutil: %s is not a directory", dir)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(dir, PermSecretDir); err != nil {
			return fmt.Errorf("fix directory permissions: %w", err)
		}
	}
	return nil
}
