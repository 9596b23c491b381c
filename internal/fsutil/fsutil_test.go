package fsutil

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestWriteFileAtomic_CreatesWithPerm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "secret.toml")

	if err := WriteFileAtomic(path, []byte("a = 1\n"), PermSecretFile); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "a = 1\n" {
		t.Errorf("content = %q", data)
	}
	if runtime.GOOS != "windows" {
		info, _ := os.Stat(path)
		if info.Mode().Perm() != PermSecretFile {
			t.Errorf("mode = %04o, want 0600", info.Mode().Perm())
		}
	}
}

func TestWriteFileAtomic_ReplacesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := WriteFileAtomic(path, []byte("old"), PermSecretFile); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("new"), PermSecretFile); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "new" {
		t.Errorf("content = %q, want new", data)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteFileAtomic_FailureKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target")
	if err := os.WriteFile(path, []byte("original"), 0o600); err != nil {
		t.Fatal(err)
	}
	// Renaming a file over a non-empty directory fails.
	blocker := filepath.Join(dir, "blocker")
	if err := os.MkdirAll(filepath.Join(blocker, "child"), 0o700); err != nil {
		t.Fatal(err)
	}
	err := WriteFileAtomic(blocker, []byte("x"), PermSecretFile)
	if !errors.Is(err, ErrAtomicWrite) {
		t.Fatalf("err = %v, want ErrAtomicWrite", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "original" {
		t.Errorf("unrelated file changed: %q", data)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind after failure: %s", e.Name())
		}
	}
}

func TestEnsureOwnerOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions only")
	}
	path := filepath.Join(t.TempDir(), "cfg")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	repaired, err := EnsureOwnerOnly(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !repaired {
		t.Error("expected repair for 0644 file")
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %04o, want 0600", info.Mode().Perm())
	}

	repaired, err = EnsureOwnerOnly(path, nil)
	if err != nil || repaired {
		t.Errorf("second call: repaired=%v err=%v", repaired, err)
	}
}

func TestEnsureSecretDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	if err := EnsureSecretDir(dir); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("dir not created: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != PermSecretDir {
		t.Errorf("mode = %04o, want 0700", info.Mode().Perm())
	}
}

func TestAcquireLock_Exclusive(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("flock semantics only checked on linux/darwin")
	}
	path := filepath.Join(t.TempDir(), "daemon.lock")
	l, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := AcquireLock(path); !errors.Is(err, ErrLocked) {
		t.Errorf("second acquire err = %v, want ErrLocked", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	l2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	l2.Release()
}

func TestWriteFileExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")

	if err := WriteFileExclusive(path, []byte("first"), PermSecretFile); err != nil {
		t.Fatalf("first write: %v", err)
	}
	err := WriteFileExclusive(path, []byte("second"), PermSecretFile)
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("second write err = %v, want fs.ErrExist", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "first" {
		t.Errorf("content = %q, existing file was replaced", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, temp files left behind", len(entries))
	}
}

func TestWaitLock_WaitsForRelease(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("flock semantics only checked on linux/darwin")
	}
	path := filepath.Join(t.TempDir(), "key.lock")
	held, err := WaitLock(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := WaitLock(ctx, path); !errors.Is(err, ErrLocked) {
		t.Errorf("contended wait err = %v, want ErrLocked", err)
	}

	got := make(chan error, 1)
	go func() {
		l, err := WaitLock(context.Background(), path)
		if err == nil {
			err = l.Release()
		}
		got <- err
	}()
	time.Sleep(30 * time.Millisecond)
	if err := held.Release(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-got:
		if err != nil {
			t.Errorf("waiter: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock file should stay on disk: %v", err)
	}
}
