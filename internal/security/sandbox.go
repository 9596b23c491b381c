package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// systemDirs are never reachable through the sandbox, before or after
// symlink resolution.
var systemDirs = []string{
	"/etc", "/root", "/home", "/usr", "/bin", "/sbin", "/lib", "/lib64",
	"/opt", "/boot", "/dev", "/proc", "/sys", "/var", "/tmp",
	"/private/etc", "/private/var", "/private/tmp",
}

// sensitiveHomeDirs hold credentials.
var sensitiveHomeDirs = []string{"~/.ssh", "~/.gnupg", "~/.aws", "~/.config"}

var errDanglingSymlink = errors.New("dangling symlink")

// SandboxOptions tunes a PathSandbox.
type SandboxOptions struct {
	// RelativeOnly rejects absolute paths outright.
	RelativeOnly bool
	// ForbiddenPaths are blocked in addition to the built-in table.
	ForbiddenPaths []string
}

// PathSandbox confines filesystem access to a workspace root.
type PathSandbox struct {
	root         string
	relativeOnly bool
	blocked      []string
}

// NewPathSandbox canonicalizes root and prepares the blocklist. Blocked
// directories that contain the root itself are dropped from the table, since
// containment already restricts access beneath them to the workspace.
func NewPathSandbox(root string, opts SandboxOptions) (*PathSandbox, error) {
	if root == "" {
		return nil, errors.New("security: workspace root is empty")
	}
	absRoot, err := filepath.Abs(expandHome(root))
	if err != nil {
		return nil, fmt.Errorf("security: resolve workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return nil, fmt.Errorf("security: resolve workspace root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("security: stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("security: workspace root %s is not a directory", resolved)
	}

	s := &PathSandbox{root: resolved, relativeOnly: opts.RelativeOnly}

	candidates := make([]string, 0, len(systemDirs)+len(sensitiveHomeDirs)+len(opts.ForbiddenPaths))
	candidates = append(candidates, systemDirs...)
	candidates = append(candidates, sensitiveHomeDirs...)
	candidates = append(candidates, opts.ForbiddenPaths...)

	seen := make(map[string]bool)
	for _, c := range candidates {
		abs, err := filepath.Abs(expandHome(c))
		if err != nil {
			continue
		}
		forms := []string{abs}
		if r, err := filepath.EvalSymlinks(abs); err == nil && r != abs {
			forms = append(forms, r)
		}
		for _, b := range forms {
			if seen[b] || isSubpath(resolved, b) || isSubpath(absRoot, b) {
				continue
			}
			seen[b] = true
			s.blocked = append(s.blocked, b)
		}
	}
	return s, nil
}

// Root returns the canonical workspace root.
func (s *PathSandbox) Root() string { return s.root }

// Validate decides whether path may be accessed. On allow, the decision's
// Canonical field holds the resolved path to use.
func (s *PathSandbox) Validate(path string) Decision {
	if path == "" {
		return Deny(CategoryPath, "empty path")
	}
	if strings.ContainsRune(path, 0) {
		return Deny(CategoryPath, "path contains null byte")
	}

	p := expandHome(path)
	if filepath.IsAbs(p) && s.relativeOnly {
		return Deny(CategoryPath, "absolute paths are not permitted")
	}

	var candidate string
	if filepath.IsAbs(p) {
		candidate = filepath.Clean(p)
	} else {
		candidate = filepath.Join(s.root, p)
	}

	if b, ok := s.blockedPrefix(candidate); ok {
		return Deny(CategoryPath, "path is within protected location %s", b)
	}

	resolved, err := resolvePath(candidate)
	if err != nil {
		return Deny(CategoryPath, "cannot resolve path: %v", err)
	}

	if b, ok := s.blockedPrefix(resolved); ok {
		return Deny(CategoryPath, "path resolves into protected location %s", b)
	}
	if !isSubpath(resolved, s.root) {
		return Deny(CategoryPath, "path resolves outside workspace")
	}
	return AllowPath(resolved)
}

func (s *PathSandbox) blockedPrefix(p string) (string, bool) {
	for _, b := range s.blocked {
		if isSubpath(p, b) {
			return b, true
		}
	}
	return "", false
}

// resolvePath follows every symlink in p. For a path that does not exist yet,
// the deepest existing ancestor is resolved and the missing tail appended.
// A dangling symlink anywhere on the path is an error, since writing through
// it would create its target.
func resolvePath(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	dir := p
	var rest []string
	for {
		parent := filepath.Dir(dir)
		rest = append([]string{filepath.Base(dir)}, rest...)
		if parent == dir {
			return "", err
		}
		dir = parent

		r, perr := filepath.EvalSymlinks(dir)
		if perr == nil {
			if _, lerr := os.Lstat(filepath.Join(r, rest[0])); lerr == nil {
				return "", errDanglingSymlink
			}
			return filepath.Join(append([]string{r}, rest...)...), nil
		}
		if !errors.Is(perr, fs.ErrNotExist) {
			return "", perr
		}
	}
}

// isSubpath reports whether child is parent or lies beneath it. Both must be
// clean absolute paths.
func isSubpath(child, parent string) bool {
	if child == parent {
		return true
	}
	prefix := parent
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(child, prefix)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
