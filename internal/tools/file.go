package tools

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/clawinfra/clawguard/internal/fsutil"
	"github.com/clawinfra/clawguard/internal/security"
)

// MaxReadBytes caps file_read output.
const MaxReadBytes = 512 * 1024

// FileReadTool reads a file inside the workspace.
type FileReadTool struct{ auth Authorizer }

func NewFileReadTool(auth Authorizer) *FileReadTool { return &FileReadTool{auth: auth} }

func (t *FileReadTool) Name() string        { return "file_read" }
func (t *FileReadTool) Description() string { return "Read a file from the workspace" }

func (t *FileReadTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path relative to the workspace"},
		},
		"required": []string{"path"},
	}
}

func (t *FileReadTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	d := t.auth.Authorize(security.Action{
		Type:     security.ActionRead,
		Path:     path,
		Tool:     t.Name(),
		Identity: IdentityFrom(ctx),
	})
	if !d.Allowed {
		return denied(d), nil
	}

	f, err := os.Open(d.Canonical)
	if err != nil {
		return &Result{Error: fmt.Sprintf("read %s: %v", path, err)}, nil
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, MaxReadBytes+1))
	if err != nil {
		return &Result{Error: fmt.Sprintf("read %s: %v", path, err)}, nil
	}
	out := string(data)
	if len(data) > MaxReadBytes {
		out = string(data[:MaxReadBytes]) + "\n... [truncated]"
	}
	return &Result{Success: true, Output: out}, nil
}

// FileWriteTool writes a file inside the workspace.
type FileWriteTool struct{ auth Authorizer }

func NewFileWriteTool(auth Authorizer) *FileWriteTool { return &FileWriteTool{auth: auth} }

func (t *FileWriteTool) Name() string        { return "file_write" }
func (t *FileWriteTool) Description() string { return "Write a file in the workspace" }

func (t *FileWriteTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path relative to the workspace"},
			"content": map[string]any{"type": "string", "description": "File content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *FileWriteTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	d := t.auth.Authorize(security.Action{
		Type:     security.ActionWrite,
		Path:     path,
		Tool:     t.Name(),
		Identity: IdentityFrom(ctx),
	})
	if !d.Allowed {
		return denied(d), nil
	}

	if err := os.MkdirAll(filepath.Dir(d.Canonical), 0o755); err != nil {
		return &Result{Error: fmt.Sprintf("create parent of %s: %v", path, err)}, nil
	}
	// The parent chain may have changed since the first check; resolve again
	// now that it exists.
	again := t.auth.ValidatePath(path)
	if !again.Allowed {
		return denied(again), nil
	}
	if err := fsutil.WriteFileAtomic(again.Canonical, []byte(content), 0o644); err != nil {
		return &Result{Error: fmt.Sprintf("write %s: %v", path, err)}, nil
	}
	return &Result{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, nil
}
