package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/clawinfra/clawguard/internal/security"
)

const (
	// ShellTimeout bounds a shell command's wall time.
	ShellTimeout = 60 * time.Second
	// MaxOutputBytes caps each of stdout and stderr.
	MaxOutputBytes = 1 << 20
)

// safeEnv is the environment passed through to commands; everything else,
// including provider keys, is dropped.
var safeEnv = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TERM", "TMPDIR", "SYSTEMROOT"}

// ShellTool runs allowlisted command lines in the workspace.
type ShellTool struct {
	auth    Authorizer
	timeout time.Duration
}

func NewShellTool(auth Authorizer) *ShellTool {
	return &ShellTool{auth: auth, timeout: ShellTimeout}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Execute a shell command in the workspace directory"
}

func (t *ShellTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}
	d := t.auth.Authorize(security.Action{
		Type:     security.ActionExecute,
		Command:  command,
		Tool:     t.Name(),
		Identity: IdentityFrom(ctx),
	})
	if !d.Allowed {
		return denied(d), nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := shellCommand(ctx, command)
	cmd.Dir = t.auth.Workspace()
	cmd.Env = filteredEnv()
	stdout := &capWriter{limit: MaxOutputBytes}
	stderr := &capWriter{limit: MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return &Result{Error: fmt.Sprintf("command timed out after %s and was killed", t.timeout)}, nil
	}

	res := &Result{
		Success: runErr == nil,
		Output:  stdout.String("output"),
		Error:   stderr.String("stderr"),
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		res.Error = fmt.Sprintf("failed to execute command: %v", runErr)
	}
	return res, nil
}

func shellCommand(ctx context.Context, line string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", line)
	}
	return exec.CommandContext(ctx, "sh", "-c", line)
}

func filteredEnv() []string {
	env := make([]string, 0, len(safeEnv))
	for _, k := range safeEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// capWriter keeps the first limit bytes written and discards the rest
// without failing the writer, so the child is never blocked on a full pipe.
type capWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	room := w.limit - w.buf.Len()
	if room <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		w.buf.Write(p[:room])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *capWriter) String(label string) string {
	if w.truncated {
		return w.buf.String() + fmt.Sprintf("\n... [%s truncated at 1MB]", label)
	}
	return w.buf.String()
}
