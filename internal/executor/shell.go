package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/undoable-org/undoable/internal/actionlog"
	"github.com/undoable-org/undoable/internal/fileutil"
)

// shellKillGrace is how long a command gets between SIGTERM and SIGKILL.
const shellKillGrace = 3 * time.Second

// ShellTool runs a command through the shell. Commands are irreversible, so
// the tool is never undoable and defaults to the destructive category;
// callers may mark a step read-only to downgrade it.
//
// Params: command (string, required), cwd (string), readOnly (bool).
type ShellTool struct {
	// Timeout bounds each invocation. Zero means no deadline beyond the
	// caller's context.
	Timeout time.Duration
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Category(params map[string]any) actionlog.Category {
	if boolParam(params, "readOnly") {
		return actionlog.CategoryRead
	}
	return actionlog.CategoryDestructive
}

func (t *ShellTool) Undoable(map[string]any) bool { return false }

// Shadow validates the command without running it.
func (t *ShellTool) Shadow(_ context.Context, params map[string]any) (string, error) {
	command := stringParam(params, "command")
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("shell: missing command")
	}
	if cwd := stringParam(params, "cwd"); cwd != "" && !fileutil.IsDir(cwd) {
		return "", fmt.Errorf("shell: cwd %q is not a directory", cwd)
	}
	return "would execute: " + fileutil.TruncString(command, 200), nil
}

// Apply runs the command. On context cancellation the process group gets
// SIGTERM, then SIGKILL after the grace period.
func (t *ShellTool) Apply(ctx context.Context, params map[string]any) (string, error) {
	command := stringParam(params, "command")
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("shell: missing command")
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec
	if cwd := stringParam(params, "cwd"); cwd != "" {
		cmd.Dir = cwd
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid signals the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = shellKillGrace

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("shell: %w", err)
	}
	return string(out), nil
}
