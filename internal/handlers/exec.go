package handlers

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/happyhq/happy-daemon/internal/sandbox"
)

// BashRequest runs one shell command inside the sandbox.
type BashRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	// Timeout in milliseconds; 0 means the configured default.
	Timeout int `json:"timeout,omitempty"`
}

// CommandResponse is the result envelope of a subprocess handler.
type CommandResponse struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// Bash executes a command with bash -c. A non-zero exit still counts as
// success at the envelope level; the caller inspects exitCode. Timeouts kill
// the process and report any partial output.
func (h *Handlers) Bash(ctx context.Context, req BashRequest) any {
	if req.Command == "" {
		return failuref("command is required")
	}
	cwd, err := h.resolveCwd(req.Cwd)
	if err != nil {
		return failure(err)
	}

	timeout := h.cfg.BashTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}

	return h.runCommand(ctx, cwd, timeout, "bash", "-c", req.Command)
}

// resolveCwd sandboxes an optional working directory override, defaulting
// to the handler set's working root.
func (h *Handlers) resolveCwd(cwd string) (string, error) {
	if cwd == "" {
		return h.cfg.WorkingDir, nil
	}
	return sandbox.ValidateRealPath(cwd, h.cfg.WorkingDir)
}

// runCommand spawns a subprocess with a deadline and captures its output.
func (h *Handlers) runCommand(ctx context.Context, cwd string, timeout time.Duration, name string, args ...string) any {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	resp := CommandResponse{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		resp.Error = "Command timed out"
		return resp
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr):
		resp.Success = true
	default:
		resp.ExitCode = -1
		resp.Error = err.Error()
	}
	return resp
}
