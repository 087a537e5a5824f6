package handlers

import (
	"context"
	"strings"
)

// Flags that let the tool execute arbitrary programs or read arbitrary
// configuration are rejected before any subprocess is spawned. Matching is
// exact or "flag=..." prefix.
var ripgrepBlockedFlags = []string{
	"--pre",
	"--pre-glob",
	"--config",
	"--config-path",
	"--hostname-bin",
	"--type-add",
	"--type-clear",
}

var difftasticBlockedFlags = []string{
	"--config",
	"--config-path",
	"--load-dir",
}

// ToolRequest invokes an external inspection tool with caller-supplied
// arguments.
type ToolRequest struct {
	Args []string `json:"args"`
	Cwd  string   `json:"cwd,omitempty"`
}

// Ripgrep runs rg with the given arguments inside the sandbox.
func (h *Handlers) Ripgrep(ctx context.Context, req ToolRequest) any {
	return h.runTool(ctx, "rg", ripgrepBlockedFlags, req)
}

// Difftastic runs difft with the given arguments inside the sandbox.
func (h *Handlers) Difftastic(ctx context.Context, req ToolRequest) any {
	return h.runTool(ctx, "difft", difftasticBlockedFlags, req)
}

func (h *Handlers) runTool(ctx context.Context, bin string, blocked []string, req ToolRequest) any {
	if flag := firstBlockedFlag(req.Args, blocked); flag != "" {
		return failuref("Blocked flag: %s", flag)
	}
	cwd, err := h.resolveCwd(req.Cwd)
	if err != nil {
		return failure(err)
	}
	return h.runCommand(ctx, cwd, h.cfg.ToolTimeout, bin, req.Args...)
}

// firstBlockedFlag returns the first argument matching a blocked flag, by
// exact equality or a "flag=value" prefix.
func firstBlockedFlag(args, blocked []string) string {
	for _, arg := range args {
		for _, flag := range blocked {
			if arg == flag || strings.HasPrefix(arg, flag+"=") {
				return flag
			}
		}
	}
	return ""
}
