// Package handlers implements the sandboxed RPC surface installed on every
// connector: filesystem inspection, command execution, git inspection,
// slash-command enumeration, and the per-session upload staging area.
//
// The file, exec, tool and git handlers validate their paths against the
// sandbox (internal/sandbox) before touching the filesystem or spawning a
// program. path-exists checks its inputs without the sandbox, and upload
// paths are checked by the staging area itself. Failures are reported
// in-band as {success:false, error} envelopes.
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/happyhq/happy-daemon/internal/rpc"
	"github.com/happyhq/happy-daemon/internal/sandbox"
	"github.com/happyhq/happy-daemon/internal/uploads"
)

// Config configures one handler set.
type Config struct {
	// WorkingDir is the sandbox root for all filesystem handlers.
	WorkingDir string
	// HomeDir backs ~ expansion and per-agent command directories.
	HomeDir string

	Uploads *uploads.Manager

	BashTimeout time.Duration
	GitTimeout  time.Duration
	ToolTimeout time.Duration

	Logger *slog.Logger
}

// Handlers is the sandboxed handler set for one connector scope.
type Handlers struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a handler set.
func New(cfg Config) *Handlers {
	if cfg.BashTimeout <= 0 {
		cfg.BashTimeout = 30 * time.Second
	}
	if cfg.GitTimeout <= 0 {
		cfg.GitTimeout = 10 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{cfg: cfg, logger: logger}
}

// RegisterAll installs every handler on the registry. The registry's scope
// id doubles as the upload session key.
func (h *Handlers) RegisterAll(reg *rpc.Registry) {
	sessionKey := reg.Scope()

	reg.Register("path-exists", typed(h.PathExists))
	reg.Register("listDirectory", typed(h.ListDirectory))
	reg.Register("getDirectoryTree", typed(h.DirectoryTree))
	reg.Register("readFile", typed(h.ReadFile))
	reg.Register("writeFile", typed(h.WriteFile))
	reg.Register("bash", typedCtx(h.Bash))
	reg.Register("ripgrep", typedCtx(h.Ripgrep))
	reg.Register("difftastic", typedCtx(h.Difftastic))
	reg.Register("git-status", noParamsCtx(h.GitStatus))
	reg.Register("git-diff-numstat", noParamsCtx(h.GitDiffNumstat))
	reg.Register("git-diff-file", typedCtx(h.GitDiffFile))
	reg.Register("listSlashCommands", typed(h.ListSlashCommands))
	reg.Register("listSkills", noParams(h.ListSkills))

	if h.cfg.Uploads != nil {
		reg.Register("uploadFile", typed(func(req UploadFileRequest) any {
			return h.UploadFile(sessionKey, req)
		}))
		reg.Register("uploadMultipartStart", typed(func(req MultipartStartRequest) any {
			return h.MultipartStart(sessionKey, req)
		}))
		reg.Register("uploadMultipartChunk", typed(func(req MultipartChunkRequest) any {
			return h.MultipartChunk(sessionKey, req)
		}))
		reg.Register("uploadMultipartComplete", typed(func(req MultipartRefRequest) any {
			return h.MultipartComplete(sessionKey, req)
		}))
		reg.Register("uploadMultipartAbort", typed(func(req MultipartRefRequest) any {
			return h.MultipartAbort(sessionKey, req)
		}))
		reg.Register("deleteUpload", typed(func(req DeleteUploadRequest) any {
			return h.DeleteUpload(sessionKey, req)
		}))
	}
}

// sandboxed validates a caller path against the working root, following
// symlinks.
func (h *Handlers) sandboxed(p string) (string, error) {
	return sandbox.ValidateRealPath(p, h.cfg.WorkingDir)
}

func decodeBase64(s string) string {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return string(data)
}

// errorResponse is the common failure envelope.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func failure(err error) errorResponse {
	return errorResponse{Error: err.Error()}
}

func failuref(format string, args ...any) errorResponse {
	return errorResponse{Error: fmt.Sprintf(format, args...)}
}

// typed adapts a request-struct handler to the RPC fabric, reporting decode
// failures in-band.
func typed[Req any](fn func(Req) any) rpc.HandlerFunc {
	return func(_ context.Context, params json.RawMessage) (any, error) {
		var req Req
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return failuref("invalid request: %v", err), nil
			}
		}
		return fn(req), nil
	}
}

func typedCtx[Req any](fn func(context.Context, Req) any) rpc.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var req Req
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return failuref("invalid request: %v", err), nil
			}
		}
		return fn(ctx, req), nil
	}
}

func noParams(fn func() any) rpc.HandlerFunc {
	return func(_ context.Context, _ json.RawMessage) (any, error) {
		return fn(), nil
	}
}

func noParamsCtx(fn func(context.Context) any) rpc.HandlerFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		return fn(ctx), nil
	}
}
