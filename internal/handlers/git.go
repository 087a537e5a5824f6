package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// GitFileStatus is one file in git status output.
type GitFileStatus struct {
	Path    string `json:"path"`
	Status  string `json:"status"`            // "M", "A", "D", "R", "??" etc.
	OldPath string `json:"oldPath,omitempty"` // populated for renames
}

// GitStatusResponse groups files by their staging state.
type GitStatusResponse struct {
	Success   bool            `json:"success"`
	Staged    []GitFileStatus `json:"staged"`
	Unstaged  []GitFileStatus `json:"unstaged"`
	Untracked []GitFileStatus `json:"untracked"`
}

// GitStatus reports the working tree status, grouped by staged, unstaged
// and untracked. The argument set is fixed; nothing caller-supplied reaches
// the git command line.
func (h *Handlers) GitStatus(ctx context.Context) any {
	out, errResp := h.git(ctx, "status", "--porcelain=v1")
	if errResp != nil {
		return errResp
	}
	staged, unstaged, untracked := parseGitStatusPorcelain(out)
	return GitStatusResponse{Success: true, Staged: staged, Unstaged: unstaged, Untracked: untracked}
}

// GitNumstatEntry is one row of diff --numstat output.
type GitNumstatEntry struct {
	Path     string `json:"path"`
	Added    int    `json:"added"`
	Removed  int    `json:"removed"`
	IsBinary bool   `json:"isBinary"`
}

// GitDiffNumstatResponse carries per-file added/removed counts.
type GitDiffNumstatResponse struct {
	Success bool              `json:"success"`
	Files   []GitNumstatEntry `json:"files"`
}

// GitDiffNumstat reports per-file line counts for all uncommitted changes.
func (h *Handlers) GitDiffNumstat(ctx context.Context) any {
	out, errResp := h.git(ctx, "diff", "--numstat", "HEAD")
	if errResp != nil {
		return errResp
	}
	return GitDiffNumstatResponse{Success: true, Files: parseNumstat(out)}
}

// GitDiffFileRequest asks for the diff of one file.
type GitDiffFileRequest struct {
	Path   string `json:"path"`
	Staged bool   `json:"staged,omitempty"`
}

// GitDiffFileResponse carries a unified diff.
type GitDiffFileResponse struct {
	Success  bool   `json:"success"`
	FilePath string `json:"filePath"`
	Diff     string `json:"diff"`
}

// GitDiffFile returns the unified diff of a single sandboxed path. For
// untracked files, where git diff is empty, the file content is rendered as
// an all-additions hunk.
func (h *Handlers) GitDiffFile(ctx context.Context, req GitDiffFileRequest) any {
	if req.Path == "" {
		return failuref("path is required")
	}
	rel, errResp := h.gitRelPath(req.Path)
	if errResp != nil {
		return errResp
	}

	args := []string{"diff"}
	if req.Staged {
		args = append(args, "--cached")
	}
	args = append(args, "--", rel)

	diff, failed := h.git(ctx, args...)
	if failed != nil {
		return failed
	}

	if diff == "" && !req.Staged {
		if resp, ok := h.ReadFile(ReadFileRequest{Path: req.Path}).(ReadFileResponse); ok {
			if content := decodeBase64(resp.Content); content != "" {
				diff = formatAsAdditions(rel, content)
			}
		}
	}

	return GitDiffFileResponse{Success: true, FilePath: req.Path, Diff: diff}
}

// git runs one git command in the working root with the fixed timeout and
// returns stdout, or the failure envelope to serialize.
func (h *Handlers) git(ctx context.Context, args ...string) (string, any) {
	result := h.runCommand(ctx, h.cfg.WorkingDir, h.cfg.GitTimeout, "git", args...)
	resp, ok := result.(CommandResponse)
	if !ok {
		return "", result
	}
	if resp.Error != "" {
		return "", failuref("git %s: %s", args[0], resp.Error)
	}
	if resp.ExitCode != 0 {
		return "", failuref("git %s failed: %s", args[0], strings.TrimSpace(resp.Stderr))
	}
	return resp.Stdout, nil
}

// gitRelPath sandboxes a caller path and rewrites it relative to the
// working root the way git expects.
func (h *Handlers) gitRelPath(p string) (string, any) {
	abs, err := h.sandboxed(p)
	if err != nil {
		return "", failure(err)
	}
	rel := strings.TrimPrefix(abs, h.cfg.WorkingDir)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "."
	}
	return rel, nil
}

// porcelainEntry is one decoded line of `git status --porcelain=v1`:
// "XY <path>", or "XY <old> -> <new>" for renames, where X is the index
// (staged) status and Y the worktree (unstaged) status.
type porcelainEntry struct {
	index    byte
	worktree byte
	path     string
	oldPath  string
}

func parsePorcelainLine(line string) (porcelainEntry, bool) {
	if len(line) < 3 {
		return porcelainEntry{}, false
	}
	entry := porcelainEntry{index: line[0], worktree: line[1]}

	rest := line[3:]
	if old, renamed, found := strings.Cut(rest, " -> "); found {
		entry.oldPath = strings.TrimSpace(old)
		entry.path = strings.TrimSpace(renamed)
	} else {
		entry.path = strings.TrimSpace(rest)
	}
	return entry, entry.path != ""
}

// parseGitStatusPorcelain groups porcelain v1 lines into staged, unstaged,
// and untracked lists. "??" is untracked, "!!" (ignored) is skipped, and a
// line can contribute to both staged and unstaged when X and Y are set.
func parseGitStatusPorcelain(output string) (staged, unstaged, untracked []GitFileStatus) {
	staged = []GitFileStatus{}
	unstaged = []GitFileStatus{}
	untracked = []GitFileStatus{}

	for _, line := range strings.Split(output, "\n") {
		entry, ok := parsePorcelainLine(line)
		if !ok {
			continue
		}
		switch {
		case entry.index == '?' && entry.worktree == '?':
			untracked = append(untracked, GitFileStatus{Path: entry.path, Status: "??"})
		case entry.index == '!' && entry.worktree == '!':
			// ignored
		default:
			if entry.index != ' ' && entry.index != '?' {
				staged = append(staged, GitFileStatus{
					Path:    entry.path,
					Status:  string(entry.index),
					OldPath: entry.oldPath,
				})
			}
			if entry.worktree != ' ' && entry.worktree != '?' {
				unstaged = append(unstaged, GitFileStatus{Path: entry.path, Status: string(entry.worktree)})
			}
		}
	}

	return staged, unstaged, untracked
}

// parseNumstat parses `git diff --numstat` output: added\tremoved\tpath.
// Binary files report "-" for both counts.
func parseNumstat(output string) []GitNumstatEntry {
	entries := []GitNumstatEntry{}
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 || parts[2] == "" {
			continue
		}
		entry := GitNumstatEntry{Path: parts[2]}
		if parts[0] == "-" || parts[1] == "-" {
			entry.IsBinary = true
		} else {
			entry.Added, _ = strconv.Atoi(parts[0])
			entry.Removed, _ = strconv.Atoi(parts[1])
		}
		entries = append(entries, entry)
	}
	return entries
}

// formatAsAdditions renders file content as a unified diff where every line
// is an addition. Used for untracked files where `git diff` returns empty.
func formatAsAdditions(filePath, content string) string {
	if content == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

	var b strings.Builder
	fmt.Fprintf(&b, "--- /dev/null\n+++ b/%s\n@@ -0,0 +1,%d @@\n", filePath, len(lines))
	for _, line := range lines {
		b.WriteByte('+')
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
