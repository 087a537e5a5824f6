package handlers

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/happyhq/happy-daemon/internal/sandbox"
)

// PathExistsRequest checks a batch of paths for being existing directories.
type PathExistsRequest struct {
	Paths []string `json:"paths"`
}

// PathExistsResponse maps each original input to its result.
type PathExistsResponse struct {
	Success bool            `json:"success"`
	Exists  map[string]bool `json:"exists"`
}

// PathExists reports, for each input, whether it names an existing
// directory. Leading ~ expands to the user's home; inputs are trimmed and
// deduplicated, empty ones ignored. This handler deliberately skips the
// sandbox: it answers "is this a usable working directory" for spawn flows.
func (h *Handlers) PathExists(req PathExistsRequest) any {
	exists := make(map[string]bool)
	seen := make(map[string]struct{})
	for _, original := range req.Paths {
		trimmed := strings.TrimSpace(original)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}

		expanded := h.expandHome(trimmed)
		info, err := os.Stat(expanded)
		exists[original] = err == nil && info.IsDir()
	}
	return PathExistsResponse{Success: true, Exists: exists}
}

func (h *Handlers) expandHome(p string) string {
	if p == "~" {
		return h.cfg.HomeDir
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(h.cfg.HomeDir, p[2:])
	}
	return p
}

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // file, directory, other
	Size     *int64 `json:"size,omitempty"`
	Modified *int64 `json:"modified,omitempty"`
}

// ListDirectoryRequest lists one directory.
type ListDirectoryRequest struct {
	Path string `json:"path"`
}

// ListDirectoryResponse carries the sorted entries.
type ListDirectoryResponse struct {
	Success bool       `json:"success"`
	Path    string     `json:"path"`
	Entries []DirEntry `json:"entries"`
}

// ListDirectory returns the entries of one directory, directories first and
// then lexicographic. Symlinks are reported as "other" without stat data;
// stat failures degrade to "other" as well.
func (h *Handlers) ListDirectory(req ListDirectoryRequest) any {
	abs, err := sandbox.ValidateRealPath(req.Path, h.cfg.WorkingDir)
	if err != nil {
		return failure(err)
	}

	dirents, err := os.ReadDir(abs)
	if err != nil {
		return failuref("read directory: %v", err)
	}

	entries := make([]DirEntry, 0, len(dirents))
	for _, d := range dirents {
		entries = append(entries, describeEntry(d))
	}
	sort.Slice(entries, func(i, j int) bool {
		if (entries[i].Type == "directory") != (entries[j].Type == "directory") {
			return entries[i].Type == "directory"
		}
		return entries[i].Name < entries[j].Name
	})

	return ListDirectoryResponse{Success: true, Path: req.Path, Entries: entries}
}

func describeEntry(d fs.DirEntry) DirEntry {
	entry := DirEntry{Name: d.Name(), Type: "other"}
	if d.Type()&fs.ModeSymlink != 0 {
		return entry
	}
	info, err := d.Info()
	if err != nil {
		return entry
	}
	switch {
	case info.IsDir():
		entry.Type = "directory"
	case info.Mode().IsRegular():
		entry.Type = "file"
		size := info.Size()
		entry.Size = &size
	default:
		return entry
	}
	modified := info.ModTime().UnixMilli()
	entry.Modified = &modified
	return entry
}

// TreeNode is one node of a recursive directory tree.
type TreeNode struct {
	Name     string     `json:"name"`
	Type     string     `json:"type"` // file, directory
	Children []TreeNode `json:"children,omitempty"`
}

// DirectoryTreeRequest asks for a bounded recursive tree.
type DirectoryTreeRequest struct {
	Path     string `json:"path"`
	MaxDepth int    `json:"maxDepth"`
}

// DirectoryTreeResponse carries the tree rooted at the requested path.
type DirectoryTreeResponse struct {
	Success bool     `json:"success"`
	Tree    TreeNode `json:"tree"`
}

// DirectoryTree returns a recursive listing bounded by maxDepth. Symlinks
// are pruned, unreadable nodes omitted, and maxDepth 0 returns only the
// root node.
func (h *Handlers) DirectoryTree(req DirectoryTreeRequest) any {
	if req.MaxDepth < 0 {
		return failuref("maxDepth must be >= 0")
	}
	abs, err := sandbox.ValidateRealPath(req.Path, h.cfg.WorkingDir)
	if err != nil {
		return failure(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return failuref("stat: %v", err)
	}

	root := TreeNode{Name: filepath.Base(abs), Type: "file"}
	if info.IsDir() {
		root.Type = "directory"
		root.Children = buildTree(abs, req.MaxDepth)
	}
	return DirectoryTreeResponse{Success: true, Tree: root}
}

func buildTree(dir string, depth int) []TreeNode {
	if depth <= 0 {
		return nil
	}
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var nodes []TreeNode
	for _, d := range dirents {
		if d.Type()&fs.ModeSymlink != 0 {
			continue
		}
		switch {
		case d.IsDir():
			nodes = append(nodes, TreeNode{
				Name:     d.Name(),
				Type:     "directory",
				Children: buildTree(filepath.Join(dir, d.Name()), depth-1),
			})
		case d.Type().IsRegular():
			nodes = append(nodes, TreeNode{Name: d.Name(), Type: "file"})
		}
	}
	return nodes
}

// ReadFileRequest reads one file.
type ReadFileRequest struct {
	Path string `json:"path"`
}

// ReadFileResponse carries the base64 content.
type ReadFileResponse struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
}

// ReadFile returns the file's bytes base64-encoded. Both the lexical and
// the canonical path must stay inside the working directory.
func (h *Handlers) ReadFile(req ReadFileRequest) any {
	abs, err := sandbox.ValidateRealPath(req.Path, h.cfg.WorkingDir)
	if err != nil {
		return failure(err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return failuref("read file: %v", err)
	}
	return ReadFileResponse{Success: true, Content: base64.StdEncoding.EncodeToString(data)}
}

// WriteFileRequest writes one file with optimistic concurrency.
type WriteFileRequest struct {
	Path string `json:"path"`
	// Content is base64.
	Content string `json:"content"`
	// ExpectedHash is the SHA-256 of the bytes the caller believes are on
	// disk. Nil means creation-only: the file must not exist yet.
	ExpectedHash *string `json:"expectedHash"`
}

// WriteFileResponse carries the hash of the written bytes.
type WriteFileResponse struct {
	Success bool   `json:"success"`
	Hash    string `json:"hash"`
}

// WriteFile writes the decoded content, guarded by a content hash check:
// with ExpectedHash the file must exist and currently hash to it; without,
// the file must not exist at all.
func (h *Handlers) WriteFile(req WriteFileRequest) any {
	abs, err := sandbox.ValidateRealPath(req.Path, h.cfg.WorkingDir)
	if err != nil {
		return failure(err)
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return failuref("invalid base64 content: %v", err)
	}

	existing, err := os.ReadFile(abs)
	switch {
	case err == nil:
		if req.ExpectedHash == nil {
			return failuref("file already exists: %s", req.Path)
		}
		currentHash := sha256Hex(existing)
		if currentHash != *req.ExpectedHash {
			return failuref("file was modified: hash mismatch (expected %s, found %s)", *req.ExpectedHash, currentHash)
		}
	case errors.Is(err, fs.ErrNotExist):
		if req.ExpectedHash != nil {
			return failuref("file does not exist: %s", req.Path)
		}
	default:
		return failuref("read file: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return failuref("create parent directory: %v", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return failuref("write file: %v", err)
	}
	return WriteFileResponse{Success: true, Hash: sha256Hex(data)}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
