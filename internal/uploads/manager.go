// Package uploads implements the per-session file staging area under the
// machine-wide blobs root: single-shot uploads, multipart uploads with a
// hard size cap, and staged-file deletion with double path validation.
package uploads

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/happyhq/happy-daemon/internal/persistence"
)

// MaxUploadBytes caps every upload at 50 MiB, enforced both on the base64
// size estimate and on the decoded byte count.
const MaxUploadBytes = 50 * 1024 * 1024

// ErrTooLarge is returned when an upload crosses the size cap. Its text is
// part of the RPC contract.
var ErrTooLarge = errors.New("File too large (max 50MB)")

const maxFileNameLen = 255

// Manager owns the process-wide blobs root. Each session key maps to a
// disjoint staging subdirectory, created lazily on first upload.
type Manager struct {
	root   string
	ledger *persistence.Ledger
	logger *slog.Logger

	mu        sync.Mutex
	dirs      map[string]string // sessionKey -> staging dir
	multipart map[string]*multipartUpload
}

type multipartUpload struct {
	sessionKey   string
	filePath     string
	bytesWritten int64
}

// NewManager creates a Manager rooted at blobsRoot. The ledger is optional;
// when present, staging directories are recorded for crash-safe cleanup.
func NewManager(blobsRoot string, ledger *persistence.Ledger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:      blobsRoot,
		ledger:    ledger,
		logger:    logger,
		dirs:      make(map[string]string),
		multipart: make(map[string]*multipartUpload),
	}
}

// SweepOrphans removes staging directories recorded by a previous run.
// Called once on boot, before any new upload.
func (m *Manager) SweepOrphans() {
	if m.ledger == nil {
		return
	}
	dirs, err := m.ledger.ListDirs()
	if err != nil {
		m.logger.Warn("list orphaned upload dirs", "error", err)
		return
	}
	for _, d := range dirs {
		if !strings.HasPrefix(d.Path, m.root+string(filepath.Separator)) {
			m.logger.Warn("refusing to sweep dir outside blobs root", "path", d.Path)
			_ = m.ledger.ForgetDir(d.Path)
			continue
		}
		if err := os.RemoveAll(d.Path); err != nil {
			m.logger.Warn("sweep orphaned upload dir", "path", d.Path, "error", err)
			continue
		}
		_ = m.ledger.ForgetDir(d.Path)
	}
}

// Upload stages one complete file and returns its absolute path.
func (m *Manager) Upload(sessionKey, fileName, contentB64 string) (string, error) {
	// Estimate before decoding: 4 base64 chars encode 3 bytes.
	if estimated := int64(len(contentB64)) / 4 * 3; estimated > MaxUploadBytes {
		return "", ErrTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(contentB64)
	if err != nil {
		return "", fmt.Errorf("invalid base64 content: %w", err)
	}
	if int64(len(data)) > MaxUploadBytes {
		return "", ErrTooLarge
	}

	path, err := m.stagePath(sessionKey, fileName)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}

// StartMultipart opens a multipart upload and returns its id.
func (m *Manager) StartMultipart(sessionKey, fileName string) (string, error) {
	path, err := m.stagePath(sessionKey, fileName)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}

	uploadID := uuid.NewString()
	m.mu.Lock()
	m.multipart[uploadID] = &multipartUpload{sessionKey: sessionKey, filePath: path}
	m.mu.Unlock()
	return uploadID, nil
}

// AppendChunk appends decoded bytes to a multipart upload. Crossing the
// size cap aborts the upload and deletes the partial file.
func (m *Manager) AppendChunk(sessionKey, uploadID, chunkB64 string) (int64, error) {
	up, err := m.lookupMultipart(sessionKey, uploadID)
	if err != nil {
		return 0, err
	}

	data, err := base64.StdEncoding.DecodeString(chunkB64)
	if err != nil {
		return up.bytesWritten, fmt.Errorf("invalid base64 chunk: %w", err)
	}

	if up.bytesWritten+int64(len(data)) > MaxUploadBytes {
		m.discardMultipart(uploadID, up)
		return 0, ErrTooLarge
	}

	f, err := os.OpenFile(up.filePath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return up.bytesWritten, fmt.Errorf("open upload: %w", err)
	}
	n, err := f.Write(data)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}

	m.mu.Lock()
	up.bytesWritten += int64(n)
	written := up.bytesWritten
	m.mu.Unlock()

	if err != nil {
		return written, fmt.Errorf("append chunk: %w", err)
	}
	return written, nil
}

// CompleteMultipart finalizes a multipart upload and returns the staged
// file's absolute path and size.
func (m *Manager) CompleteMultipart(sessionKey, uploadID string) (string, int64, error) {
	up, err := m.lookupMultipart(sessionKey, uploadID)
	if err != nil {
		return "", 0, err
	}
	m.mu.Lock()
	delete(m.multipart, uploadID)
	m.mu.Unlock()
	return up.filePath, up.bytesWritten, nil
}

// AbortMultipart cancels a multipart upload and deletes the partial file.
func (m *Manager) AbortMultipart(sessionKey, uploadID string) error {
	up, err := m.lookupMultipart(sessionKey, uploadID)
	if err != nil {
		return err
	}
	m.discardMultipart(uploadID, up)
	return nil
}

// Delete removes one staged file. Both the lexical path and the canonical
// (post-symlink) path must stay inside the session's staging directory.
func (m *Manager) Delete(sessionKey, path string) error {
	m.mu.Lock()
	dir, ok := m.dirs[sessionKey]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no uploads for session")
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(dir, abs)
	}
	abs = filepath.Clean(abs)
	if !within(dir, abs) {
		return fmt.Errorf("path is outside the upload directory")
	}

	// The file must also canonicalise inside the canonical staging dir, so
	// a symlinked entry cannot delete something elsewhere.
	dirReal, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolve upload directory: %w", err)
	}
	parentReal, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if !within(dirReal, filepath.Join(parentReal, filepath.Base(abs))) {
		return fmt.Errorf("path is outside the upload directory")
	}

	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return nil
}

// CleanupSession removes the session's staging directory and forgets every
// multipart upload bound to it.
func (m *Manager) CleanupSession(sessionKey string) {
	m.mu.Lock()
	dir, ok := m.dirs[sessionKey]
	delete(m.dirs, sessionKey)
	for id, up := range m.multipart {
		if up.sessionKey == sessionKey {
			delete(m.multipart, id)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("cleanup upload dir", "dir", dir, "error", err)
	}
	if m.ledger != nil {
		_ = m.ledger.ForgetDir(dir)
	}
}

// CleanupAll removes every staging directory. Called on process exit.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.dirs))
	for key := range m.dirs {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.CleanupSession(key)
	}
}

// stagePath resolves (creating if needed) the session staging dir and
// returns a unique absolute path for fileName inside it.
func (m *Manager) stagePath(sessionKey, fileName string) (string, error) {
	dir, err := m.sessionDir(sessionKey)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), SanitizeFileName(fileName))
	return filepath.Join(dir, name), nil
}

func (m *Manager) sessionDir(sessionKey string) (string, error) {
	m.mu.Lock()
	dir, ok := m.dirs[sessionKey]
	m.mu.Unlock()
	if ok {
		return dir, nil
	}

	suffix := strings.Split(uuid.NewString(), "-")[0]
	dir = filepath.Join(m.root, SanitizeFileName(sessionKey)+"-"+suffix)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}
	if m.ledger != nil {
		if err := m.ledger.RecordDir(dir, sessionKey); err != nil {
			m.logger.Warn("record upload dir", "dir", dir, "error", err)
		}
	}

	m.mu.Lock()
	// Another uploader may have raced us here; keep the first mapping.
	if existing, ok := m.dirs[sessionKey]; ok {
		m.mu.Unlock()
		_ = os.RemoveAll(dir)
		if m.ledger != nil {
			_ = m.ledger.ForgetDir(dir)
		}
		return existing, nil
	}
	m.dirs[sessionKey] = dir
	m.mu.Unlock()
	return dir, nil
}

func (m *Manager) lookupMultipart(sessionKey, uploadID string) (*multipartUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.multipart[uploadID]
	if !ok {
		return nil, fmt.Errorf("upload not found: %s", uploadID)
	}
	if up.sessionKey != sessionKey {
		return nil, fmt.Errorf("upload session mismatch")
	}
	return up, nil
}

func (m *Manager) discardMultipart(uploadID string, up *multipartUpload) {
	m.mu.Lock()
	delete(m.multipart, uploadID)
	m.mu.Unlock()
	if err := os.Remove(up.filePath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("remove partial upload", "path", up.filePath, "error", err)
	}
}

// SanitizeFileName makes a caller-supplied name safe for the staging
// directory: path separators, parent references, and whitespace become
// underscores, the length is capped, and an empty result falls back to
// "upload". Sanitization is idempotent.
func SanitizeFileName(name string) string {
	replaced := strings.ReplaceAll(name, "..", "_")
	var b strings.Builder
	b.Grow(len(replaced))
	for _, r := range replaced {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteRune('_')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if runes := []rune(out); len(runes) > maxFileNameLen {
		out = string(runes[:maxFileNameLen])
	}
	if out == "" {
		return "upload"
	}
	return out
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
