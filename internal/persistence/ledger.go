// Package persistence provides the SQLite-backed upload-directory ledger.
// Upload staging directories are recorded when created and forgotten when
// cleaned up, so directories orphaned by a crash are swept on the next boot.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// UploadDir is one recorded staging directory.
type UploadDir struct {
	Path       string `json:"path"`
	SessionKey string `json:"sessionKey"`
	CreatedAt  string `json:"createdAt"` // ISO 8601
}

// Ledger tracks upload staging directories across daemon restarts.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the ledger database at the given path.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// migrate applies schema migrations.
func (l *Ledger) migrate() error {
	if _, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying ledger migration", "version", i+1)
		if err := migrations[i](l.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := l.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS upload_dirs (
			path TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_upload_dirs_session ON upload_dirs(session_key);
	`)
	return err
}

// RecordDir registers a staging directory.
func (l *Ledger) RecordDir(path, sessionKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		"INSERT OR REPLACE INTO upload_dirs (path, session_key, created_at) VALUES (?, ?, ?)",
		path, sessionKey, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record upload dir: %w", err)
	}
	return nil
}

// ForgetDir removes a staging directory record.
func (l *Ledger) ForgetDir(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.Exec("DELETE FROM upload_dirs WHERE path = ?", path); err != nil {
		return fmt.Errorf("forget upload dir: %w", err)
	}
	return nil
}

// ListDirs returns every recorded staging directory.
func (l *Ledger) ListDirs() ([]UploadDir, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query("SELECT path, session_key, created_at FROM upload_dirs ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list upload dirs: %w", err)
	}
	defer rows.Close()

	var dirs []UploadDir
	for rows.Next() {
		var d UploadDir
		if err := rows.Scan(&d.Path, &d.SessionKey, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upload dir: %w", err)
		}
		dirs = append(dirs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload dirs: %w", err)
	}

	if dirs == nil {
		dirs = []UploadDir{}
	}
	return dirs, nil
}
