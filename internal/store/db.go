// Package store provides the SQLite persistence layer. One database file
// (chat.db) holds chat sessions, messages, long-term memory, daily notes,
// and scheduled jobs. All migrations are idempotent; an unreadable file is
// renamed to <name>.bak and the schema recreated.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle shared by all stores.
type DB struct {
	sql    *sql.DB
	path   string
	hasFTS bool
}

// Open opens (or creates) the database at path and applies migrations.
// A corrupt database file is moved aside to <path>.bak and recreated.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := open(path)
	if err == nil {
		return db, nil
	}

	// Unreadable or corrupt: preserve the old file and start fresh.
	bak := path + ".bak"
	slog.Warn("store.db_corrupt", "path", path, "backup", bak, "error", err)
	if renameErr := os.Rename(path, bak); renameErr != nil && !os.IsNotExist(renameErr) {
		return nil, fmt.Errorf("move corrupt db: %w", renameErr)
	}
	return open(path)
}

func open(path string) (*DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Writers serialize through one connection; SQLite locks at the file level anyway.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sql: sqlDB, path: path}
	if err := db.probe(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	db.hasFTS = db.detectFTS()
	return db, nil
}

// probe verifies the file is a readable SQLite database.
func (d *DB) probe() error {
	var result string
	if err := d.sql.QueryRow("PRAGMA integrity_check(1)").Scan(&result); err != nil {
		return fmt.Errorf("integrity probe: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// detectFTS reports whether this build of SQLite carries the FTS5 module.
func (d *DB) detectFTS() bool {
	// Rowids in memory_fts mirror memory_entries ids.
	_, err := d.sql.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(content)")
	if err != nil {
		slog.Debug("store.fts_unavailable", "error", err)
		return false
	}
	return true
}

// HasFTS reports whether full-text memory search is available.
func (d *DB) HasFTS() bool { return d.hasFTS }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the underlying handle.
func (d *DB) Close() error { return d.sql.Close() }

// hasColumn probes table_info for a column, for additive migrations.
func (d *DB) hasColumn(table, column string) bool {
	rows, err := d.sql.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if strings.EqualFold(name, column) {
			return true
		}
	}
	return false
}

func nowMs() int64 { return time.Now().UnixMilli() }
