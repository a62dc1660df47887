package store

import "fmt"

// migrate applies the idempotent schema. CREATE TABLE IF NOT EXISTS for new
// tables, PRAGMA table_info probes + ALTER TABLE ADD COLUMN for additive
// changes to existing ones.
func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			key        TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'active',
			extras     TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key  TEXT NOT NULL REFERENCES chat_sessions(key) ON DELETE CASCADE,
			sequence     INTEGER NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			extras       TEXT NOT NULL DEFAULT '{}',
			created_at   INTEGER NOT NULL,
			UNIQUE(session_key, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session
			ON chat_messages(session_key, sequence)`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id    TEXT NOT NULL DEFAULT '',
			scope       TEXT NOT NULL DEFAULT 'global',
			content     TEXT NOT NULL,
			entry_date  TEXT NOT NULL DEFAULT '',
			entry_time  TEXT NOT NULL DEFAULT '',
			source_type TEXT NOT NULL DEFAULT '',
			source_id   TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_entries_scope
			ON memory_entries(scope, agent_id, id)`,
		`CREATE TABLE IF NOT EXISTS daily_notes (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id     TEXT NOT NULL DEFAULT '',
			scope        TEXT NOT NULL DEFAULT 'global',
			date         TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			processed    INTEGER NOT NULL DEFAULT 0,
			processed_at INTEGER,
			UNIQUE(scope, agent_id, date)
		)`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL DEFAULT '',
			enabled          INTEGER NOT NULL DEFAULT 1,
			is_system        INTEGER NOT NULL DEFAULT 0,
			trigger_type     TEXT NOT NULL,
			trigger_params   TEXT NOT NULL DEFAULT '{}',
			payload          TEXT NOT NULL DEFAULT '{}',
			next_run_at_ms   INTEGER,
			last_run_at_ms   INTEGER,
			last_status      TEXT NOT NULL DEFAULT '',
			last_error       TEXT NOT NULL DEFAULT '',
			delete_after_run INTEGER NOT NULL DEFAULT 0,
			source           TEXT NOT NULL DEFAULT '',
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS identity (
			workspace  TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv_state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := d.sql.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Additive columns for databases created before these fields existed.
	additive := []struct {
		table, column, ddl string
	}{
		{"chat_sessions", "status", "ALTER TABLE chat_sessions ADD COLUMN status TEXT NOT NULL DEFAULT 'active'"},
		{"cron_jobs", "source", "ALTER TABLE cron_jobs ADD COLUMN source TEXT NOT NULL DEFAULT ''"},
		{"memory_entries", "source_id", "ALTER TABLE memory_entries ADD COLUMN source_id TEXT NOT NULL DEFAULT ''"},
	}
	for _, a := range additive {
		if !d.hasColumn(a.table, a.column) {
			if _, err := d.sql.Exec(a.ddl); err != nil {
				return fmt.Errorf("migrate %s.%s: %w", a.table, a.column, err)
			}
		}
	}
	return nil
}

// GetState reads a value from the kv_state table ("" when absent).
func (d *DB) GetState(key string) string {
	var v string
	_ = d.sql.QueryRow("SELECT value FROM kv_state WHERE key = ?", key).Scan(&v)
	return v
}

// SetState upserts a value in the kv_state table.
func (d *DB) SetState(key, value string) error {
	_, err := d.sql.Exec(`INSERT INTO kv_state(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowMs())
	return err
}
