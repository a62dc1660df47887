package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// MemoryEntry is one long-term memory fact.
type MemoryEntry struct {
	ID         int64     `json:"id"`
	AgentID    string    `json:"agent_id,omitempty"`
	Scope      string    `json:"scope"`
	Content    string    `json:"content"`
	EntryDate  string    `json:"entry_date"` // YYYY-MM-DD
	EntryTime  string    `json:"entry_time"` // HH:MM
	SourceType string    `json:"source_type,omitempty"`
	SourceID   string    `json:"source_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DailyNote is the append-only per-day note for a scope.
type DailyNote struct {
	ID          int64      `json:"id"`
	AgentID     string     `json:"agent_id,omitempty"`
	Scope       string     `json:"scope"`
	Date        string     `json:"date"` // YYYY-MM-DD
	Content     string     `json:"content"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// MemoryCaps bounds writes to the long-term store per (agentID, scope).
type MemoryCaps struct {
	MaxEntries int // oldest evicted beyond this count
	MaxBytes   int // oldest evicted beyond this serialized size
}

// DefaultMemoryCaps matches the documented write limits.
func DefaultMemoryCaps() MemoryCaps {
	return MemoryCaps{MaxEntries: 100, MaxBytes: 30 * 1024}
}

// AppendMemory inserts one entry, enforcing the write caps.
func (d *DB) AppendMemory(entry MemoryEntry, caps MemoryCaps) error {
	return d.AppendMemories([]MemoryEntry{entry}, caps)
}

// AppendMemories inserts a batch in one transaction, then drops the oldest
// entries for each touched (agentID, scope) until both count and byte caps
// hold. The FTS index is updated in the same transaction.
func (d *DB) AppendMemories(entries []MemoryEntry, caps MemoryCaps) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("append memories: %w", err)
	}
	defer tx.Rollback()

	touched := make(map[[2]string]bool)
	for _, e := range entries {
		now := time.Now()
		if e.EntryDate == "" {
			e.EntryDate = now.Format("2006-01-02")
		}
		if e.EntryTime == "" {
			e.EntryTime = now.Format("15:04")
		}
		res, err := tx.Exec(`INSERT INTO memory_entries(agent_id, scope, content, entry_date, entry_time, source_type, source_id, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			e.AgentID, e.Scope, e.Content, e.EntryDate, e.EntryTime, e.SourceType, e.SourceID, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		if d.hasFTS {
			id, _ := res.LastInsertId()
			if _, err := tx.Exec("INSERT INTO memory_fts(rowid, content) VALUES(?, ?)", id, e.Content); err != nil {
				return fmt.Errorf("index memory: %w", err)
			}
		}
		touched[[2]string{e.AgentID, e.Scope}] = true
	}

	for key := range touched {
		if err := evictOldest(tx, key[0], key[1], caps, d.hasFTS); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// evictOldest drops the oldest rows for (agentID, scope) until both caps hold.
func evictOldest(tx *sql.Tx, agentID, scope string, caps MemoryCaps, hasFTS bool) error {
	for {
		var count, bytes int
		err := tx.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0)
			FROM memory_entries WHERE agent_id = ? AND scope = ?`, agentID, scope).Scan(&count, &bytes)
		if err != nil {
			return fmt.Errorf("memory caps probe: %w", err)
		}
		if (caps.MaxEntries <= 0 || count <= caps.MaxEntries) && (caps.MaxBytes <= 0 || bytes <= caps.MaxBytes) {
			return nil
		}
		if count == 0 {
			return nil
		}
		var oldest int64
		if err := tx.QueryRow(`SELECT id FROM memory_entries WHERE agent_id = ? AND scope = ?
			ORDER BY id ASC LIMIT 1`, agentID, scope).Scan(&oldest); err != nil {
			return fmt.Errorf("memory eviction probe: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM memory_entries WHERE id = ?", oldest); err != nil {
			return fmt.Errorf("memory eviction: %w", err)
		}
		if hasFTS {
			if _, err := tx.Exec("DELETE FROM memory_fts WHERE rowid = ?", oldest); err != nil {
				return fmt.Errorf("memory fts eviction: %w", err)
			}
		}
	}
}

// GetMemories returns entries for (scope, agentID) oldest first.
// limit <= 0 returns all; offset skips from the start.
func (d *DB) GetMemories(scope, agentID string, limit, offset int) ([]MemoryEntry, error) {
	query := `SELECT id, agent_id, scope, content, entry_date, entry_time, source_type, source_id, created_at
		FROM memory_entries WHERE scope = ? AND agent_id = ? ORDER BY id ASC`
	args := []interface{}{scope, agentID}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	return d.scanMemories(query, args...)
}

// ReplaceMemories atomically swaps all entries for (scope, agentID) with the
// given set. Used by the summarization job.
func (d *DB) ReplaceMemories(scope, agentID string, entries []MemoryEntry) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("replace memories: %w", err)
	}
	defer tx.Rollback()

	if d.hasFTS {
		if _, err := tx.Exec(`DELETE FROM memory_fts WHERE rowid IN
			(SELECT id FROM memory_entries WHERE scope = ? AND agent_id = ?)`, scope, agentID); err != nil {
			return fmt.Errorf("clear memory fts: %w", err)
		}
	}
	if _, err := tx.Exec("DELETE FROM memory_entries WHERE scope = ? AND agent_id = ?", scope, agentID); err != nil {
		return fmt.Errorf("clear memories: %w", err)
	}

	now := time.Now()
	for _, e := range entries {
		if e.EntryDate == "" {
			e.EntryDate = now.Format("2006-01-02")
		}
		res, err := tx.Exec(`INSERT INTO memory_entries(agent_id, scope, content, entry_date, entry_time, source_type, source_id, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			agentID, scope, e.Content, e.EntryDate, e.EntryTime, e.SourceType, e.SourceID, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert replacement memory: %w", err)
		}
		if d.hasFTS {
			id, _ := res.LastInsertId()
			if _, err := tx.Exec("INSERT INTO memory_fts(rowid, content) VALUES(?, ?)", id, e.Content); err != nil {
				return fmt.Errorf("index replacement memory: %w", err)
			}
		}
	}
	return tx.Commit()
}

// SearchMemories finds entries matching query, newest first. Uses FTS when
// available and falls back to substring search otherwise. scope "" searches
// all scopes.
func (d *DB) SearchMemories(query, scope string, limit int) ([]MemoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	if d.hasFTS {
		q := `SELECT e.id, e.agent_id, e.scope, e.content, e.entry_date, e.entry_time, e.source_type, e.source_id, e.created_at
			FROM memory_fts f JOIN memory_entries e ON e.id = f.rowid
			WHERE memory_fts MATCH ?`
		args := []interface{}{ftsQuote(query)}
		if scope != "" {
			q += " AND e.scope = ?"
			args = append(args, scope)
		}
		q += " ORDER BY e.id DESC LIMIT ?"
		args = append(args, limit)
		entries, err := d.scanMemories(q, args...)
		if err == nil {
			return entries, nil
		}
		// Malformed FTS syntax in user queries falls through to LIKE.
	}

	q := `SELECT id, agent_id, scope, content, entry_date, entry_time, source_type, source_id, created_at
		FROM memory_entries WHERE content LIKE ?`
	args := []interface{}{"%" + query + "%"}
	if scope != "" {
		q += " AND scope = ?"
		args = append(args, scope)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	return d.scanMemories(q, args...)
}

// ftsQuote wraps each term in double quotes so punctuation in user queries
// does not break FTS5 syntax.
func ftsQuote(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}

func (d *DB) scanMemories(query string, args ...interface{}) ([]MemoryEntry, error) {
	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var createdMs int64
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Scope, &e.Content, &e.EntryDate, &e.EntryTime,
			&e.SourceType, &e.SourceID, &createdMs); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(createdMs)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendDailyNote appends a line to the (scope, agentID, date) note,
// creating the row on first write.
func (d *DB) AppendDailyNote(scope, agentID, date, line string) error {
	_, err := d.sql.Exec(`INSERT INTO daily_notes(agent_id, scope, date, content)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(scope, agent_id, date) DO UPDATE SET
			content = content || char(10) || excluded.content,
			processed = 0`,
		agentID, scope, date, line)
	if err != nil {
		return fmt.Errorf("append daily note: %w", err)
	}
	return nil
}

// GetDailyNote returns the note for (scope, agentID, date), or nil.
func (d *DB) GetDailyNote(scope, agentID, date string) (*DailyNote, error) {
	row := d.sql.QueryRow(`SELECT id, agent_id, scope, date, content, processed, processed_at
		FROM daily_notes WHERE scope = ? AND agent_id = ? AND date = ?`, scope, agentID, date)
	return scanDailyNote(row)
}

// GetUnprocessedDailyNotes returns unprocessed notes dated strictly before
// beforeDate (YYYY-MM-DD), oldest first.
func (d *DB) GetUnprocessedDailyNotes(beforeDate string) ([]DailyNote, error) {
	rows, err := d.sql.Query(`SELECT id, agent_id, scope, date, content, processed, processed_at
		FROM daily_notes WHERE processed = 0 AND date < ? ORDER BY date ASC`, beforeDate)
	if err != nil {
		return nil, fmt.Errorf("unprocessed daily notes: %w", err)
	}
	defer rows.Close()

	var notes []DailyNote
	for rows.Next() {
		note, err := scanDailyNoteRows(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, *note)
	}
	return notes, rows.Err()
}

// MarkDailyNoteProcessed stamps a note as folded into long-term memory.
func (d *DB) MarkDailyNoteProcessed(id int64) error {
	_, err := d.sql.Exec("UPDATE daily_notes SET processed = 1, processed_at = ? WHERE id = ?", nowMs(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDailyNote(row rowScanner) (*DailyNote, error) {
	n, err := scanDailyNoteRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

func scanDailyNoteRows(row rowScanner) (*DailyNote, error) {
	var n DailyNote
	var processed int
	var processedAt sql.NullInt64
	if err := row.Scan(&n.ID, &n.AgentID, &n.Scope, &n.Date, &n.Content, &processed, &processedAt); err != nil {
		return nil, err
	}
	n.Processed = processed != 0
	if processedAt.Valid {
		t := time.UnixMilli(processedAt.Int64)
		n.ProcessedAt = &t
	}
	return &n, nil
}
