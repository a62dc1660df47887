package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// GetIdentity returns the workspace-scoped identity text, or "" when unset.
func (d *DB) GetIdentity(workspace string) (string, error) {
	var content string
	err := d.sql.QueryRow("SELECT content FROM identity WHERE workspace = ?", workspace).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load identity: %w", err)
	}
	return content, nil
}

// SetIdentity upserts the workspace-scoped identity text.
func (d *DB) SetIdentity(workspace, content string) error {
	_, err := d.sql.Exec(`INSERT INTO identity(workspace, content, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(workspace) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		workspace, content, nowMs())
	return err
}

// RecentConversation returns user/assistant messages across all sessions
// newer than since, oldest first, capped at limit. Sessions whose key starts
// with any of excludePrefixes (e.g. subagent sessions) are skipped. Used by
// the memory auto-integration job.
func (d *DB) RecentConversation(since time.Time, limit int, excludePrefixes []string) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT sequence, role, content, tool_call_id, session_key, created_at
		FROM chat_messages
		WHERE created_at >= ? AND role IN ('user', 'assistant')`
	args := []interface{}{since.UnixMilli()}
	for _, p := range excludePrefixes {
		query += " AND session_key NOT LIKE ?"
		args = append(args, p+"%")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent conversation: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var sessionKey string
		var createdMs int64
		if err := rows.Scan(&m.Sequence, &m.Role, &m.Content, &m.ToolCallID, &sessionKey, &createdMs); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(createdMs)
		// Skip tool-plumbing artifacts; only real dialogue feeds memory.
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
