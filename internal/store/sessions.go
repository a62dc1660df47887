package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nanobot-ai/nanobot/internal/providers"
)

// Session is one conversation identified by "<channel>:<chatId>".
type Session struct {
	Key      string            `json:"key"`
	Title    string            `json:"title,omitempty"`
	Status   string            `json:"status,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Messages []Message         `json:"messages"`
	Created  time.Time         `json:"created"`
	Updated  time.Time         `json:"updated"`
}

// Message is one entry in a session's append-only log. Sequence numbers are
// dense and 1-based within a session.
type Message struct {
	Sequence   int                  `json:"sequence"`
	Role       string               `json:"role"` // "user", "assistant", "tool", "system"
	Content    string               `json:"content"`
	ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	ToolSteps  []ToolStep           `json:"tool_steps,omitempty"`
	Usage      *providers.Usage     `json:"usage,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// ToolStep records one executed tool call alongside the assistant message
// that produced it. Result is truncated for storage.
type ToolStep struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
}

// AppendMessage adds a message with the next dense sequence number.
func (s *Session) AppendMessage(msg Message) {
	msg.Sequence = len(s.Messages) + 1
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
}

// SessionInfo is lightweight session metadata for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// messageExtras is the JSON blob stored in chat_messages.extras.
type messageExtras struct {
	ToolCalls []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolSteps []ToolStep           `json:"tool_steps,omitempty"`
	Usage     *providers.Usage     `json:"usage,omitempty"`
}

// sessionExtras is the JSON blob stored in chat_sessions.extras.
type sessionExtras struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GetSession loads a session with its full message log, or nil when absent.
func (d *DB) GetSession(key string) (*Session, error) {
	var s Session
	var extras string
	var createdMs, updatedMs int64
	err := d.sql.QueryRow(
		"SELECT key, title, status, extras, created_at, updated_at FROM chat_sessions WHERE key = ?", key,
	).Scan(&s.Key, &s.Title, &s.Status, &extras, &createdMs, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	s.Created = time.UnixMilli(createdMs)
	s.Updated = time.UnixMilli(updatedMs)

	var se sessionExtras
	if json.Unmarshal([]byte(extras), &se) == nil {
		s.Metadata = se.Metadata
	}

	msgs, err := d.loadMessages(key, 0, 0)
	if err != nil {
		return nil, err
	}
	s.Messages = msgs
	return &s, nil
}

// SaveSession persists the session atomically: the session row is upserted
// and the full message log replaced in one transaction, so a concurrent
// reader sees either the prior or the new state, never a mix.
func (d *DB) SaveSession(s *Session) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.Key, err)
	}
	defer tx.Rollback()

	extras, err := json.Marshal(sessionExtras{Metadata: s.Metadata})
	if err != nil {
		return fmt.Errorf("marshal session extras: %w", err)
	}
	status := s.Status
	if status == "" {
		status = "active"
	}

	if _, err := tx.Exec(`INSERT OR REPLACE INTO chat_sessions(key, title, status, extras, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		s.Key, s.Title, status, string(extras), s.Created.UnixMilli(), s.Updated.UnixMilli()); err != nil {
		return fmt.Errorf("upsert session %s: %w", s.Key, err)
	}

	if _, err := tx.Exec("DELETE FROM chat_messages WHERE session_key = ?", s.Key); err != nil {
		return fmt.Errorf("clear messages %s: %w", s.Key, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO chat_messages(session_key, sequence, role, content, tool_call_id, extras, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range s.Messages {
		me, err := json.Marshal(messageExtras{ToolCalls: m.ToolCalls, ToolSteps: m.ToolSteps, Usage: m.Usage})
		if err != nil {
			return fmt.Errorf("marshal message extras: %w", err)
		}
		if _, err := stmt.Exec(s.Key, m.Sequence, m.Role, m.Content, m.ToolCallID, string(me), m.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("insert message %s/%d: %w", s.Key, m.Sequence, err)
		}
	}

	return tx.Commit()
}

// DeleteSession removes a session and (by cascade) its messages.
func (d *DB) DeleteSession(key string) error {
	_, err := d.sql.Exec("DELETE FROM chat_sessions WHERE key = ?", key)
	return err
}

// ListSessions returns lightweight info for all sessions, newest first.
func (d *DB) ListSessions() ([]SessionInfo, error) {
	rows, err := d.sql.Query(`
		SELECT s.key, s.title, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM chat_messages m WHERE m.session_key = s.key)
		FROM chat_sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var infos []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var createdMs, updatedMs int64
		if err := rows.Scan(&info.Key, &info.Title, &createdMs, &updatedMs, &info.MessageCount); err != nil {
			return nil, err
		}
		info.Created = time.UnixMilli(createdMs)
		info.Updated = time.UnixMilli(updatedMs)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// GetMessages returns messages in ascending sequence. When beforeSequence > 0
// only messages with sequence strictly less are returned (backward scroll);
// limit bounds the result to the most recent messages of that range.
func (d *DB) GetMessages(key string, limit, beforeSequence int) ([]Message, error) {
	return d.loadMessages(key, limit, beforeSequence)
}

func (d *DB) loadMessages(key string, limit, beforeSequence int) ([]Message, error) {
	query := "SELECT sequence, role, content, tool_call_id, extras, created_at FROM chat_messages WHERE session_key = ?"
	args := []interface{}{key}
	if beforeSequence > 0 {
		query += " AND sequence < ?"
		args = append(args, beforeSequence)
	}
	query += " ORDER BY sequence DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", key, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var extras string
		var createdMs int64
		if err := rows.Scan(&m.Sequence, &m.Role, &m.Content, &m.ToolCallID, &extras, &createdMs); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(createdMs)
		var me messageExtras
		if json.Unmarshal([]byte(extras), &me) == nil {
			m.ToolCalls = me.ToolCalls
			m.ToolSteps = me.ToolSteps
			m.Usage = me.Usage
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returns newest-first for the LIMIT; present ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
