// Package memory composes long-term memory for the prompt and runs the
// background jobs that keep it bounded: periodic integration of recent
// conversation into durable facts, and maintenance (summarization plus the
// daily-note fold).
package memory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/store"
)

// ReadCaps bound what the prompt includes. When either is exceeded the
// composition falls back to head+tail truncation.
type ReadCaps struct {
	MaxEntries int
	MaxBytes   int
}

func DefaultReadCaps() ReadCaps {
	return ReadCaps{MaxEntries: 80, MaxBytes: 25 * 1024}
}

// Head/tail split used when the store is over the read caps: the oldest
// entries anchor long-standing facts, the newest carry recent context.
const (
	truncHead = 30
	truncTail = 50
)

// Manager wraps the memory tables with write caps and the prompt-side read
// policy.
type Manager struct {
	db        *store.DB
	writeCaps store.MemoryCaps
	readCaps  ReadCaps
}

func NewManager(db *store.DB, writeCaps store.MemoryCaps, readCaps ReadCaps) *Manager {
	if writeCaps.MaxEntries == 0 {
		writeCaps = store.DefaultMemoryCaps()
	}
	if readCaps.MaxEntries == 0 {
		readCaps = DefaultReadCaps()
	}
	return &Manager{db: db, writeCaps: writeCaps, readCaps: readCaps}
}

// Remember appends one entry, evicting the oldest if the write caps are hit.
func (m *Manager) Remember(entry store.MemoryEntry) error {
	return m.db.AppendMemory(entry, m.writeCaps)
}

// RememberBatch appends several entries under the same caps.
func (m *Manager) RememberBatch(entries []store.MemoryEntry) error {
	return m.db.AppendMemories(entries, m.writeCaps)
}

// Search runs full-text (or LIKE fallback) search over memory content.
func (m *Manager) Search(query, scope string, limit int) ([]store.MemoryEntry, error) {
	return m.db.SearchMemories(query, scope, limit)
}

// Compose renders the memory body for the system prompt. If the store holds
// at most ReadCaps entries/bytes everything is included; otherwise the 30
// oldest and 50 newest entries are joined with an elision marker.
func (m *Manager) Compose(scope, agentID string) (string, error) {
	entries, err := m.db.GetMemories(scope, agentID, 0, 0)
	if err != nil {
		return "", fmt.Errorf("compose memory: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}

	total := 0
	for _, e := range entries {
		total += len(e.Content)
	}
	if len(entries) <= m.readCaps.MaxEntries && total <= m.readCaps.MaxBytes {
		return FormatEntries(entries), nil
	}

	head, tail := entries, []store.MemoryEntry(nil)
	if len(entries) > truncHead+truncTail {
		head = entries[:truncHead]
		tail = entries[len(entries)-truncTail:]
	}
	parts := []string{FormatEntries(head)}
	if tail != nil {
		parts = append(parts, "(older entries elided)", FormatEntries(tail))
	}
	return strings.Join(parts, "\n"), nil
}

// FormatEntries renders entries one per line:
//
//	- [2026-08-24] the user prefers green tea
//
// Entries without a date drop the bracket. ParseEntries inverts this.
func FormatEntries(entries []store.MemoryEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		if e.EntryDate != "" {
			b.WriteString("[" + e.EntryDate + "] ")
		}
		b.WriteString(e.Content)
	}
	return b.String()
}

var entryDateRe = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2})\] `)

// ParseEntries parses the line format emitted by FormatEntries. Lines that
// are not "- " bullets (blank lines, elision markers, prose the model added
// around its answer) are skipped.
func ParseEntries(text string) []store.MemoryEntry {
	var entries []store.MemoryEntry
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "- ")
		if !ok {
			continue
		}
		var e store.MemoryEntry
		if m := entryDateRe.FindStringSubmatch(rest); m != nil {
			e.EntryDate = m[1]
			rest = rest[len(m[0]):]
		}
		e.Content = strings.TrimSpace(rest)
		if e.Content == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}
