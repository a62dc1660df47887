package store

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestAppendMemoriesCountCap(t *testing.T) {
	db := openTestDB(t)
	caps := MemoryCaps{MaxEntries: 5, MaxBytes: 1 << 20}

	var batch []MemoryEntry
	for i := 0; i < 8; i++ {
		batch = append(batch, MemoryEntry{Scope: "global", Content: fmt.Sprintf("fact %d", i)})
	}
	if err := db.AppendMemories(batch, caps); err != nil {
		t.Fatal(err)
	}

	entries, err := db.GetMemories("global", "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("entries = %d, want 5", len(entries))
	}
	// Oldest evicted: facts 0-2 gone, 3-7 kept.
	if entries[0].Content != "fact 3" {
		t.Errorf("oldest surviving = %q, want %q", entries[0].Content, "fact 3")
	}
}

func TestAppendMemoriesByteCap(t *testing.T) {
	db := openTestDB(t)
	caps := MemoryCaps{MaxEntries: 100, MaxBytes: 100}

	long := strings.Repeat("x", 60)
	for i := 0; i < 3; i++ {
		if err := db.AppendMemory(MemoryEntry{Scope: "global", Content: long}, caps); err != nil {
			t.Fatal(err)
		}
	}

	entries, _ := db.GetMemories("global", "", 0, 0)
	total := 0
	for _, e := range entries {
		total += len(e.Content)
	}
	if total > 100 {
		t.Errorf("total bytes = %d, want <= 100", total)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestCapsPerScope(t *testing.T) {
	db := openTestDB(t)
	caps := MemoryCaps{MaxEntries: 2, MaxBytes: 1 << 20}

	for i := 0; i < 3; i++ {
		db.AppendMemory(MemoryEntry{Scope: "global", Content: fmt.Sprintf("g%d", i)}, caps)
		db.AppendMemory(MemoryEntry{Scope: "mirror-wu", Content: fmt.Sprintf("w%d", i)}, caps)
	}

	g, _ := db.GetMemories("global", "", 0, 0)
	w, _ := db.GetMemories("mirror-wu", "", 0, 0)
	if len(g) != 2 || len(w) != 2 {
		t.Errorf("per-scope caps: global=%d mirror-wu=%d, want 2 each", len(g), len(w))
	}
}

func TestReplaceMemories(t *testing.T) {
	db := openTestDB(t)
	caps := DefaultMemoryCaps()

	for i := 0; i < 4; i++ {
		db.AppendMemory(MemoryEntry{Scope: "global", Content: fmt.Sprintf("old %d", i)}, caps)
	}
	err := db.ReplaceMemories("global", "", []MemoryEntry{
		{Content: "summary line", EntryDate: "2026-01-01"},
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, _ := db.GetMemories("global", "", 0, 0)
	if len(entries) != 1 || entries[0].Content != "summary line" {
		t.Errorf("got %+v", entries)
	}
	if entries[0].EntryDate != "2026-01-01" {
		t.Errorf("entry date = %q", entries[0].EntryDate)
	}
}

func TestSearchMemories(t *testing.T) {
	db := openTestDB(t)
	caps := DefaultMemoryCaps()

	db.AppendMemory(MemoryEntry{Scope: "global", Content: "the user likes green tea"}, caps)
	db.AppendMemory(MemoryEntry{Scope: "global", Content: "the user works at midnight"}, caps)
	db.AppendMemory(MemoryEntry{Scope: "mirror-wu", Content: "green is a calming color"}, caps)

	results, err := db.SearchMemories("green", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	scoped, err := db.SearchMemories("green", "global", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 {
		t.Fatalf("scoped results = %d, want 1", len(scoped))
	}
	if !strings.Contains(scoped[0].Content, "tea") {
		t.Errorf("got %q", scoped[0].Content)
	}
}

func TestSearchPunctuationDoesNotError(t *testing.T) {
	db := openTestDB(t)
	db.AppendMemory(MemoryEntry{Scope: "global", Content: "weird \"query\" content"}, DefaultMemoryCaps())

	if _, err := db.SearchMemories(`"unbalanced (syntax`, "", 10); err != nil {
		t.Errorf("search with punctuation: %v", err)
	}
}

func TestDailyNotes(t *testing.T) {
	db := openTestDB(t)

	if err := db.AppendDailyNote("global", "", "2026-08-23", "- met alice"); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendDailyNote("global", "", "2026-08-23", "- shipped release"); err != nil {
		t.Fatal(err)
	}

	note, err := db.GetDailyNote("global", "", "2026-08-23")
	if err != nil {
		t.Fatal(err)
	}
	if note == nil {
		t.Fatal("note missing")
	}
	if !strings.Contains(note.Content, "alice") || !strings.Contains(note.Content, "release") {
		t.Errorf("content = %q", note.Content)
	}

	unprocessed, err := db.GetUnprocessedDailyNotes("2026-08-24")
	if err != nil {
		t.Fatal(err)
	}
	if len(unprocessed) != 1 {
		t.Fatalf("unprocessed = %d, want 1", len(unprocessed))
	}

	if err := db.MarkDailyNoteProcessed(note.ID); err != nil {
		t.Fatal(err)
	}
	unprocessed, _ = db.GetUnprocessedDailyNotes("2026-08-24")
	if len(unprocessed) != 0 {
		t.Errorf("unprocessed after mark = %d, want 0", len(unprocessed))
	}
}

func TestRecentConversationExcludesPrefixes(t *testing.T) {
	db := openTestDB(t)

	for _, key := range []string{"cli:c1", "subagent:abc"} {
		s := &Session{Key: key, Created: time.Now(), Updated: time.Now()}
		s.AppendMessage(Message{Role: "user", Content: "hello from " + key})
		s.AppendMessage(Message{Role: "assistant", Content: "reply"})
		if err := db.SaveSession(s); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.RecentConversation(time.Now().Add(-time.Hour), 100, []string{"subagent:"})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if strings.Contains(m.Content, "subagent") {
			t.Errorf("subagent message leaked: %q", m.Content)
		}
	}
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}
}
