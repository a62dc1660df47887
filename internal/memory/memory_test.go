package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeProvider replays canned responses and records requests.
type fakeProvider struct {
	responses []string
	requests  []providers.ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.requests = append(f.requests, req)
	content := ""
	if len(f.responses) > 0 {
		content = f.responses[0]
		f.responses = f.responses[1:]
	}
	return &providers.ChatResponse{Content: content, FinishReason: "stop"}, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

func TestFormatParseRoundTrip(t *testing.T) {
	entries := []store.MemoryEntry{
		{Content: "the user prefers green tea", EntryDate: "2026-08-01"},
		{Content: "works on a Go rewrite"},
		{Content: "timezone is UTC+7", EntryDate: "2026-08-20"},
	}
	got := ParseEntries(FormatEntries(entries))
	if len(got) != len(entries) {
		t.Fatalf("parsed %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i].Content != entries[i].Content || got[i].EntryDate != entries[i].EntryDate {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestParseSkipsNonBullets(t *testing.T) {
	text := "Here are the facts:\n- one fact\n\n(older entries elided)\n- [2026-01-02] dated fact\nThat is all."
	got := ParseEntries(text)
	if len(got) != 2 {
		t.Fatalf("parsed %d entries, want 2: %+v", len(got), got)
	}
	if got[1].EntryDate != "2026-01-02" {
		t.Errorf("date = %q", got[1].EntryDate)
	}
}

func TestComposeUnderCapsIncludesAll(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, store.DefaultMemoryCaps(), DefaultReadCaps())

	for i := 0; i < 5; i++ {
		if err := m.Remember(store.MemoryEntry{Scope: "global", Content: fmt.Sprintf("fact %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	body, err := m.Compose("global", "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if !strings.Contains(body, fmt.Sprintf("fact %d", i)) {
			t.Errorf("fact %d missing from %q", i, body)
		}
	}
}

func TestComposeHeadTailWhenOverEntryCap(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, store.MemoryCaps{MaxEntries: 200, MaxBytes: 1 << 20},
		ReadCaps{MaxEntries: 90, MaxBytes: 1 << 20})

	for i := 0; i < 100; i++ {
		if err := m.Remember(store.MemoryEntry{Scope: "global", Content: fmt.Sprintf("fact %03d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	body, err := m.Compose("global", "")
	if err != nil {
		t.Fatal(err)
	}

	// 30 oldest + 50 newest; the middle 20 are elided.
	for _, want := range []string{"fact 000", "fact 029", "fact 050", "fact 099", "elided"} {
		if !strings.Contains(body, want) {
			t.Errorf("%q missing from composition", want)
		}
	}
	for _, gone := range []string{"fact 030", "fact 049"} {
		if strings.Contains(body, gone) {
			t.Errorf("%q should be elided", gone)
		}
	}
}

func TestComposeHeadTailWhenOverByteCap(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, store.MemoryCaps{MaxEntries: 200, MaxBytes: 1 << 20},
		ReadCaps{MaxEntries: 500, MaxBytes: 200})

	for i := 0; i < 90; i++ {
		if err := m.Remember(store.MemoryEntry{Scope: "global", Content: fmt.Sprintf("long fact %03d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	body, err := m.Compose("global", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "elided") {
		t.Error("byte-cap overflow should trigger head+tail truncation")
	}
}

func saveConversation(t *testing.T, db *store.DB, key string, turns ...string) {
	t.Helper()
	s := &store.Session{Key: key, Created: time.Now(), Updated: time.Now()}
	for i, content := range turns {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		s.AppendMessage(store.Message{Role: role, Content: content})
	}
	if err := db.SaveSession(s); err != nil {
		t.Fatal(err)
	}
}

func TestIntegrateAppendsNewFacts(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, store.DefaultMemoryCaps(), DefaultReadCaps())
	saveConversation(t, db, "cli:c1", "I moved to Hanoi last month", "Noted!")

	p := &fakeProvider{responses: []string{"- the user lives in Hanoi"}}
	jobs := NewJobs(db, m, p, "fake-model")
	if err := jobs.Integrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries, _ := db.GetMemories("global", "", 0, 0)
	if len(entries) != 1 || !strings.Contains(entries[0].Content, "Hanoi") {
		t.Fatalf("got %+v", entries)
	}
	if entries[0].SourceType != "auto" {
		t.Errorf("source = %q, want auto", entries[0].SourceType)
	}
	if len(p.requests) != 1 || !strings.Contains(p.requests[0].Messages[1].Content, "Hanoi") {
		t.Error("transcript not passed to the model")
	}
}

func TestIntegrateDedupesBySubstring(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, store.DefaultMemoryCaps(), DefaultReadCaps())
	if err := m.Remember(store.MemoryEntry{Scope: "global", Content: "the user lives in Hanoi with two cats"}); err != nil {
		t.Fatal(err)
	}
	saveConversation(t, db, "cli:c1", "I live in Hanoi", "Right.")

	p := &fakeProvider{responses: []string{"- the user lives in Hanoi\n- the user writes Go"}}
	jobs := NewJobs(db, m, p, "fake-model")
	if err := jobs.Integrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries, _ := db.GetMemories("global", "", 0, 0)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (duplicate skipped)", len(entries))
	}
}

func TestIntegrateSkipsSubagentSessions(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, store.DefaultMemoryCaps(), DefaultReadCaps())
	saveConversation(t, db, "subagent:abc123", "internal task chatter", "done")

	p := &fakeProvider{responses: []string{"- should never be asked"}}
	jobs := NewJobs(db, m, p, "fake-model")
	if err := jobs.Integrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(p.requests) != 0 {
		t.Error("integration ran on subagent-only history")
	}
}

func TestMaintainSummarizesWhenOversized(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, store.MemoryCaps{MaxEntries: 200, MaxBytes: 1 << 20},
		ReadCaps{MaxEntries: 3, MaxBytes: 1 << 20})

	for i := 0; i < 6; i++ {
		if err := m.Remember(store.MemoryEntry{Scope: "global", Content: fmt.Sprintf("fact %d", i), EntryDate: "2026-08-01"}); err != nil {
			t.Fatal(err)
		}
	}

	p := &fakeProvider{responses: []string{"- [2026-08-01] merged facts 0-5"}}
	jobs := NewJobs(db, m, p, "fake-model")
	if err := jobs.Maintain(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries, _ := db.GetMemories("global", "", 0, 0)
	if len(entries) != 1 || entries[0].Content != "merged facts 0-5" {
		t.Fatalf("got %+v", entries)
	}
	if entries[0].EntryDate != "2026-08-01" {
		t.Errorf("earliest date not preserved: %q", entries[0].EntryDate)
	}

	// Second run within the cooldown must not call the model again.
	before := len(p.requests)
	if err := jobs.Maintain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(p.requests) != before {
		t.Error("summarizer re-fired inside the cooldown window")
	}
}

func TestMaintainRejectsEmptySummary(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, store.DefaultMemoryCaps(), ReadCaps{MaxEntries: 2, MaxBytes: 1 << 20})
	for i := 0; i < 4; i++ {
		m.Remember(store.MemoryEntry{Scope: "global", Content: fmt.Sprintf("fact %d", i)})
	}

	p := &fakeProvider{responses: []string{"I could not summarize that."}}
	jobs := NewJobs(db, m, p, "fake-model")
	if err := jobs.Maintain(context.Background()); err != nil {
		t.Fatal(err)
	}
	entries, _ := db.GetMemories("global", "", 0, 0)
	if len(entries) != 4 {
		t.Errorf("bad summary wiped memory: %d entries left", len(entries))
	}
}

func TestDailyFoldRunsOncePerDay(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, store.DefaultMemoryCaps(), DefaultReadCaps())
	yesterday := "2026-08-23"
	if err := db.AppendDailyNote("global", "", yesterday, "- debugged the sqlite layer with alice"); err != nil {
		t.Fatal(err)
	}

	p := &fakeProvider{responses: []string{"- alice helps with the sqlite layer", "- never used"}}
	jobs := NewJobs(db, m, p, "fake-model")

	// Run at a time safely past 00:05.
	noon := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	if err := jobs.dailyFold(context.Background(), noon); err != nil {
		t.Fatal(err)
	}
	entries, _ := db.GetMemories("global", "", 0, 0)
	if len(entries) != 1 || entries[0].SourceType != "daily_note" {
		t.Fatalf("got %+v", entries)
	}
	if entries[0].EntryDate != yesterday {
		t.Errorf("entry date = %q, want %q", entries[0].EntryDate, yesterday)
	}

	// Same day again: guarded by lastDailyRunDate.
	calls := len(p.requests)
	if err := jobs.dailyFold(context.Background(), noon.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if len(p.requests) != calls {
		t.Error("daily fold ran twice on the same date")
	}
}

func TestDailyFoldWaitsForSmallHours(t *testing.T) {
	db := openTestDB(t)
	m := NewManager(db, store.DefaultMemoryCaps(), DefaultReadCaps())
	p := &fakeProvider{}
	jobs := NewJobs(db, m, p, "fake-model")

	early := time.Date(2026, 8, 24, 0, 2, 0, 0, time.Local)
	if err := jobs.dailyFold(context.Background(), early); err != nil {
		t.Fatal(err)
	}
	if db.GetState("lastDailyRunDate") != "" {
		t.Error("fold ran before 00:05")
	}
}
