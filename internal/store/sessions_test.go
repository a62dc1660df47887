package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/providers"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)

	s := &Session{Key: "cli:c1", Created: time.Now(), Updated: time.Now()}
	s.AppendMessage(Message{Role: "user", Content: "hello"})
	s.AppendMessage(Message{
		Role:    "assistant",
		Content: "hi",
		ToolSteps: []ToolStep{{Name: "read_file", Arguments: `{"path":"A.md"}`, Result: "ALPHA"}},
		Usage:   &providers.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	})

	if err := db.SaveSession(s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	loaded, err := db.GetSession("cli:c1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if loaded == nil {
		t.Fatal("session not found after save")
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(loaded.Messages))
	}
	for i, m := range loaded.Messages {
		if m.Sequence != i+1 {
			t.Errorf("message %d: sequence = %d, want %d", i, m.Sequence, i+1)
		}
	}
	if loaded.Messages[1].Usage == nil || loaded.Messages[1].Usage.TotalTokens != 12 {
		t.Errorf("usage not round-tripped: %+v", loaded.Messages[1].Usage)
	}
	if len(loaded.Messages[1].ToolSteps) != 1 || loaded.Messages[1].ToolSteps[0].Result != "ALPHA" {
		t.Errorf("tool steps not round-tripped: %+v", loaded.Messages[1].ToolSteps)
	}
}

func TestSaveReplacesMessageLog(t *testing.T) {
	db := openTestDB(t)

	s := &Session{Key: "cli:c1", Created: time.Now(), Updated: time.Now()}
	s.AppendMessage(Message{Role: "user", Content: "one"})
	if err := db.SaveSession(s); err != nil {
		t.Fatal(err)
	}

	s.Messages = nil
	s.AppendMessage(Message{Role: "user", Content: "two"})
	s.AppendMessage(Message{Role: "assistant", Content: "reply"})
	if err := db.SaveSession(s); err != nil {
		t.Fatal(err)
	}

	loaded, _ := db.GetSession("cli:c1")
	if len(loaded.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (old log should be replaced)", len(loaded.Messages))
	}
	if loaded.Messages[0].Content != "two" {
		t.Errorf("first message = %q", loaded.Messages[0].Content)
	}
}

func TestToolCallBindings(t *testing.T) {
	db := openTestDB(t)

	s := &Session{Key: "cli:c1", Created: time.Now(), Updated: time.Now()}
	s.AppendMessage(Message{Role: "user", Content: "read it"})
	s.AppendMessage(Message{
		Role: "assistant",
		ToolCalls: []providers.ToolCall{
			{ID: "t1", Name: "read_file", Arguments: map[string]interface{}{"path": "A.md"}},
		},
	})
	s.AppendMessage(Message{Role: "tool", Content: "ALPHA", ToolCallID: "t1"})
	s.AppendMessage(Message{Role: "assistant", Content: "File says ALPHA"})
	if err := db.SaveSession(s); err != nil {
		t.Fatal(err)
	}

	loaded, _ := db.GetSession("cli:c1")
	// Every tool message must reference a call from the preceding assistant turn.
	calls := make(map[string]bool)
	for _, m := range loaded.Messages {
		switch m.Role {
		case "assistant":
			calls = make(map[string]bool)
			for _, tc := range m.ToolCalls {
				calls[tc.ID] = true
			}
		case "tool":
			if !calls[m.ToolCallID] {
				t.Errorf("orphan tool result %q", m.ToolCallID)
			}
		}
	}
}

func TestGetMessagesPagination(t *testing.T) {
	db := openTestDB(t)

	s := &Session{Key: "cli:c1", Created: time.Now(), Updated: time.Now()}
	for i := 1; i <= 10; i++ {
		s.AppendMessage(Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}
	if err := db.SaveSession(s); err != nil {
		t.Fatal(err)
	}

	// Latest 3
	msgs, err := db.GetMessages("cli:c1", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Sequence != 8 || msgs[2].Sequence != 10 {
		t.Errorf("latest 3: got sequences %v", seqs(msgs))
	}

	// Backward scroll: 3 before sequence 8
	msgs, err = db.GetMessages("cli:c1", 3, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Sequence != 5 || msgs[2].Sequence != 7 {
		t.Errorf("before 8: got sequences %v", seqs(msgs))
	}
}

func seqs(msgs []Message) []int {
	out := make([]int, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sequence
	}
	return out
}

func TestDeleteCascades(t *testing.T) {
	db := openTestDB(t)

	s := &Session{Key: "cli:c1", Created: time.Now(), Updated: time.Now()}
	s.AppendMessage(Message{Role: "user", Content: "x"})
	if err := db.SaveSession(s); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteSession("cli:c1"); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.GetMessages("cli:c1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived session delete: %d", len(msgs))
	}
}

func TestListSessions(t *testing.T) {
	db := openTestDB(t)
	for _, key := range []string{"cli:a", "telegram:b"} {
		s := &Session{Key: key, Created: time.Now(), Updated: time.Now()}
		s.AppendMessage(Message{Role: "user", Content: "x"})
		if err := db.SaveSession(s); err != nil {
			t.Fatal(err)
		}
	}
	infos, err := db.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("sessions = %d, want 2", len(infos))
	}
	if infos[0].MessageCount != 1 {
		t.Errorf("message count = %d", infos[0].MessageCount)
	}
}

func TestCorruptDBRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.db")
	if err := os.WriteFile(path, []byte("this is not a database"), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open after corruption: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("corrupt file not preserved as .bak: %v", err)
	}

	// Fresh schema must be usable.
	s := &Session{Key: "cli:c1", Created: time.Now(), Updated: time.Now()}
	s.AppendMessage(Message{Role: "user", Content: "hello"})
	if err := db.SaveSession(s); err != nil {
		t.Errorf("save after recovery: %v", err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.db")
	db1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	db1.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	db2.Close()
}
