package tools

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/store"
)

// scriptedProvider returns canned responses in order, then plain text.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func newSubagentFixture(t *testing.T, p providers.Provider) (*SubagentManager, *bus.MessageBus, *store.DB) {
	t.Helper()
	return newSubagentFixtureCfg(t, p, SubagentConfig{MaxConcurrent: 2, Workspace: t.TempDir()})
}

func newSubagentFixtureCfg(t *testing.T, p providers.Provider, cfg SubagentConfig) (*SubagentManager, *bus.MessageBus, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	msgBus := bus.NewMessageBus()
	sessionMgr := sessions.NewManager(db)
	createRegistry := func() *Registry {
		r := NewRegistry()
		r.Register(&stubTool{name: "read_file", run: func(map[string]interface{}) *Result {
			return NewResult("file contents")
		}})
		r.Register(&stubTool{name: "exec"})
		r.Register(&stubTool{name: "spawn"})
		return r
	}
	sm := NewSubagentManager(p, "test-model", msgBus, sessionMgr, db, createRegistry, cfg)
	return sm, msgBus, db
}

func TestSpawnAnnouncesToOrigin(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "looked into it", FinishReason: "stop"},
	}}
	sm, msgBus, _ := newSubagentFixture(t, p)

	id, err := sm.Spawn(context.Background(), SpawnParams{
		Task:          "check the weather",
		Template:      "minimal",
		OriginChannel: "telegram",
		OriginChatID:  "42",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no announce arrived")
	}
	if msg.Channel != bus.ChannelSystem {
		t.Errorf("channel = %q", msg.Channel)
	}
	if msg.ChatID != "telegram:42" {
		t.Errorf("chat id = %q, want encoded origin", msg.ChatID)
	}
	if msg.SessionKey() != "telegram:42" {
		t.Errorf("session key = %q", msg.SessionKey())
	}
	if !strings.Contains(msg.Content, "looked into it") {
		t.Errorf("announce lacks result: %q", msg.Content)
	}
	if msg.Metadata["subagent_id"] != id {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestSubagentPersistsSessionBeforeAnnounce(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "result text", FinishReason: "stop"},
	}}
	sm, msgBus, db := newSubagentFixture(t, p)

	id, err := sm.Spawn(context.Background(), SpawnParams{
		Task: "t", Template: "minimal", OriginChannel: "cli", OriginChatID: "c",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, ok := msgBus.ConsumeInbound(ctx); !ok {
		t.Fatal("no announce")
	}

	// By the time the announce is visible the session must be on disk.
	sess, err := db.GetSession(sessions.BuildSubagentKey(id))
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil || len(sess.Messages) != 2 {
		t.Fatalf("subagent session not persisted: %+v", sess)
	}
	if sess.Messages[1].Content != "result text" {
		t.Errorf("assistant message = %q", sess.Messages[1].Content)
	}
}

func TestSubagentRunsTools(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "t1", Name: "read_file", Arguments: map[string]interface{}{"path": "x"}},
			},
		},
		{Content: "the file says things", FinishReason: "stop"},
	}}
	sm, msgBus, _ := newSubagentFixture(t, p)

	if _, err := sm.Spawn(context.Background(), SpawnParams{
		Task: "read x", Template: "analyst", OriginChannel: "cli", OriginChatID: "c",
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no announce")
	}
	if !strings.Contains(msg.Content, "the file says things") {
		t.Errorf("announce: %q", msg.Content)
	}
	if p.requestCount() != 2 {
		t.Errorf("requests = %d, want 2", p.requestCount())
	}
}

func TestSubagentMaxIterationsConfigurable(t *testing.T) {
	call := providers.ChatResponse{
		FinishReason: "tool_calls",
		ToolCalls: []providers.ToolCall{
			{ID: "t1", Name: "read_file", Arguments: map[string]interface{}{"path": "x"}},
		},
	}
	p := &scriptedProvider{responses: []*providers.ChatResponse{&call, &call, &call, &call}}
	sm, msgBus, _ := newSubagentFixtureCfg(t, p,
		SubagentConfig{MaxConcurrent: 2, MaxIterations: 2, Workspace: t.TempDir()})

	if _, err := sm.Spawn(context.Background(), SpawnParams{
		Task: "spin", Template: "analyst", OriginChannel: "cli", OriginChatID: "c",
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no announce")
	}
	if !strings.Contains(msg.Content, "without a final response") {
		t.Errorf("announce: %q", msg.Content)
	}
	if p.requestCount() != 2 {
		t.Errorf("requests = %d, want 2", p.requestCount())
	}
}

func TestRestrictedRegistryHonorsTemplateAndDenyList(t *testing.T) {
	sm, _, _ := newSubagentFixture(t, &scriptedProvider{})

	// analyst allows read_file/list_dir/exec; registry has read_file, exec, spawn.
	reg := sm.restrictedRegistry(LookupTemplate("analyst"))
	if _, ok := reg.Get("read_file"); !ok {
		t.Error("read_file missing")
	}
	if _, ok := reg.Get("spawn"); ok {
		t.Error("spawn leaked into subagent registry")
	}

	// minimal has no allow list: everything except the deny list.
	reg = sm.restrictedRegistry(LookupTemplate("minimal"))
	if _, ok := reg.Get("spawn"); ok {
		t.Error("deny list ignored for empty allow list")
	}
	if _, ok := reg.Get("read_file"); !ok {
		t.Error("read_file missing from minimal registry")
	}
}

func TestUnknownTemplateFallsBackToMinimal(t *testing.T) {
	if got := LookupTemplate("no-such-template").Name; got != "minimal" {
		t.Errorf("fallback = %q", got)
	}
}

func TestTemplatePromptPlaceholders(t *testing.T) {
	tmpl := LookupTemplate("coder")
	prompt := tmpl.renderPrompt("fix the bug", "/ws")
	for _, want := range []string{"fix the bug", "/ws", "Read existing code"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("%q missing from prompt", want)
		}
	}
	for _, placeholder := range []string{"{task}", "{all_rules}", "{workspace}"} {
		if strings.Contains(prompt, placeholder) {
			t.Errorf("placeholder %s not expanded", placeholder)
		}
	}
}

func TestSessionContinuation(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "first outcome", FinishReason: "stop"},
		{Content: "second outcome", FinishReason: "stop"},
	}}
	sm, msgBus, _ := newSubagentFixture(t, p)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := sm.Spawn(context.Background(), SpawnParams{
		Task: "part one", Template: "minimal", OriginChannel: "cli", OriginChatID: "c",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := msgBus.ConsumeInbound(ctx); !ok {
		t.Fatal("no first announce")
	}

	// Continue the same session: the prior turn must be in the request history.
	if _, err := sm.Spawn(context.Background(), SpawnParams{
		Task: "part two", Template: "minimal", SessionID: id,
		OriginChannel: "cli", OriginChatID: "c",
	}); err != nil {
		t.Fatal(err)
	}
	if _, ok := msgBus.ConsumeInbound(ctx); !ok {
		t.Fatal("no second announce")
	}

	p.mu.Lock()
	last := p.requests[len(p.requests)-1]
	p.mu.Unlock()
	var sawPrior bool
	for _, m := range last.Messages {
		if strings.Contains(m.Content, "first outcome") {
			sawPrior = true
		}
	}
	if !sawPrior {
		t.Error("continued session lost prior history")
	}
}

func TestDailyNoteOnEnableMemory(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "archived the logs", FinishReason: "stop"},
	}}
	sm, msgBus, db := newSubagentFixture(t, p)

	id, err := sm.Spawn(context.Background(), SpawnParams{
		Task: "archive logs", Template: "minimal", EnableMemory: true,
		OriginChannel: "cli", OriginChatID: "c",
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, ok := msgBus.ConsumeInbound(ctx); !ok {
		t.Fatal("no announce")
	}

	note, err := db.GetDailyNote("subagent", id, time.Now().Format("2006-01-02"))
	if err != nil {
		t.Fatal(err)
	}
	if note == nil || !strings.Contains(note.Content, "archived the logs") {
		t.Errorf("daily note = %+v", note)
	}
}

func TestShutdownCancelsRunning(t *testing.T) {
	block := make(chan struct{})
	p := &blockingProvider{block: block}
	sm, _, _ := newSubagentFixture(t, p)

	if _, err := sm.Spawn(context.Background(), SpawnParams{
		Task: "long task", Template: "minimal", OriginChannel: "cli", OriginChatID: "c",
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		sm.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestCancelledSubagentStaysSilent(t *testing.T) {
	block := make(chan struct{})
	p := &blockingProvider{block: block}
	sm, msgBus, _ := newSubagentFixture(t, p)

	id, err := sm.Spawn(context.Background(), SpawnParams{
		Task: "long task", Template: "minimal", OriginChannel: "cli", OriginChatID: "c1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sm.Cancel(id) {
		t.Fatal("Cancel returned false")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		task, ok := sm.Get(id)
		if !ok {
			t.Fatal("task vanished")
		}
		if task.Status != TaskStatusRunning {
			if task.Status != TaskStatusCancelled {
				t.Fatalf("status = %s, want %s", task.Status, TaskStatusCancelled)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never settled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if msg, ok := msgBus.ConsumeInbound(ctx); ok {
		t.Errorf("cancelled task announced: %+v", msg)
	}
}

// blockingProvider blocks until the context is cancelled.
type blockingProvider struct{ block chan struct{} }

func (p *blockingProvider) Chat(ctx context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.block:
		return &providers.ChatResponse{Content: "unblocked"}, nil
	}
}
func (p *blockingProvider) DefaultModel() string { return "test-model" }
func (p *blockingProvider) Name() string         { return "blocking" }
