package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/store"
)

// Subagent task status constants.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// subagentMaxIterations bounds the inner loop; subagents are focused tasks,
// not open-ended conversations.
const subagentMaxIterations = 15

// SubagentConfig configures the subagent system.
type SubagentConfig struct {
	MaxConcurrent int    // default 8
	MaxIterations int    // inner loop bound, default 15
	Workspace     string // rendered into prompts
	Model         string // model override for subagents (empty = inherit)
}

// SubagentTask tracks a running or completed subagent.
type SubagentTask struct {
	ID            string   `json:"id"`
	Task          string   `json:"task"`
	Label         string   `json:"label"`
	Template      string   `json:"template"`
	Status        string   `json:"status"`
	Result        string   `json:"result,omitempty"`
	OriginChannel string   `json:"originChannel,omitempty"`
	OriginChatID  string   `json:"originChatId,omitempty"`
	EnableMemory  bool     `json:"enableMemory,omitempty"`
	Media         []string `json:"media,omitempty"`
	CreatedAt     int64    `json:"createdAt"`
	CompletedAt   int64    `json:"completedAt,omitempty"`

	cancel context.CancelFunc
}

// SubagentManager spawns and tracks background subagents. Each runs its own
// bounded tool loop against a restricted registry and announces its outcome
// back through the bus as a system message.
type SubagentManager struct {
	mu    sync.RWMutex
	tasks map[string]*SubagentTask

	config   SubagentConfig
	provider providers.Provider
	model    string
	msgBus   *bus.MessageBus
	sessions *sessions.Manager
	db       *store.DB

	// createRegistry builds the full tool registry; each spawn filters it
	// down to the template's allow list.
	createRegistry func() *Registry

	sem chan struct{}
	wg  sync.WaitGroup
}

func NewSubagentManager(
	provider providers.Provider,
	model string,
	msgBus *bus.MessageBus,
	sessionMgr *sessions.Manager,
	db *store.DB,
	createRegistry func() *Registry,
	cfg SubagentConfig,
) *SubagentManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &SubagentManager{
		tasks:          make(map[string]*SubagentTask),
		config:         cfg,
		provider:       provider,
		model:          model,
		msgBus:         msgBus,
		sessions:       sessionMgr,
		db:             db,
		createRegistry: createRegistry,
		sem:            make(chan struct{}, cfg.MaxConcurrent),
	}
}

// SpawnParams are the arguments to Spawn, mirroring the spawn tool schema.
type SpawnParams struct {
	Task          string
	Label         string
	Template      string
	SessionID     string // continue a prior subagent session
	EnableMemory  bool
	OriginChannel string
	OriginChatID  string
	Media         []string
}

// Spawn starts a subagent in the background and returns its task id.
func (sm *SubagentManager) Spawn(ctx context.Context, p SpawnParams) (string, error) {
	if strings.TrimSpace(p.Task) == "" {
		return "", fmt.Errorf("task is required")
	}

	id := p.SessionID
	if id == "" {
		id = uuid.NewString()[:8]
	}
	label := p.Label
	if label == "" {
		label = truncate(p.Task, 40)
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	task := &SubagentTask{
		ID:            id,
		Task:          p.Task,
		Label:         label,
		Template:      p.Template,
		Status:        TaskStatusRunning,
		OriginChannel: p.OriginChannel,
		OriginChatID:  p.OriginChatID,
		EnableMemory:  p.EnableMemory,
		Media:         p.Media,
		CreatedAt:     time.Now().UnixMilli(),
		cancel:        cancel,
	}

	sm.mu.Lock()
	sm.tasks[id] = task
	sm.mu.Unlock()

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer cancel()
		sm.sem <- struct{}{}
		defer func() { <-sm.sem }()
		sm.runTask(taskCtx, task)
	}()

	slog.Info("subagent.spawned", "id", id, "template", p.Template, "label", label)
	return id, nil
}

// Get returns a task snapshot by id.
func (sm *SubagentManager) Get(id string) (*SubagentTask, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	t, ok := sm.tasks[id]
	return t, ok
}

// Cancel stops a running subagent.
func (sm *SubagentManager) Cancel(id string) bool {
	sm.mu.RLock()
	t, ok := sm.tasks[id]
	sm.mu.RUnlock()
	if !ok || t.cancel == nil {
		return false
	}
	t.cancel()
	return true
}

// Shutdown cancels all running subagents and waits for them to finish.
func (sm *SubagentManager) Shutdown() {
	sm.mu.RLock()
	for _, t := range sm.tasks {
		if t.cancel != nil {
			t.cancel()
		}
	}
	sm.mu.RUnlock()
	sm.wg.Wait()
}

func (sm *SubagentManager) runTask(ctx context.Context, task *SubagentTask) {
	iterations := sm.executeTask(ctx, task)

	sm.mu.Lock()
	task.CompletedAt = time.Now().UnixMilli()
	status, result, label := task.Status, task.Result, task.Label
	sm.mu.Unlock()

	if task.EnableMemory && sm.db != nil {
		line := fmt.Sprintf("- [%s] %s: %s", label, status, truncate(result, 200))
		if err := sm.db.AppendDailyNote("subagent", task.ID, time.Now().Format("2006-01-02"), line); err != nil {
			slog.Warn("subagent.daily_note_failed", "id", task.ID, "error", err)
		}
	}

	// The announce goes through the main agent's session so it can render
	// the result for the user. It is published only after the subagent's own
	// session has been flushed (executeTask saves before returning).
	// Cancelled tasks stay silent; the cancel came from the user's side.
	if sm.msgBus != nil && task.OriginChannel != "" && status != TaskStatusCancelled {
		elapsed := time.Since(time.UnixMilli(task.CreatedAt)).Round(time.Second)
		content := fmt.Sprintf(
			"Subagent %q finished (status: %s, %d iterations, %s).\n\nResult:\n%s\n\nSummarize this outcome for the user in your own words.",
			label, status, iterations, elapsed, result)

		sm.msgBus.PublishInbound(bus.InboundMessage{
			Channel:  bus.ChannelSystem,
			SenderID: "subagent:" + task.ID,
			ChatID:   task.OriginChannel + ":" + task.OriginChatID,
			Content:  content,
			Metadata: map[string]string{
				"subagent_id":    task.ID,
				"subagent_label": label,
			},
		})
	}

	slog.Info("subagent.finished", "id", task.ID, "status", status, "iterations", iterations)
}

// executeTask runs the bounded tool loop and persists the subagent session
// before returning. Returns the iteration count.
func (sm *SubagentManager) executeTask(ctx context.Context, task *SubagentTask) int {
	if ctx.Err() != nil {
		sm.setOutcome(task, TaskStatusCancelled, "cancelled before execution")
		return 0
	}

	tmpl := LookupTemplate(task.Template)
	registry := sm.restrictedRegistry(tmpl)

	model := sm.model
	if sm.config.Model != "" {
		model = sm.config.Model
	}

	key := sessions.BuildSubagentKey(task.ID)
	unlock := sm.sessions.Lock(key)
	defer unlock()

	sess, err := sm.sessions.GetOrCreate(key)
	if err != nil {
		sm.setOutcome(task, TaskStatusFailed, fmt.Sprintf("session load failed: %v", err))
		return 0
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]string)
	}
	sess.Metadata["label"] = task.Label
	sess.Metadata["template"] = task.Template
	sess.Metadata["spawned_by"] = task.OriginChannel + ":" + task.OriginChatID
	sess.Metadata["model"] = model
	sess.Metadata["provider"] = sm.provider.Name()

	messages := []providers.Message{
		{Role: "system", Content: tmpl.renderPrompt(task.Task, sm.config.Workspace)},
	}
	for _, m := range sess.Messages {
		messages = append(messages, providers.Message{
			Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls, ToolCallID: m.ToolCallID,
		})
	}
	userMsg := providers.Message{Role: "user", Content: task.Task}
	for _, path := range task.Media {
		if img, err := providers.LoadImage(path); err == nil {
			userMsg.Images = append(userMsg.Images, img)
		}
	}
	messages = append(messages, userMsg)

	maxIterations := sm.config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = subagentMaxIterations
	}

	var finalContent string
	var toolSteps []store.ToolStep
	iteration := 0

	for iteration < maxIterations {
		iteration++
		if ctx.Err() != nil {
			sm.setOutcome(task, TaskStatusCancelled, "cancelled during execution")
			return iteration
		}

		resp, err := sm.provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    registry.ProviderDefs(),
			Model:    model,
		})
		if err != nil {
			// A cancel that lands mid-call surfaces as the provider's error.
			if ctx.Err() != nil {
				sm.setOutcome(task, TaskStatusCancelled, "cancelled during execution")
				return iteration
			}
			sm.setOutcome(task, TaskStatusFailed, fmt.Sprintf("LLM error at iteration %d: %v", iteration, err))
			return iteration
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			result := registry.Execute(ctx, tc.Name, tc.Arguments)
			toolSteps = append(toolSteps, store.ToolStep{
				Name:      tc.Name,
				Arguments: CanonicalArgs(tc.Arguments),
				Result:    truncate(result.ForLLM, 2000),
			})
			messages = append(messages, providers.Message{
				Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID,
			})
		}
	}

	if finalContent == "" {
		finalContent = "Task ended without a final response."
	}
	sm.setOutcome(task, TaskStatusCompleted, finalContent)

	sess.AppendMessage(store.Message{Role: "user", Content: task.Task})
	sess.AppendMessage(store.Message{Role: "assistant", Content: finalContent, ToolSteps: toolSteps})
	if err := sm.sessions.Save(sess); err != nil {
		slog.Warn("subagent.session_save_failed", "id", task.ID, "error", err)
	}
	return iteration
}

// restrictedRegistry builds the registry a subagent is allowed to use: the
// template's allow list (or everything when empty) minus the always-denied
// tools.
func (sm *SubagentManager) restrictedRegistry(tmpl SubagentTemplate) *Registry {
	full := sm.createRegistry()

	allowed := make(map[string]bool)
	if len(tmpl.Tools) > 0 {
		for _, name := range tmpl.Tools {
			allowed[name] = true
		}
	} else {
		for _, name := range full.Names() {
			allowed[name] = true
		}
	}
	for _, name := range subagentDenyAlways {
		delete(allowed, name)
	}

	restricted := NewRegistry()
	for name := range allowed {
		if t, ok := full.Get(name); ok {
			restricted.Register(t)
		}
	}
	return restricted
}

func (sm *SubagentManager) setOutcome(task *SubagentTask, status, result string) {
	sm.mu.Lock()
	task.Status = status
	task.Result = result
	sm.mu.Unlock()
}
