package tools

import (
	"context"
	"fmt"
	"sync"
)

// SpawnTool starts a background subagent and returns immediately; the
// result arrives later as a system announce.
type SpawnTool struct {
	manager *SubagentManager

	mu sync.Mutex
	cc CallContext
}

func NewSpawnTool(manager *SubagentManager) *SpawnTool {
	return &SpawnTool{manager: manager}
}

func (t *SpawnTool) SetCallContext(cc CallContext) {
	t.mu.Lock()
	t.cc = cc
	t.mu.Unlock()
}

func (t *SpawnTool) Name() string { return "spawn" }
func (t *SpawnTool) Description() string {
	return "Spawn a background subagent for a focused task; its result is announced back when done"
}
func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent, fully self-contained",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable label for the task",
			},
			"template": map[string]interface{}{
				"type":        "string",
				"enum":        TemplateNames(),
				"description": "Subagent profile to use",
			},
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Continue a prior subagent session instead of starting fresh",
			},
			"enable_memory": map[string]interface{}{
				"type":        "boolean",
				"description": "Record a one-line summary in the subagent's daily note",
			},
			"media": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Local file paths to attach (images)",
			},
		},
		"required": []string{"task", "template"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("Error: task is required")
	}

	t.mu.Lock()
	cc := t.cc
	t.mu.Unlock()

	params := SpawnParams{
		Task:          task,
		Template:      "minimal",
		OriginChannel: cc.Channel,
		OriginChatID:  cc.ChatID,
	}
	if v, _ := args["label"].(string); v != "" {
		params.Label = v
	}
	if v, _ := args["template"].(string); v != "" {
		params.Template = v
	}
	if v, _ := args["session_id"].(string); v != "" {
		params.SessionID = v
	}
	if v, ok := args["enable_memory"].(bool); ok {
		params.EnableMemory = v
	}
	if raw, ok := args["media"].([]interface{}); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				params.Media = append(params.Media, s)
			}
		}
	}

	id, err := t.manager.Spawn(ctx, params)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: failed to spawn subagent: %v", err))
	}
	return AsyncResult(fmt.Sprintf(
		"Subagent %s started (template: %s). Its result will be announced when it finishes; tell the user the task is underway.",
		id, params.Template))
}
