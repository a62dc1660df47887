package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/store"
)

// RememberTool writes one fact to long-term memory.
type RememberTool struct {
	memory *memory.Manager
	scope  string
}

func NewRememberTool(mgr *memory.Manager, scope string) *RememberTool {
	if scope == "" {
		scope = "global"
	}
	return &RememberTool{memory: mgr, scope: scope}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Save a fact to long-term memory so it survives across conversations"
}
func (t *RememberTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"fact": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, stated concisely",
			},
			"scope": map[string]interface{}{
				"type":        "string",
				"description": "Optional memory scope (defaults to global)",
			},
		},
		"required": []string{"fact"},
	}
}

func (t *RememberTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	fact, _ := args["fact"].(string)
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return ErrorResult("Error: fact is required")
	}
	scope := t.scope
	if s, _ := args["scope"].(string); s != "" {
		scope = s
	}

	now := time.Now()
	err := t.memory.Remember(store.MemoryEntry{
		Scope:      scope,
		Content:    fact,
		EntryDate:  now.Format("2006-01-02"),
		EntryTime:  now.Format("15:04"),
		SourceType: "tool",
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: failed to save memory: %v", err))
	}
	return SilentResult("Remembered.")
}

// MemorySearchTool searches long-term memory.
type MemorySearchTool struct {
	memory *memory.Manager
}

func NewMemorySearchTool(mgr *memory.Manager) *MemorySearchTool {
	return &MemorySearchTool{memory: mgr}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }
func (t *MemorySearchTool) Description() string {
	return "Search long-term memory for facts matching a query"
}
func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "The search query",
			},
			"scope": map[string]interface{}{
				"type":        "string",
				"description": "Optional scope to search within",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("Error: query is required")
	}
	scope, _ := args["scope"].(string)

	entries, err := t.memory.Search(query, scope, 20)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: memory search failed: %v", err))
	}
	if len(entries) == 0 {
		return SilentResult("No matching memories.")
	}
	return SilentResult(memory.FormatEntries(entries))
}
