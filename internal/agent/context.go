package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/skills"
	"github.com/nanobot-ai/nanobot/internal/store"
)

const sectionSeparator = "\n\n---\n\n"

const defaultIdentity = `You are nanobot, a personal AI assistant. You are helpful, direct and
concise. You have tools for files, shell, web and scheduling; use them when
they genuinely help. Reply in the user's language.`

// bootstrapFiles are concatenated into the system prompt when present in
// the workspace, in this order.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md"}

// ContextBuilder assembles the system prompt from identity, bootstrap
// files, long-term memory and skills, each capped to a token budget.
type ContextBuilder struct {
	db        *store.DB
	memory    *memory.Manager
	workspace string
	cfg       config.ContextConfig
}

func NewContextBuilder(db *store.DB, mem *memory.Manager, workspace string, cfg config.ContextConfig) *ContextBuilder {
	return &ContextBuilder{db: db, memory: mem, workspace: workspace, cfg: cfg}
}

type budgets struct {
	identity, bootstrap, memory, skills, total int
}

func (b *ContextBuilder) budgets() budgets {
	pick := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}
	return budgets{
		identity:  pick(b.cfg.IdentityTokens, 500),
		bootstrap: pick(b.cfg.BootstrapTokens, 1500),
		memory:    pick(b.cfg.MemoryTokens, 2000),
		skills:    pick(b.cfg.SkillsTokens, 500),
		total:     pick(b.cfg.TotalTokens, 5000),
	}
}

// BuildSystemPrompt assembles the capped sections. The current message is
// used only for skills keyword matching.
func (b *ContextBuilder) BuildSystemPrompt(message string) string {
	caps := b.budgets()

	all, err := skills.Discover(b.workspace)
	if err != nil {
		slog.Debug("context.skills_discover_failed", "error", err)
	}

	// Section order is fixed; memory and skills give way first when the
	// total budget overflows.
	sections := []struct {
		body string
		cap  int
	}{
		{b.identitySection(time.Now()), caps.identity},
		{b.bootstrapSection(), caps.bootstrap},
		{b.memorySection(), caps.memory},
		{b.alwaysSkillsSection(all), caps.skills},
		{skills.Catalogue(all, message), caps.skills},
	}

	parts := make([]string, 0, len(sections))
	for i := range sections {
		sections[i].body = TruncateToTokens(sections[i].body, sections[i].cap)
	}

	assemble := func() string {
		parts = parts[:0]
		for _, s := range sections {
			if s.body != "" {
				parts = append(parts, s.body)
			}
		}
		return strings.Join(parts, sectionSeparator)
	}
	prompt := assemble()
	// Overflow shrink order: memory, then skills catalogue, then always-skills.
	for _, idx := range []int{2, 4, 3} {
		if EstimateTokens(prompt) <= caps.total {
			break
		}
		over := EstimateTokens(prompt) - caps.total
		keep := EstimateTokens(sections[idx].body) - over
		sections[idx].body = TruncateToTokens(sections[idx].body, keep)
		prompt = assemble()
	}
	return prompt
}

func (b *ContextBuilder) identitySection(now time.Time) string {
	identity := ""
	if b.db != nil {
		if stored, err := b.db.GetIdentity(b.workspace); err == nil {
			identity = stored
		}
	}
	if identity == "" {
		if data, err := os.ReadFile(filepath.Join(b.workspace, "IDENTITY.md")); err == nil {
			identity = strings.TrimSpace(string(data))
		}
	}
	if identity == "" {
		identity = defaultIdentity
	}
	return fmt.Sprintf("%s\n\nCurrent time: %s\nWorkspace: %s",
		identity, now.Format("2006-01-02 15:04 (Monday)"), b.workspace)
}

func (b *ContextBuilder) bootstrapSection() string {
	var parts []string
	for _, name := range bootstrapFiles {
		data, err := os.ReadFile(filepath.Join(b.workspace, name))
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (b *ContextBuilder) memorySection() string {
	if b.memory == nil {
		return ""
	}
	body, err := b.memory.Compose("global", "")
	if err != nil {
		slog.Warn("context.memory_compose_failed", "error", err)
		return ""
	}
	if body == "" {
		return ""
	}
	return "# Memory\n\n" + body
}

func (b *ContextBuilder) alwaysSkillsSection(all []*skills.Skill) string {
	var parts []string
	for _, s := range skills.AlwaysSkills(all) {
		if text := strings.TrimSpace(s.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// BuildMessages produces the full provider message list: system prompt
// (tagged with the current session), prior history, then the user turn with
// any attached images.
func (b *ContextBuilder) BuildMessages(history []store.Message, current string, media []string, channel, chatID string) []providers.Message {
	system := b.BuildSystemPrompt(current)
	if channel != "" {
		system += fmt.Sprintf("\n\nCurrent session: channel=%s chat=%s", channel, chatID)
	}

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: system})
	for _, m := range history {
		messages = append(messages, providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}

	user := providers.Message{Role: "user", Content: current}
	if len(media) > 0 {
		user.Images = providers.LoadImages(media)
	}
	return append(messages, user)
}
