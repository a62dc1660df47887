package tools

import "strings"

// SubagentTemplate describes one focused-task profile. Tools restricts the
// registry the subagent sees; an empty list means every tool except the
// always-denied ones.
type SubagentTemplate struct {
	Name        string
	Description string
	Tools       []string
	Rules       []string
	Prompt      string
}

// subagentDenyAlways lists tools no subagent may call, whatever the
// template says. Spawning from a subagent would allow unbounded recursion.
var subagentDenyAlways = []string{"spawn", "cron", "message"}

const basePrompt = `You are a focused subagent working on a single task.

## Task
{task}

## Rules
{all_rules}

## Environment
Workspace: {workspace}

Work autonomously. Do not ask questions; make reasonable assumptions and
state them. When done, reply with a concise summary of the outcome.`

var builtinTemplates = map[string]SubagentTemplate{
	"minimal": {
		Name:        "minimal",
		Description: "General-purpose task runner with the standard toolset",
		Rules:       []string{"Keep the final answer short and factual."},
		Prompt:      basePrompt,
	},
	"coder": {
		Name:        "coder",
		Description: "Writes and edits code in the workspace",
		Tools:       []string{"read_file", "write_file", "edit_file", "append_file", "list_dir", "exec"},
		Rules: []string{
			"Read existing code before changing it.",
			"Run the relevant build or tests with exec before declaring success.",
			"Report the files you touched in the final answer.",
		},
		Prompt: basePrompt,
	},
	"researcher": {
		Name:        "researcher",
		Description: "Researches a topic on the web and summarizes findings",
		Tools:       []string{"web_search", "web_fetch", "read_file", "write_file"},
		Rules: []string{
			"Cite the URLs you relied on.",
			"Distinguish facts from speculation.",
		},
		Prompt: basePrompt,
	},
	"analyst": {
		Name:        "analyst",
		Description: "Analyzes files and data already in the workspace",
		Tools:       []string{"read_file", "list_dir", "exec"},
		Rules: []string{
			"Show the numbers behind every conclusion.",
		},
		Prompt: basePrompt,
	},
	"claude-coder": {
		Name:        "claude-coder",
		Description: "Delegates a coding task to the claude CLI",
		Tools:       []string{"exec", "read_file", "list_dir"},
		Rules: []string{
			"Drive the work through the claude CLI via exec.",
			"Pass the task as a single prompt; do not edit files directly.",
		},
		Prompt: basePrompt,
	},
	"vision": {
		Name:        "vision",
		Description: "Describes and analyzes images attached to the task",
		Tools:       []string{"read_file"},
		Rules: []string{
			"Describe what is actually visible; do not guess beyond the image.",
		},
		Prompt: basePrompt,
	},
	"voice": {
		Name:        "voice",
		Description: "Transcribes and summarizes audio files",
		Tools:       []string{"read_file", "exec"},
		Rules: []string{
			"Transcribe first, then summarize.",
		},
		Prompt: basePrompt,
	},
}

// LookupTemplate returns a built-in template by name, falling back to
// minimal for unknown names.
func LookupTemplate(name string) SubagentTemplate {
	if t, ok := builtinTemplates[name]; ok {
		return t
	}
	return builtinTemplates["minimal"]
}

// TemplateNames returns the built-in template names for tool schemas.
func TemplateNames() []string {
	return []string{"minimal", "coder", "researcher", "analyst", "claude-coder", "vision", "voice"}
}

// renderPrompt fills the template placeholders.
func (t SubagentTemplate) renderPrompt(task, workspace string) string {
	rules := "- " + strings.Join(t.Rules, "\n- ")
	if len(t.Rules) == 0 {
		rules = "(none)"
	}
	p := strings.ReplaceAll(t.Prompt, "{task}", task)
	p = strings.ReplaceAll(p, "{all_rules}", rules)
	p = strings.ReplaceAll(p, "{workspace}", workspace)
	return p
}
