// Package config holds the runtime configuration for the nanobot gateway.
// Config is loaded from a JSON5 file, overlaid with env vars, and consumed
// read-only by the core during start-up and on hot-reload events.
package config

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the nanobot runtime.
type Config struct {
	Agent     AgentConfig               `json:"agent"`
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	Channels  ChannelsConfig            `json:"channels"`
	Tools     ToolsConfig               `json:"tools"`
	MCP       MCPConfig                 `json:"mcp,omitempty"`
	Memory    MemoryConfig              `json:"memory,omitempty"`
	Context   ContextConfig             `json:"context,omitempty"`
	Subagents SubagentsConfig           `json:"subagents,omitempty"`
	Database  DatabaseConfig            `json:"database,omitempty"`
}

// AgentConfig holds core agent-loop settings.
type AgentConfig struct {
	Workspace           string  `json:"workspace"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace"`
	Provider            string  `json:"provider"`
	Model               string  `json:"model"`
	MaxTokens           int     `json:"max_tokens"`
	Temperature         float64 `json:"temperature"`
	MaxIterations       int     `json:"max_iterations"`
	MaxExecutionTime    int     `json:"max_execution_time"` // seconds per loop; 0 = no limit
	MessageTimeout      int     `json:"message_timeout"`    // seconds per message; 0 = no limit
	LoopDetectWindow    int     `json:"loop_detect_window"` // consecutive identical calls to trip (default 1)
}

// ProviderConfig configures one LLM provider endpoint.
type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ChannelsConfig enables and configures channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Web      WebConfig      `json:"web,omitempty"`
}

type TelegramConfig struct {
	Enabled    bool                `json:"enabled"`
	Token      string              `json:"-"` // from env NANOBOT_TELEGRAM_TOKEN only
	AllowedIDs FlexibleStringSlice `json:"allowed_ids,omitempty"`
}

type DiscordConfig struct {
	Enabled    bool                `json:"enabled"`
	Token      string              `json:"-"` // from env NANOBOT_DISCORD_TOKEN only
	AllowedIDs FlexibleStringSlice `json:"allowed_ids,omitempty"`
}

type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// ToolsConfig configures built-in tools.
type ToolsConfig struct {
	Exec ExecConfig     `json:"exec,omitempty"`
	Web  WebToolsConfig `json:"web,omitempty"`
}

type ExecConfig struct {
	TimeoutSec          int  `json:"timeout,omitempty"`
	RestrictToWorkspace bool `json:"restrict_to_workspace"`
}

type WebToolsConfig struct {
	BraveAPIKey string `json:"-"` // from env NANOBOT_BRAVE_API_KEY only
	MaxResults  int    `json:"max_results,omitempty"`
}

// MCPConfig holds configured MCP servers keyed by server id.
type MCPConfig struct {
	Servers map[string]*MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig declares one MCP server.
type MCPServerConfig struct {
	Name      string              `json:"name,omitempty"`
	Enabled   *bool               `json:"enabled,omitempty"` // nil = enabled
	Transport string              `json:"transport"`         // "stdio", "sse", "streamable-http"
	Command   string              `json:"command,omitempty"`
	Args      FlexibleStringSlice `json:"args,omitempty"`
	Env       map[string]string   `json:"env,omitempty"`
	URL       string              `json:"url,omitempty"`
	Headers   map[string]string   `json:"headers,omitempty"`
	Lazy      bool                `json:"lazy,omitempty"` // defer connect to first tool call
	TimeoutSec int                `json:"timeout,omitempty"`
}

func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MemoryConfig bounds the long-term memory store and its background jobs.
type MemoryConfig struct {
	MaxEntries        int `json:"max_entries,omitempty"`        // default 100
	MaxBytes          int `json:"max_bytes,omitempty"`          // default 30 KiB
	ReadMaxEntries    int `json:"read_max_entries,omitempty"`   // default 80
	ReadMaxBytes      int `json:"read_max_bytes,omitempty"`     // default 25 KiB
	IntegrateEverySec int `json:"integrate_every,omitempty"`    // default 1800
	MaintainEverySec  int `json:"maintain_every,omitempty"`     // default 300
	LookbackMin       int `json:"lookback_minutes,omitempty"`   // default 60
	LookbackMessages  int `json:"lookback_messages,omitempty"`  // default 100
}

// ContextConfig sets per-section token caps for the system prompt.
type ContextConfig struct {
	IdentityTokens  int `json:"identity_tokens,omitempty"`  // default 500
	BootstrapTokens int `json:"bootstrap_tokens,omitempty"` // default 1500
	MemoryTokens    int `json:"memory_tokens,omitempty"`    // default 2000
	SkillsTokens    int `json:"skills_tokens,omitempty"`    // default 500
	TotalTokens     int `json:"total_tokens,omitempty"`     // default 5000
}

// SubagentsConfig bounds background subagents.
type SubagentsConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"` // default 8
	MaxIterations int    `json:"max_iterations,omitempty"` // default 15
	Model         string `json:"model,omitempty"`          // empty = inherit
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `json:"path,omitempty"` // default <workspace>/chat.db
}

// MemoryMaxEntries returns the configured write cap, defaulting to 100.
func (c *Config) MemoryMaxEntries() int {
	if c.Memory.MaxEntries > 0 {
		return c.Memory.MaxEntries
	}
	return 100
}

// MemoryMaxBytes returns the configured write size cap, defaulting to 30 KiB.
func (c *Config) MemoryMaxBytes() int {
	if c.Memory.MaxBytes > 0 {
		return c.Memory.MaxBytes
	}
	return 30 * 1024
}

// MemoryReadMaxEntries returns the configured read cap, defaulting to 80.
func (c *Config) MemoryReadMaxEntries() int {
	if c.Memory.ReadMaxEntries > 0 {
		return c.Memory.ReadMaxEntries
	}
	return 80
}

// MemoryReadMaxBytes returns the configured read size cap, defaulting to 25 KiB.
func (c *Config) MemoryReadMaxBytes() int {
	if c.Memory.ReadMaxBytes > 0 {
		return c.Memory.ReadMaxBytes
	}
	return 25 * 1024
}

// ResolveProvider returns the provider config for the agent's default
// provider, or a zero value when unconfigured.
func (c *Config) ResolveProvider() (string, ProviderConfig) {
	name := c.Agent.Provider
	if name == "" {
		name = "openai"
	}
	if c.Providers == nil {
		return name, ProviderConfig{}
	}
	return name, c.Providers[name]
}
