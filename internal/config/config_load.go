package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:           "~/.nanobot/workspace",
			RestrictToWorkspace: true,
			Provider:            "openai",
			Model:               "gpt-5",
			MaxTokens:           8192,
			Temperature:         0.7,
			MaxIterations:       40,
			MaxExecutionTime:    600,
			MessageTimeout:      300,
			LoopDetectWindow:    1,
		},
		Tools: ToolsConfig{
			Exec: ExecConfig{TimeoutSec: 60, RestrictToWorkspace: true},
			Web:  WebToolsConfig{MaxResults: 5},
		},
		Channels: ChannelsConfig{
			Web: WebConfig{Host: "127.0.0.1", Port: 18790},
		},
		Subagents: SubagentsConfig{
			MaxConcurrent: 8,
			MaxIterations: 15,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; secrets come from env only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("NANOBOT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NANOBOT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("NANOBOT_BRAVE_API_KEY", &c.Tools.Web.BraveAPIKey)

	// Auto-enable channels when credentials arrive via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("NANOBOT_PROVIDER", &c.Agent.Provider)
	envStr("NANOBOT_MODEL", &c.Agent.Model)
	envStr("NANOBOT_WORKSPACE", &c.Agent.Workspace)
	envStr("NANOBOT_DB_PATH", &c.Database.Path)

	// Provider API keys: NANOBOT_<PROVIDER>_API_KEY
	for name := range c.Providers {
		key := "NANOBOT_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			pc := c.Providers[name]
			pc.APIKey = v
			c.Providers[name] = pc
		}
	}
	// Shorthand when the default provider has no explicit block
	if v := os.Getenv("NANOBOT_API_KEY"); v != "" {
		name := c.Agent.Provider
		if c.Providers == nil {
			c.Providers = make(map[string]ProviderConfig)
		}
		pc := c.Providers[name]
		if pc.APIKey == "" {
			pc.APIKey = v
			c.Providers[name] = pc
		}
	}
}

// expandPaths resolves ~ in workspace and database paths.
func (c *Config) expandPaths() {
	c.Agent.Workspace = expandHome(c.Agent.Workspace)
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Agent.Workspace, "chat.db")
	} else {
		c.Database.Path = expandHome(c.Database.Path)
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Watch reloads the config whenever the file changes and invokes onReload
// with the fresh config. Returns a stop function. Errors during reload are
// logged and the previous config stays in effect.
func Watch(path string, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config.reload_failed", "path", path, "error", err)
					continue
				}
				slog.Info("config.reloaded", "path", path)
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config.watch_error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
