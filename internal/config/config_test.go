package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Agent.MaxIterations != 40 {
		t.Errorf("MaxIterations = %d, want 40", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxExecutionTime != 600 {
		t.Errorf("MaxExecutionTime = %d, want 600", cfg.Agent.MaxExecutionTime)
	}
	if cfg.Agent.MessageTimeout != 300 {
		t.Errorf("MessageTimeout = %d, want 300", cfg.Agent.MessageTimeout)
	}
	if cfg.MemoryMaxEntries() != 100 {
		t.Errorf("MemoryMaxEntries = %d, want 100", cfg.MemoryMaxEntries())
	}
	if cfg.MemoryMaxBytes() != 30*1024 {
		t.Errorf("MemoryMaxBytes = %d, want 30720", cfg.MemoryMaxBytes())
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	// json5: comments and trailing commas allowed
	content := `{
		// model settings
		agent: {
			workspace: "` + dir + `",
			model: "test-model",
			max_iterations: 10,
		},
		providers: {
			openai: { api_key: "sk-file", model: "test-model" },
		},
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Model != "test-model" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max_iterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Database.Path != filepath.Join(dir, "chat.db") {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if cfg.Providers["openai"].APIKey != "sk-file" {
		t.Errorf("api key = %q", cfg.Providers["openai"].APIKey)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 40 {
		t.Errorf("MaxIterations = %d", cfg.Agent.MaxIterations)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NANOBOT_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("NANOBOT_MODEL", "env-model")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when token present")
	}
	if cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("token = %q", cfg.Channels.Telegram.Token)
	}
	if cfg.Agent.Model != "env-model" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
}

func TestFlexibleStringSlice(t *testing.T) {
	var f FlexibleStringSlice
	if err := f.UnmarshalJSON([]byte(`[123, "abc"]`)); err != nil {
		t.Fatal(err)
	}
	if len(f) != 2 || f[0] != "123" || f[1] != "abc" {
		t.Errorf("got %v", f)
	}
}
