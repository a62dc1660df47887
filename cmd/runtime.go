package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nanobot-ai/nanobot/internal/agent"
	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/cron"
	"github.com/nanobot-ai/nanobot/internal/mcp"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/store"
	"github.com/nanobot-ai/nanobot/internal/tools"
)

// runtime wires the full assistant: store, bus, provider, tools, MCP,
// agent loop, scheduler and channel adapters. serve and chat share it and
// differ only in which channels they register.
type runtime struct {
	cfg       *config.Config
	db        *store.DB
	msgBus    *bus.MessageBus
	provider  providers.Provider
	sessions  *sessions.Manager
	memory    *memory.Manager
	registry  *tools.Registry
	subagents *tools.SubagentManager
	mcp       *mcp.Manager
	loop      *agent.Loop
	cron      *cron.Service
	channels  *channels.Manager
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	workspace := cfg.Agent.Workspace
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", workspace, err)
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}

	msgBus := bus.NewMessageBus()

	provName, provCfg := cfg.ResolveProvider()
	if provCfg.APIKey == "" {
		slog.Warn("provider.api_key_missing", "provider", provName)
	}
	model := cfg.Agent.Model
	if model == "" {
		model = provCfg.Model
	}
	provider := providers.NewOpenAIProvider(provName, provCfg.APIKey, provCfg.APIBase, model)

	sessionMgr := sessions.NewManager(db)
	memMgr := memory.NewManager(db,
		store.MemoryCaps{MaxEntries: cfg.MemoryMaxEntries(), MaxBytes: cfg.MemoryMaxBytes()},
		memory.ReadCaps{MaxEntries: cfg.MemoryReadMaxEntries(), MaxBytes: cfg.MemoryReadMaxBytes()})
	cronSvc := cron.NewService(db, msgBus)

	// Subagents build their own registry per spawn, so construction is a
	// closure. The spawn tool itself is only in the parent registry; a
	// subagent cannot spawn further subagents.
	newRegistry := func() *tools.Registry {
		reg := tools.NewRegistry()
		restrict := cfg.Agent.RestrictToWorkspace
		reg.Register(tools.NewReadFileTool(workspace, restrict))
		reg.Register(tools.NewWriteFileTool(workspace, restrict))
		reg.Register(tools.NewEditFileTool(workspace, restrict))
		reg.Register(tools.NewAppendFileTool(workspace, restrict))
		reg.Register(tools.NewListDirTool(workspace, restrict))
		reg.Register(tools.NewExecTool(workspace, cfg.Tools.Exec.RestrictToWorkspace).
			WithTimeout(time.Duration(cfg.Tools.Exec.TimeoutSec) * time.Second))
		reg.Register(tools.NewWebFetchTool())
		reg.Register(tools.NewWebSearchTool(cfg.Tools.Web.BraveAPIKey).
			WithMaxResults(cfg.Tools.Web.MaxResults))
		reg.Register(tools.NewMessageTool(msgBus))
		reg.Register(tools.NewRememberTool(memMgr, "global"))
		reg.Register(tools.NewMemorySearchTool(memMgr))
		reg.Register(tools.NewCronTool(cronSvc))
		return reg
	}
	registry := newRegistry()

	subMgr := tools.NewSubagentManager(provider, cfg.Subagents.Model, msgBus, sessionMgr, db,
		newRegistry, tools.SubagentConfig{
			MaxConcurrent: cfg.Subagents.MaxConcurrent,
			MaxIterations: cfg.Subagents.MaxIterations,
			Workspace:     workspace,
			Model:         cfg.Subagents.Model,
		})
	registry.Register(tools.NewSpawnTool(subMgr))

	mcpMgr := mcp.NewManager(registry, cfg.MCP.Servers)
	builder := agent.NewContextBuilder(db, memMgr, workspace, cfg.Context)
	loop := agent.NewLoop(msgBus, provider, cfg.Agent.Model, sessionMgr, registry, builder, mcpMgr, cfg.Agent)

	jobs := memory.NewJobs(db, memMgr, provider, cfg.Agent.Model).
		WithLookback(time.Duration(cfg.Memory.LookbackMin)*time.Minute, cfg.Memory.LookbackMessages)
	cronSvc.RegisterSystemHandler("auto_memory_integrate", func(ctx context.Context) (string, error) {
		return "", jobs.Integrate(ctx)
	})
	cronSvc.RegisterSystemHandler("memory_maintenance", func(ctx context.Context) (string, error) {
		return "", jobs.Maintain(ctx)
	})
	if err := cronSvc.SeedSystemJobs(cfg.Memory.IntegrateEverySec, cfg.Memory.MaintainEverySec); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed system jobs: %w", err)
	}

	return &runtime{
		cfg:       cfg,
		db:        db,
		msgBus:    msgBus,
		provider:  provider,
		sessions:  sessionMgr,
		memory:    memMgr,
		registry:  registry,
		subagents: subMgr,
		mcp:       mcpMgr,
		loop:      loop,
		cron:      cronSvc,
		channels:  channels.NewManager(msgBus),
	}, nil
}

// run starts every component and blocks until ctx is cancelled, then shuts
// down in reverse order. cfgPath is watched so MCP server changes apply
// without a restart.
func (r *runtime) run(ctx context.Context, cfgPath string) error {
	r.mcp.RegisterToolsAsync(ctx)

	stopWatch, err := config.Watch(cfgPath, func(next *config.Config) {
		r.mcp.UpdateConfigs(next.MCP.Servers)
	})
	if err != nil {
		slog.Warn("config.watch_unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	r.channels.StartAll(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop.Run(gctx) })
	g.Go(func() error { return r.cron.Run(gctx) })
	g.Go(func() error { return r.channels.Dispatch(gctx) })

	runErr := g.Wait()

	stopCtx := context.WithoutCancel(ctx)
	r.channels.StopAll(stopCtx)
	r.subagents.Shutdown()
	r.mcp.Close()
	if err := r.db.Close(); err != nil {
		slog.Warn("store.close_failed", "error", err)
	}
	return runErr
}
