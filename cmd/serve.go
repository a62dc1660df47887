package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/channels/discord"
	"github.com/nanobot-ai/nanobot/internal/channels/telegram"
	"github.com/nanobot-ai/nanobot/internal/channels/web"
	"github.com/nanobot-ai/nanobot/internal/config"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant with all configured channels",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config.load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	slog.Info("nanobot.starting", "version", Version, "config", cfgPath, "workspace", cfg.Agent.Workspace)

	rt, err := newRuntime(cfg)
	if err != nil {
		slog.Error("nanobot.startup_failed", "error", err)
		os.Exit(1)
	}

	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, rt.msgBus)
		if err != nil {
			slog.Error("telegram.setup_failed", "error", err)
		} else {
			rt.channels.Register(ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, rt.msgBus)
		if err != nil {
			slog.Error("discord.setup_failed", "error", err)
		} else {
			rt.channels.Register(ch)
		}
	}
	if cfg.Channels.Web.Enabled {
		rt.channels.Register(web.New(cfg.Channels.Web, rt.msgBus))
	}
	if len(rt.channels.Names()) == 0 {
		slog.Warn("channels.none_enabled", "hint", "set a telegram/discord token or enable the web channel")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.run(ctx, cfgPath); err != nil {
		slog.Error("nanobot.stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("nanobot.stopped")
}
