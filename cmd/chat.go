package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/config"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Run: func(cmd *cobra.Command, args []string) {
			runChat()
		},
	}
}

// runChat starts the full runtime with only the terminal channel attached.
// The same session, memory and scheduler state as serve, just a local REPL.
func runChat() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config.load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		slog.Error("nanobot.startup_failed", "error", err)
		os.Exit(1)
	}
	rt.channels.Register(channels.NewCLIChannel(rt.msgBus))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("nanobot chat — type a message, Ctrl+C to quit")
	if err := rt.run(ctx, cfgPath); err != nil {
		slog.Error("nanobot.stopped", "error", err)
		os.Exit(1)
	}
}
