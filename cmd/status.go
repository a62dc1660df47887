package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, sessions and scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	provName, provCfg := cfg.ResolveProvider()
	fmt.Printf("config:    %s\n", cfgPath)
	fmt.Printf("workspace: %s\n", cfg.Agent.Workspace)
	fmt.Printf("database:  %s\n", cfg.Database.Path)
	fmt.Printf("provider:  %s (model %s, key %s)\n", provName, cfg.Agent.Model, keyStatus(provCfg.APIKey))
	fmt.Printf("channels:  telegram=%v discord=%v web=%v\n",
		cfg.Channels.Telegram.Enabled, cfg.Channels.Discord.Enabled, cfg.Channels.Web.Enabled)
	fmt.Printf("mcp:       %d server(s) configured\n", len(cfg.MCP.Servers))

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	infos, err := db.ListSessions()
	if err != nil {
		return err
	}
	fmt.Printf("\nsessions: %d\n", len(infos))
	if len(infos) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tMESSAGES\tUPDATED")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%d\t%s\n", info.Key, info.MessageCount,
				info.Updated.Format("2006-01-02 15:04:05"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	jobs, err := db.ListCronJobs()
	if err != nil {
		return err
	}
	fmt.Printf("\nscheduled jobs: %d\n", len(jobs))
	for _, job := range jobs {
		fmt.Printf("  %s (%s, next %s)\n", job.ID, describeTrigger(job), formatMs(job.NextRunAtMs))
	}
	return nil
}

func keyStatus(key string) string {
	if key == "" {
		return "missing"
	}
	return "set"
}
