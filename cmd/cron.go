package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/store"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect scheduled jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronList()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <job-id>",
		Short: "Delete a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronRemove(args[0])
		},
	})
	return cmd
}

func openStore() (*store.DB, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Database.Path)
}

func runCronList() error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	jobs, err := db.ListCronJobs()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no scheduled jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTRIGGER\tNEXT RUN\tLAST STATUS")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.Name, describeTrigger(job), formatMs(job.NextRunAtMs), job.LastStatus)
	}
	return w.Flush()
}

func runCronRemove(id string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.DeleteCronJob(id); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func describeTrigger(job *store.CronJob) string {
	switch job.TriggerType {
	case store.TriggerAt:
		return "at " + formatMs(job.Trigger.AtMs)
	case store.TriggerEvery:
		return fmt.Sprintf("every %ds", job.Trigger.EverySeconds)
	case store.TriggerCron:
		return "cron " + job.Trigger.CronExpr
	default:
		return job.TriggerType
	}
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
