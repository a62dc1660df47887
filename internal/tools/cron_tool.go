package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanobot-ai/nanobot/internal/store"
)

// Scheduler is the narrow surface the cron tool needs. Implemented by the
// cron service.
type Scheduler interface {
	AddJob(job *store.CronJob) error
	ListJobs() ([]*store.CronJob, error)
	RemoveJob(id string) error
}

// CronTool lets the agent schedule reminders and recurring work.
type CronTool struct {
	scheduler Scheduler

	mu sync.Mutex
	cc CallContext
}

func NewCronTool(scheduler Scheduler) *CronTool {
	return &CronTool{scheduler: scheduler}
}

func (t *CronTool) SetCallContext(cc CallContext) {
	t.mu.Lock()
	t.cc = cc
	t.mu.Unlock()
}

func (t *CronTool) Name() string { return "cron" }
func (t *CronTool) Description() string {
	return "Schedule a reminder or recurring task: one-shot (at), interval (every), or cron expression"
}
func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"create", "list", "delete"},
				"description": "What to do",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "For create: the message the agent receives when the job fires",
			},
			"at": map[string]interface{}{
				"type":        "string",
				"description": "For create: one-shot fire time, RFC 3339 (e.g. 2026-08-24T18:30:00+07:00)",
			},
			"every_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "For create: repeat interval in seconds",
			},
			"cron_expr": map[string]interface{}{
				"type":        "string",
				"description": "For create: 5-field cron expression (e.g. '0 9 * * 1')",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "For create: human-readable job name",
			},
			"deliver": map[string]interface{}{
				"type":        "boolean",
				"description": "For create: deliver the agent's response to this chat (default true)",
			},
			"job_id": map[string]interface{}{
				"type":        "string",
				"description": "For delete: the job id",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)
	switch action {
	case "create":
		return t.create(args)
	case "list":
		return t.list()
	case "delete":
		jobID, _ := args["job_id"].(string)
		if jobID == "" {
			return ErrorResult("Error: job_id is required for delete")
		}
		if err := t.scheduler.RemoveJob(jobID); err != nil {
			return ErrorResult(fmt.Sprintf("Error: %v", err))
		}
		return NewResult(fmt.Sprintf("Deleted job %s", jobID))
	default:
		return ErrorResult(fmt.Sprintf("Error: unknown action %q", action))
	}
}

func (t *CronTool) create(args map[string]interface{}) *Result {
	message, _ := args["message"].(string)
	if message == "" {
		return ErrorResult("Error: message is required for create")
	}

	job := &store.CronJob{
		ID:      uuid.NewString()[:8],
		Enabled: true,
		Source:  "user",
	}
	if name, _ := args["name"].(string); name != "" {
		job.Name = name
	} else {
		job.Name = truncate(message, 40)
	}

	switch {
	case args["at"] != nil:
		atStr, _ := args["at"].(string)
		at, err := time.Parse(time.RFC3339, atStr)
		if err != nil {
			return ErrorResult(fmt.Sprintf("Error: invalid at time %q: %v", atStr, err))
		}
		job.TriggerType = store.TriggerAt
		job.Trigger = store.CronTrigger{AtMs: at.UnixMilli()}
		job.DeleteAfterRun = true
	case args["every_seconds"] != nil:
		every, _ := args["every_seconds"].(float64)
		if every < 1 {
			return ErrorResult("Error: every_seconds must be at least 1")
		}
		job.TriggerType = store.TriggerEvery
		job.Trigger = store.CronTrigger{EverySeconds: int(every)}
	case args["cron_expr"] != nil:
		expr, _ := args["cron_expr"].(string)
		job.TriggerType = store.TriggerCron
		job.Trigger = store.CronTrigger{CronExpr: expr}
	default:
		return ErrorResult("Error: one of at, every_seconds or cron_expr is required")
	}

	deliver := true
	if d, ok := args["deliver"].(bool); ok {
		deliver = d
	}
	t.mu.Lock()
	cc := t.cc
	t.mu.Unlock()
	job.Payload = store.CronPayload{
		Kind:    store.PayloadAgentTurn,
		Message: message,
		Deliver: deliver,
		Channel: cc.Channel,
		To:      cc.ChatID,
	}

	if err := t.scheduler.AddJob(job); err != nil {
		return ErrorResult(fmt.Sprintf("Error: failed to create job: %v", err))
	}
	return NewResult(fmt.Sprintf("Created job %s (%s)", job.ID, job.Name))
}

func (t *CronTool) list() *Result {
	jobs, err := t.scheduler.ListJobs()
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}
	if len(jobs) == 0 {
		return SilentResult("No scheduled jobs.")
	}
	var b strings.Builder
	for _, j := range jobs {
		next := "-"
		if j.NextRunAtMs > 0 {
			next = time.UnixMilli(j.NextRunAtMs).Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%s  %s  trigger=%s  next=%s  enabled=%t\n", j.ID, j.Name, j.TriggerType, next, j.Enabled)
	}
	return SilentResult(strings.TrimRight(b.String(), "\n"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
