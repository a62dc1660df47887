// Package cron runs persistent scheduled jobs from the cron_jobs table:
// one-shot reminders, fixed intervals and 5-field cron expressions. Jobs
// fire sequentially on a single runner, so a job never overlaps itself.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/store"
)

const (
	tickInterval = time.Second
	syncInterval = 30 * time.Second
)

// SystemHandler runs a named system job (memory integration, maintenance).
type SystemHandler func(ctx context.Context) (string, error)

// Service owns the scheduled-job runner. It satisfies the scheduler
// interface the cron tool binds against.
type Service struct {
	db     *store.DB
	msgBus *bus.MessageBus
	gron   *gronx.Gronx

	mu       sync.Mutex
	jobs     map[string]*store.CronJob
	handlers map[string]SystemHandler
	lastSync time.Time
}

func NewService(db *store.DB, msgBus *bus.MessageBus) *Service {
	return &Service{
		db:       db,
		msgBus:   msgBus,
		gron:     gronx.New(),
		jobs:     make(map[string]*store.CronJob),
		handlers: make(map[string]SystemHandler),
	}
}

// RegisterSystemHandler binds a system_event payload name to its handler.
func (s *Service) RegisterSystemHandler(name string, fn SystemHandler) {
	s.mu.Lock()
	s.handlers[name] = fn
	s.mu.Unlock()
}

// AddJob validates the trigger, computes the first fire time and persists
// the job.
func (s *Service) AddJob(job *store.CronJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.TriggerType == store.TriggerCron && !s.gron.IsValid(job.Trigger.CronExpr) {
		return fmt.Errorf("invalid cron expression %q", job.Trigger.CronExpr)
	}
	job.Enabled = true
	next, ok := s.nextRun(job, time.Now())
	if !ok {
		return fmt.Errorf("job %s would never fire", job.ID)
	}
	job.NextRunAtMs = next
	if err := s.db.UpsertCronJob(job); err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	slog.Info("cron.job.added", "id", job.ID, "trigger", job.TriggerType, "next", time.UnixMilli(next))
	return nil
}

// ListJobs returns all persisted jobs.
func (s *Service) ListJobs() ([]*store.CronJob, error) {
	return s.db.ListCronJobs()
}

// RemoveJob deletes a non-system job.
func (s *Service) RemoveJob(id string) error {
	if err := s.db.DeleteCronJob(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

// Run fires due jobs until ctx is cancelled. Runtime state is periodically
// reconciled with the table so edits made elsewhere take effect.
func (s *Service) Run(ctx context.Context) error {
	if err := s.syncFromDB(); err != nil {
		return err
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("cron.stopped")
			return nil
		case now := <-ticker.C:
			s.mu.Lock()
			needSync := time.Since(s.lastSync) >= syncInterval
			s.mu.Unlock()
			if needSync {
				if err := s.syncFromDB(); err != nil {
					slog.Warn("cron.sync_failed", "error", err)
				}
			}
			s.tick(ctx, now)
		}
	}
}

func (s *Service) syncFromDB() error {
	jobs, err := s.db.ListCronJobs()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = make(map[string]*store.CronJob, len(jobs))
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	s.lastSync = time.Now()
	s.mu.Unlock()
	return nil
}

// tick fires every enabled job whose next run time has passed. Missed fires
// coalesce: one execution regardless of how late the runner is.
func (s *Service) tick(ctx context.Context, now time.Time) {
	nowMs := now.UnixMilli()
	s.mu.Lock()
	var due []*store.CronJob
	for _, job := range s.jobs {
		if job.Enabled && job.NextRunAtMs > 0 && job.NextRunAtMs <= nowMs {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(ctx, job, now)
	}
}

func (s *Service) fire(ctx context.Context, job *store.CronJob, now time.Time) {
	slog.Info("cron.job.fire", "id", job.ID, "name", job.Name)
	result, err := s.execute(ctx, job)
	job.LastRunAtMs = now.UnixMilli()
	if err != nil {
		job.LastStatus = "error"
		job.LastError = err.Error()
		slog.Warn("cron.job.failed", "id", job.ID, "error", err)
	} else {
		job.LastStatus = "ok"
		job.LastError = ""
		if result != "" && job.Payload.Deliver && job.Payload.Channel != "" && job.Payload.To != "" {
			s.msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: job.Payload.Channel,
				ChatID:  job.Payload.To,
				Content: result,
			})
		}
	}

	// Advance or retire the trigger; failures still advance so a broken
	// job cannot hot-loop. deleteAfterRun removes the row only on success;
	// a failed one-shot stays disabled with lastStatus=error for inspection.
	next, ok := s.nextRun(job, now)
	if job.TriggerType == store.TriggerAt || !ok {
		if job.DeleteAfterRun && !job.IsSystem && err == nil {
			if err := s.db.DeleteCronJob(job.ID); err != nil {
				slog.Warn("cron.job.delete_failed", "id", job.ID, "error", err)
			}
			s.mu.Lock()
			delete(s.jobs, job.ID)
			s.mu.Unlock()
			return
		}
		job.Enabled = false
		job.NextRunAtMs = 0
	} else {
		job.NextRunAtMs = next
	}
	if err := s.db.UpsertCronJob(job); err != nil {
		slog.Warn("cron.job.save_failed", "id", job.ID, "error", err)
	}
}

// execute dispatches one fire according to the payload kind and returns the
// text eligible for delivery.
func (s *Service) execute(ctx context.Context, job *store.CronJob) (string, error) {
	switch job.Payload.Kind {
	case store.PayloadAgentTurn:
		// The agent loop handles the turn; its reply routes to the
		// configured destination via the system-channel origin encoding.
		chatID := "cron:" + job.ID
		if job.Payload.Channel != "" && job.Payload.To != "" {
			chatID = job.Payload.Channel + ":" + job.Payload.To
		}
		s.msgBus.PublishInbound(bus.InboundMessage{
			Channel:  bus.ChannelSystem,
			SenderID: "cron:" + job.ID,
			ChatID:   chatID,
			Content:  job.Payload.Message,
			Metadata: map[string]string{"cron_job": job.ID},
		})
		return "", nil
	case store.PayloadSystemEvent:
		s.mu.Lock()
		handler := s.handlers[job.Payload.Message]
		s.mu.Unlock()
		if handler == nil {
			return "", fmt.Errorf("no system handler %q", job.Payload.Message)
		}
		return handler(ctx)
	case store.PayloadCalendarReminder:
		return job.Payload.Message, nil
	default:
		return "", fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}
}

// nextRun computes the next fire time in epoch millis. ok=false means the
// trigger is exhausted.
func (s *Service) nextRun(job *store.CronJob, now time.Time) (int64, bool) {
	switch job.TriggerType {
	case store.TriggerAt:
		if job.Trigger.AtMs > now.UnixMilli() {
			return job.Trigger.AtMs, true
		}
		return 0, false
	case store.TriggerEvery:
		if job.Trigger.EverySeconds <= 0 {
			return 0, false
		}
		return now.Add(time.Duration(job.Trigger.EverySeconds) * time.Second).UnixMilli(), true
	case store.TriggerCron:
		ref := now
		if job.Trigger.Timezone != "" {
			if loc, err := time.LoadLocation(job.Trigger.Timezone); err == nil {
				ref = now.In(loc)
			}
		}
		next, err := gronx.NextTickAfter(job.Trigger.CronExpr, ref, false)
		if err != nil {
			return 0, false
		}
		if job.Trigger.EndDateMs > 0 && next.UnixMilli() > job.Trigger.EndDateMs {
			return 0, false
		}
		return next.UnixMilli(), true
	default:
		return 0, false
	}
}

// SeedSystemJobs ensures the built-in maintenance jobs exist, preserving
// their run state across restarts.
func (s *Service) SeedSystemJobs(integrateEverySec, maintainEverySec int) error {
	if integrateEverySec <= 0 {
		integrateEverySec = 1800
	}
	if maintainEverySec <= 0 {
		maintainEverySec = 300
	}
	seeds := []*store.CronJob{
		{
			ID:          "system:memory_auto_integrate",
			Name:        "Auto-integrate recent conversations into memory",
			IsSystem:    true,
			TriggerType: store.TriggerEvery,
			Trigger:     store.CronTrigger{EverySeconds: integrateEverySec},
			Payload:     store.CronPayload{Kind: store.PayloadSystemEvent, Message: "auto_memory_integrate"},
			Source:      "system",
		},
		{
			ID:          "system:memory_maintenance",
			Name:        "Memory maintenance (summarize, daily fold)",
			IsSystem:    true,
			TriggerType: store.TriggerEvery,
			Trigger:     store.CronTrigger{EverySeconds: maintainEverySec},
			Payload:     store.CronPayload{Kind: store.PayloadSystemEvent, Message: "memory_maintenance"},
			Source:      "system",
		},
	}
	for _, seed := range seeds {
		existing, err := s.db.GetCronJob(seed.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := s.AddJob(seed); err != nil {
			return err
		}
	}
	return s.syncFromDB()
}
