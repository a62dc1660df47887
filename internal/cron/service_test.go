package cron

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/store"
)

func newService(t *testing.T) (*Service, *bus.MessageBus, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	msgBus := bus.NewMessageBus()
	return NewService(db, msgBus), msgBus, db
}

func TestNextRun(t *testing.T) {
	s, _, _ := newService(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		job    store.CronJob
		wantOK bool
		check  func(t *testing.T, ms int64)
	}{
		{
			name:   "at in the future",
			job:    store.CronJob{TriggerType: store.TriggerAt, Trigger: store.CronTrigger{AtMs: now.Add(time.Hour).UnixMilli()}},
			wantOK: true,
			check: func(t *testing.T, ms int64) {
				if ms != now.Add(time.Hour).UnixMilli() {
					t.Errorf("ms = %d", ms)
				}
			},
		},
		{
			name:   "at in the past",
			job:    store.CronJob{TriggerType: store.TriggerAt, Trigger: store.CronTrigger{AtMs: now.Add(-time.Hour).UnixMilli()}},
			wantOK: false,
		},
		{
			name:   "every",
			job:    store.CronJob{TriggerType: store.TriggerEvery, Trigger: store.CronTrigger{EverySeconds: 90}},
			wantOK: true,
			check: func(t *testing.T, ms int64) {
				if ms != now.Add(90*time.Second).UnixMilli() {
					t.Errorf("ms = %d", ms)
				}
			},
		},
		{
			name:   "cron daily",
			job:    store.CronJob{TriggerType: store.TriggerCron, Trigger: store.CronTrigger{CronExpr: "30 14 * * *"}},
			wantOK: true,
			check: func(t *testing.T, ms int64) {
				next := time.UnixMilli(ms).UTC()
				if next.Hour() != 14 || next.Minute() != 30 {
					t.Errorf("next = %v", next)
				}
			},
		},
		{
			name: "cron past end date",
			job: store.CronJob{TriggerType: store.TriggerCron, Trigger: store.CronTrigger{
				CronExpr: "30 14 * * *", EndDateMs: now.Add(-24 * time.Hour).UnixMilli(),
			}},
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, ok := s.nextRun(&tt.job, now)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.check != nil && ok {
				tt.check(t, ms)
			}
		})
	}
}

func TestAddJobValidatesCron(t *testing.T) {
	s, _, _ := newService(t)
	err := s.AddJob(&store.CronJob{
		ID: "bad", TriggerType: store.TriggerCron,
		Trigger: store.CronTrigger{CronExpr: "not a cron"},
	})
	if err == nil {
		t.Fatal("invalid expression accepted")
	}

	if err := s.AddJob(&store.CronJob{
		ID: "good", TriggerType: store.TriggerCron,
		Trigger: store.CronTrigger{CronExpr: "*/5 * * * *"},
		Payload: store.CronPayload{Kind: store.PayloadAgentTurn, Message: "check in"},
	}); err != nil {
		t.Fatal(err)
	}
	job, _ := s.db.GetCronJob("good")
	if job == nil || job.NextRunAtMs == 0 || !job.Enabled {
		t.Errorf("persisted job = %+v", job)
	}
}

func TestAgentTurnPublishesSystemInbound(t *testing.T) {
	s, msgBus, _ := newService(t)
	job := &store.CronJob{
		ID: "j1", Name: "morning brief", TriggerType: store.TriggerEvery,
		Trigger: store.CronTrigger{EverySeconds: 60},
		Payload: store.CronPayload{
			Kind: store.PayloadAgentTurn, Message: "summarize my day",
			Deliver: true, Channel: "telegram", To: "42",
		},
	}
	if err := s.AddJob(job); err != nil {
		t.Fatal(err)
	}

	job.NextRunAtMs = time.Now().Add(-time.Second).UnixMilli()
	s.tick(context.Background(), time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no synthetic inbound")
	}
	if msg.Channel != bus.ChannelSystem || msg.ChatID != "telegram:42" {
		t.Errorf("inbound = %+v", msg)
	}
	if msg.Content != "summarize my day" {
		t.Errorf("content = %q", msg.Content)
	}

	stored, _ := s.db.GetCronJob("j1")
	if stored.LastStatus != "ok" || stored.NextRunAtMs <= time.Now().UnixMilli() {
		t.Errorf("job after fire = %+v", stored)
	}
}

func TestSystemEventHandlerAndDelivery(t *testing.T) {
	s, msgBus, _ := newService(t)
	s.RegisterSystemHandler("nightly_report", func(context.Context) (string, error) {
		return "all systems nominal", nil
	})
	job := &store.CronJob{
		ID: "sys1", TriggerType: store.TriggerEvery,
		Trigger: store.CronTrigger{EverySeconds: 60},
		Payload: store.CronPayload{
			Kind: store.PayloadSystemEvent, Message: "nightly_report",
			Deliver: true, Channel: "discord", To: "99",
		},
	}
	if err := s.AddJob(job); err != nil {
		t.Fatal(err)
	}
	job.NextRunAtMs = time.Now().Add(-time.Second).UnixMilli()
	s.tick(context.Background(), time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, ok := msgBus.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("no delivery")
	}
	if out.Channel != "discord" || out.ChatID != "99" || out.Content != "all systems nominal" {
		t.Errorf("outbound = %+v", out)
	}
}

func TestHandlerErrorSetsStatusButAdvances(t *testing.T) {
	s, _, _ := newService(t)
	s.RegisterSystemHandler("flaky", func(context.Context) (string, error) {
		return "", errors.New("upstream down")
	})
	job := &store.CronJob{
		ID: "sys2", TriggerType: store.TriggerEvery,
		Trigger: store.CronTrigger{EverySeconds: 60},
		Payload: store.CronPayload{Kind: store.PayloadSystemEvent, Message: "flaky"},
	}
	if err := s.AddJob(job); err != nil {
		t.Fatal(err)
	}
	job.NextRunAtMs = time.Now().Add(-time.Second).UnixMilli()
	s.tick(context.Background(), time.Now())

	stored, _ := s.db.GetCronJob("sys2")
	if stored.LastStatus != "error" || !strings.Contains(stored.LastError, "upstream down") {
		t.Errorf("status = %q, err = %q", stored.LastStatus, stored.LastError)
	}
	if stored.NextRunAtMs <= time.Now().UnixMilli() {
		t.Error("failed job did not advance")
	}
}

func TestOneShotDeleteAfterRun(t *testing.T) {
	s, msgBus, _ := newService(t)
	job := &store.CronJob{
		ID: "once", TriggerType: store.TriggerAt,
		Trigger:        store.CronTrigger{AtMs: time.Now().Add(time.Hour).UnixMilli()},
		Payload:        store.CronPayload{Kind: store.PayloadCalendarReminder, Message: "standup now", Deliver: true, Channel: "cli", To: "me"},
		DeleteAfterRun: true,
	}
	if err := s.AddJob(job); err != nil {
		t.Fatal(err)
	}

	job.NextRunAtMs = time.Now().Add(-time.Second).UnixMilli()
	s.tick(context.Background(), time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, ok := msgBus.ConsumeOutbound(ctx); !ok {
		t.Fatal("reminder not delivered")
	}
	stored, _ := s.db.GetCronJob("once")
	if stored != nil {
		t.Errorf("one-shot job survived: %+v", stored)
	}
}

func TestOneShotFailureKeptForInspection(t *testing.T) {
	s, _, _ := newService(t)
	s.RegisterSystemHandler("broken", func(context.Context) (string, error) {
		return "", errors.New("handler exploded")
	})
	job := &store.CronJob{
		ID: "once-fail", TriggerType: store.TriggerAt,
		Trigger:        store.CronTrigger{AtMs: time.Now().Add(time.Hour).UnixMilli()},
		Payload:        store.CronPayload{Kind: store.PayloadSystemEvent, Message: "broken"},
		DeleteAfterRun: true,
	}
	if err := s.AddJob(job); err != nil {
		t.Fatal(err)
	}

	job.NextRunAtMs = time.Now().Add(-time.Second).UnixMilli()
	s.tick(context.Background(), time.Now())

	stored, _ := s.db.GetCronJob("once-fail")
	if stored == nil {
		t.Fatal("failed one-shot was deleted")
	}
	if stored.Enabled || stored.NextRunAtMs != 0 {
		t.Errorf("failed one-shot still scheduled: %+v", stored)
	}
	if stored.LastStatus != "error" || !strings.Contains(stored.LastError, "handler exploded") {
		t.Errorf("status = %q, err = %q", stored.LastStatus, stored.LastError)
	}
}

func TestOneShotWithoutDeleteDisables(t *testing.T) {
	s, _, _ := newService(t)
	job := &store.CronJob{
		ID: "once2", TriggerType: store.TriggerAt,
		Trigger: store.CronTrigger{AtMs: time.Now().Add(time.Hour).UnixMilli()},
		Payload: store.CronPayload{Kind: store.PayloadCalendarReminder, Message: "x"},
	}
	if err := s.AddJob(job); err != nil {
		t.Fatal(err)
	}
	job.NextRunAtMs = time.Now().Add(-time.Second).UnixMilli()
	s.tick(context.Background(), time.Now())

	stored, _ := s.db.GetCronJob("once2")
	if stored == nil || stored.Enabled || stored.NextRunAtMs != 0 {
		t.Errorf("job after one-shot fire = %+v", stored)
	}
}

func TestSeedSystemJobsIdempotent(t *testing.T) {
	s, _, db := newService(t)
	if err := s.SeedSystemJobs(0, 0); err != nil {
		t.Fatal(err)
	}
	first, _ := db.GetCronJob("system:memory_auto_integrate")
	if first == nil || !first.IsSystem {
		t.Fatalf("seed missing: %+v", first)
	}

	// Mutate run state, reseed, state must survive.
	first.LastStatus = "ok"
	first.LastRunAtMs = 12345
	db.UpsertCronJob(first)
	if err := s.SeedSystemJobs(0, 0); err != nil {
		t.Fatal(err)
	}
	again, _ := db.GetCronJob("system:memory_auto_integrate")
	if again.LastRunAtMs != 12345 {
		t.Error("reseed clobbered run state")
	}

	jobs, _ := s.ListJobs()
	if len(jobs) != 2 {
		t.Errorf("jobs = %d, want 2", len(jobs))
	}
}

func TestCalendarSyncAndResync(t *testing.T) {
	s, _, db := newService(t)
	start := time.Now().Add(48 * time.Hour)
	ev := CalendarEvent{
		ID: "evt1", Title: "Dentist", Start: start,
		Reminders: []int{10, 60}, Channel: "telegram", To: "42",
	}
	if err := s.SyncCalendarEvent(ev); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"cal:evt1:10", "cal:evt1:60"} {
		job, _ := db.GetCronJob(id)
		if job == nil {
			t.Fatalf("job %s missing", id)
		}
		if job.Trigger.EndDateMs != start.AddDate(1, 0, 0).UnixMilli() {
			t.Errorf("end date = %d", job.Trigger.EndDateMs)
		}
		if !job.Payload.Deliver || job.Payload.Channel != "telegram" {
			t.Errorf("payload = %+v", job.Payload)
		}
	}

	// Resync with fewer reminders replaces the old set.
	ev.Reminders = []int{30}
	if err := s.SyncCalendarEvent(ev); err != nil {
		t.Fatal(err)
	}
	if job, _ := db.GetCronJob("cal:evt1:10"); job != nil {
		t.Error("stale reminder survived resync")
	}
	if job, _ := db.GetCronJob("cal:evt1:30"); job == nil {
		t.Error("new reminder missing")
	}

	if err := s.DeleteCalendarEvent("evt1"); err != nil {
		t.Fatal(err)
	}
	if job, _ := db.GetCronJob("cal:evt1:30"); job != nil {
		t.Error("event jobs survived delete")
	}
}

func TestRemoveJobRefusesSystem(t *testing.T) {
	s, _, _ := newService(t)
	if err := s.SeedSystemJobs(0, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveJob("system:memory_maintenance"); err == nil {
		t.Error("system job removed")
	}
}
