package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/store"
)

// CalendarEvent is an event with reminder offsets, lowered to one cron job
// per reminder.
type CalendarEvent struct {
	ID        string
	Title     string
	Start     time.Time
	Reminders []int // minutes before start
	Channel   string
	To        string
}

// calendarJobPrefix returns the id prefix shared by all jobs lowered from
// one event.
func calendarJobPrefix(eventID string) string {
	return "cal:" + eventID + ":"
}

// SyncCalendarEvent replaces all jobs for the event with freshly lowered
// ones: id "cal:<eventId>:<minutes>", a cron expression at start minus the
// reminder offset, and an end date one year past the event start.
func (s *Service) SyncCalendarEvent(ev CalendarEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("calendar event id is required")
	}
	if err := s.db.DeleteCronJobsByPrefix(calendarJobPrefix(ev.ID)); err != nil {
		return fmt.Errorf("clear jobs for event %s: %w", ev.ID, err)
	}
	s.mu.Lock()
	for id := range s.jobs {
		if strings.HasPrefix(id, calendarJobPrefix(ev.ID)) {
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	endDate := ev.Start.AddDate(1, 0, 0)
	for _, minutes := range ev.Reminders {
		fireAt := ev.Start.Add(-time.Duration(minutes) * time.Minute)
		job := &store.CronJob{
			ID:          fmt.Sprintf("cal:%s:%d", ev.ID, minutes),
			Name:        fmt.Sprintf("Reminder: %s (%d min before)", ev.Title, minutes),
			TriggerType: store.TriggerCron,
			Trigger: store.CronTrigger{
				CronExpr:  fmt.Sprintf("%d %d %d %d *", fireAt.Minute(), fireAt.Hour(), fireAt.Day(), int(fireAt.Month())),
				EndDateMs: endDate.UnixMilli(),
			},
			Payload: store.CronPayload{
				Kind:    store.PayloadCalendarReminder,
				Message: fmt.Sprintf("Reminder: %s starts in %d minutes.", ev.Title, minutes),
				Deliver: true,
				Channel: ev.Channel,
				To:      ev.To,
			},
			Source: "calendar",
		}
		if err := s.AddJob(job); err != nil {
			return fmt.Errorf("lower reminder %d for event %s: %w", minutes, ev.ID, err)
		}
	}
	return nil
}

// DeleteCalendarEvent removes every job lowered from the event.
func (s *Service) DeleteCalendarEvent(eventID string) error {
	if err := s.db.DeleteCronJobsByPrefix(calendarJobPrefix(eventID)); err != nil {
		return err
	}
	return s.syncFromDB()
}
