package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Trigger kinds for scheduled jobs.
const (
	TriggerAt    = "at"    // fire once at a wall-clock time
	TriggerEvery = "every" // fire every N seconds
	TriggerCron  = "cron"  // 5-field cron expression
)

// Payload kinds for scheduled jobs.
const (
	PayloadAgentTurn        = "agent_turn"        // wrap message as synthetic inbound
	PayloadSystemEvent      = "system_event"      // dispatch to a named system handler
	PayloadCalendarReminder = "calendar_reminder" // lowered calendar event reminder
)

// CronTrigger holds the trigger parameters for one job.
type CronTrigger struct {
	AtMs         int64  `json:"at_ms,omitempty"`         // for "at": epoch millis
	EverySeconds int    `json:"every_seconds,omitempty"` // for "every"
	CronExpr     string `json:"cron_expr,omitempty"`     // for "cron": 5-field POSIX
	Timezone     string `json:"tz,omitempty"`            // IANA name, for "cron"
	EndDateMs    int64  `json:"end_date_ms,omitempty"`   // inclusive upper bound, for "cron"
}

// CronPayload describes what happens when the job fires.
type CronPayload struct {
	Kind    string `json:"kind"` // agent_turn, system_event, calendar_reminder
	Message string `json:"message,omitempty"`
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// CronJob is one persistent scheduled job.
type CronJob struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Enabled        bool        `json:"enabled"`
	IsSystem       bool        `json:"is_system"`
	TriggerType    string      `json:"trigger_type"`
	Trigger        CronTrigger `json:"trigger"`
	Payload        CronPayload `json:"payload"`
	NextRunAtMs    int64       `json:"next_run_at_ms,omitempty"`
	LastRunAtMs    int64       `json:"last_run_at_ms,omitempty"`
	LastStatus     string      `json:"last_status,omitempty"` // "ok" or "error"
	LastError      string      `json:"last_error,omitempty"`
	DeleteAfterRun bool        `json:"delete_after_run"`
	Source         string      `json:"source,omitempty"` // "user", "system", "calendar"
	CreatedAtMs    int64       `json:"created_at_ms"`
	UpdatedAtMs    int64       `json:"updated_at_ms"`
}

// UpsertCronJob inserts or replaces a job row.
func (d *DB) UpsertCronJob(job *CronJob) error {
	trigger, err := json.Marshal(job.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := nowMs()
	if job.CreatedAtMs == 0 {
		job.CreatedAtMs = now
	}
	job.UpdatedAtMs = now

	_, err = d.sql.Exec(`INSERT INTO cron_jobs
		(id, name, enabled, is_system, trigger_type, trigger_params, payload,
		 next_run_at_ms, last_run_at_ms, last_status, last_error, delete_after_run, source, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			is_system = excluded.is_system,
			trigger_type = excluded.trigger_type,
			trigger_params = excluded.trigger_params,
			payload = excluded.payload,
			next_run_at_ms = excluded.next_run_at_ms,
			last_run_at_ms = excluded.last_run_at_ms,
			last_status = excluded.last_status,
			last_error = excluded.last_error,
			delete_after_run = excluded.delete_after_run,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		job.ID, job.Name, boolInt(job.Enabled), boolInt(job.IsSystem), job.TriggerType,
		string(trigger), string(payload), job.NextRunAtMs, job.LastRunAtMs,
		job.LastStatus, job.LastError, boolInt(job.DeleteAfterRun), job.Source,
		job.CreatedAtMs, job.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("upsert cron job %s: %w", job.ID, err)
	}
	return nil
}

// GetCronJob loads one job, or nil when absent.
func (d *DB) GetCronJob(id string) (*CronJob, error) {
	row := d.sql.QueryRow(cronSelect+" WHERE id = ?", id)
	job, err := scanCronJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListCronJobs returns all jobs ordered by creation time.
func (d *DB) ListCronJobs() ([]*CronJob, error) {
	rows, err := d.sql.Query(cronSelect + " ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteCronJob removes a job. System jobs cannot be deleted.
func (d *DB) DeleteCronJob(id string) error {
	res, err := d.sql.Exec("DELETE FROM cron_jobs WHERE id = ? AND is_system = 0", id)
	if err != nil {
		return fmt.Errorf("delete cron job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		job, _ := d.GetCronJob(id)
		if job != nil && job.IsSystem {
			return fmt.Errorf("job %s is a system job and cannot be deleted", id)
		}
	}
	return nil
}

// DeleteCronJobsByPrefix removes all non-system jobs whose id starts with
// prefix. Used by the calendar adapter when an event is updated.
func (d *DB) DeleteCronJobsByPrefix(prefix string) error {
	_, err := d.sql.Exec("DELETE FROM cron_jobs WHERE id LIKE ? AND is_system = 0", prefix+"%")
	return err
}

const cronSelect = `SELECT id, name, enabled, is_system, trigger_type, trigger_params, payload,
	next_run_at_ms, last_run_at_ms, last_status, last_error, delete_after_run, source, created_at, updated_at
	FROM cron_jobs`

func scanCronJob(row rowScanner) (*CronJob, error) {
	var job CronJob
	var enabled, isSystem, deleteAfter int
	var trigger, payload string
	var nextRun, lastRun sql.NullInt64
	if err := row.Scan(&job.ID, &job.Name, &enabled, &isSystem, &job.TriggerType, &trigger, &payload,
		&nextRun, &lastRun, &job.LastStatus, &job.LastError, &deleteAfter, &job.Source,
		&job.CreatedAtMs, &job.UpdatedAtMs); err != nil {
		return nil, err
	}
	job.Enabled = enabled != 0
	job.IsSystem = isSystem != 0
	job.DeleteAfterRun = deleteAfter != 0
	job.NextRunAtMs = nextRun.Int64
	job.LastRunAtMs = lastRun.Int64
	if err := json.Unmarshal([]byte(trigger), &job.Trigger); err != nil {
		return nil, fmt.Errorf("parse trigger for %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("parse payload for %s: %w", job.ID, err)
	}
	return &job, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
