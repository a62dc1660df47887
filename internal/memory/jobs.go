package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/store"
)

// kv_state keys guarding the once-per-day and rate-limited maintenance steps.
const (
	stateLastDailyRun = "lastDailyRunDate"
	stateLastSummary  = "lastSummarizeRun"
)

// minSummarizeInterval keeps the summarizer from re-firing every tick while
// the store hovers around the threshold.
const minSummarizeInterval = time.Hour

// dailyFoldAfter is the local wall-clock time after which the daily-note
// fold may run.
var dailyFoldAfter = 5 * time.Minute // 00:05

const integratePrompt = `You distill chat transcripts into durable long-term memory.
From the conversation below, extract facts worth remembering across sessions:
preferences, biographical details, ongoing projects, commitments, corrections.
Output one fact per line as "- <fact>". Output nothing if there is nothing durable.`

const summarizePrompt = `The long-term memory below has grown too large.
Rewrite it as a shorter list that preserves every durable fact, merging
duplicates and dropping chit-chat. Keep the earliest date of merged lines.
Output only "- [YYYY-MM-DD] <fact>" lines.`

const dailyFoldPrompt = `Below is yesterday's daily activity note.
Extract the facts that remain relevant beyond that day, one per line as
"- <fact>". Output nothing if the note holds no durable facts.`

// Jobs runs the automatic memory pipeline. Both entry points are invoked by
// the scheduler's system jobs and must tolerate repeated calls.
type Jobs struct {
	db       *store.DB
	memory   *Manager
	provider providers.Provider
	model    string

	scope   string
	agentID string

	lookback    time.Duration
	maxMessages int
}

func NewJobs(db *store.DB, mgr *Manager, provider providers.Provider, model string) *Jobs {
	return &Jobs{
		db:          db,
		memory:      mgr,
		provider:    provider,
		model:       model,
		scope:       "global",
		lookback:    time.Hour,
		maxMessages: 100,
	}
}

// WithLookback overrides the integration window.
func (j *Jobs) WithLookback(d time.Duration, maxMessages int) *Jobs {
	if d > 0 {
		j.lookback = d
	}
	if maxMessages > 0 {
		j.maxMessages = maxMessages
	}
	return j
}

// Integrate distills recent conversation into long-term memory: pull
// user/assistant turns from the lookback window (subagent sessions
// excluded), ask the model for "- fact" lines, drop facts already contained
// in memory, append the rest.
func (j *Jobs) Integrate(ctx context.Context) error {
	msgs, err := j.db.RecentConversation(time.Now().Add(-j.lookback), j.maxMessages,
		[]string{sessions.SubagentPrefix})
	if err != nil {
		return fmt.Errorf("memory integrate: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	var transcript strings.Builder
	for _, m := range msgs {
		transcript.WriteString(m.Role)
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteByte('\n')
	}

	resp, err := j.provider.Chat(ctx, providers.ChatRequest{
		Model: j.model,
		Messages: []providers.Message{
			{Role: "system", Content: integratePrompt},
			{Role: "user", Content: transcript.String()},
		},
	})
	if err != nil {
		return fmt.Errorf("memory integrate: %w", err)
	}

	facts := ParseEntries(resp.Content)
	if len(facts) == 0 {
		return nil
	}

	existing, err := j.db.GetMemories(j.scope, j.agentID, 0, 0)
	if err != nil {
		return fmt.Errorf("memory integrate: %w", err)
	}

	today := time.Now().Format("2006-01-02")
	var fresh []store.MemoryEntry
	for _, f := range facts {
		if containsFact(existing, f.Content) {
			continue
		}
		fresh = append(fresh, store.MemoryEntry{
			AgentID:    j.agentID,
			Scope:      j.scope,
			Content:    f.Content,
			EntryDate:  today,
			SourceType: "auto",
		})
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := j.memory.RememberBatch(fresh); err != nil {
		return fmt.Errorf("memory integrate: %w", err)
	}
	slog.Info("memory.integrate.appended", "facts", len(fresh), "scanned", len(msgs))
	return nil
}

// Maintain keeps memory bounded. It summarizes when the read thresholds are
// exceeded (at most once per minSummarizeInterval) and, once per day after
// 00:05 local time, folds unprocessed daily notes into long-term memory.
func (j *Jobs) Maintain(ctx context.Context) error {
	if err := j.summarizeIfOversized(ctx); err != nil {
		slog.Warn("memory.maintain.summarize_failed", "error", err)
	}
	return j.dailyFold(ctx, time.Now())
}

func (j *Jobs) summarizeIfOversized(ctx context.Context) error {
	entries, err := j.db.GetMemories(j.scope, j.agentID, 0, 0)
	if err != nil {
		return err
	}
	total := 0
	for _, e := range entries {
		total += len(e.Content)
	}
	caps := j.memory.readCaps
	if len(entries) <= caps.MaxEntries && total <= caps.MaxBytes {
		return nil
	}
	if last := j.db.GetState(stateLastSummary); last != "" {
		if t, err := time.Parse(time.RFC3339, last); err == nil && time.Since(t) < minSummarizeInterval {
			return nil
		}
	}

	resp, err := j.provider.Chat(ctx, providers.ChatRequest{
		Model: j.model,
		Messages: []providers.Message{
			{Role: "system", Content: summarizePrompt},
			{Role: "user", Content: FormatEntries(entries)},
		},
	})
	if err != nil {
		return err
	}
	summarized := ParseEntries(resp.Content)
	if len(summarized) == 0 || len(summarized) >= len(entries) {
		// A bad summary must not wipe or grow the store.
		return nil
	}
	for i := range summarized {
		summarized[i].SourceType = "summary"
	}
	if err := j.db.ReplaceMemories(j.scope, j.agentID, summarized); err != nil {
		return err
	}
	if err := j.db.SetState(stateLastSummary, time.Now().Format(time.RFC3339)); err != nil {
		return err
	}
	slog.Info("memory.maintain.summarized", "before", len(entries), "after", len(summarized))
	return nil
}

func (j *Jobs) dailyFold(ctx context.Context, now time.Time) error {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if now.Sub(midnight) < dailyFoldAfter {
		return nil
	}
	today := now.Format("2006-01-02")
	if j.db.GetState(stateLastDailyRun) == today {
		return nil
	}

	notes, err := j.db.GetUnprocessedDailyNotes(today)
	if err != nil {
		return fmt.Errorf("memory daily fold: %w", err)
	}
	for _, note := range notes {
		resp, err := j.provider.Chat(ctx, providers.ChatRequest{
			Model: j.model,
			Messages: []providers.Message{
				{Role: "system", Content: dailyFoldPrompt},
				{Role: "user", Content: note.Content},
			},
		})
		if err != nil {
			return fmt.Errorf("memory daily fold: %w", err)
		}
		facts := ParseEntries(resp.Content)
		var batch []store.MemoryEntry
		for _, f := range facts {
			batch = append(batch, store.MemoryEntry{
				AgentID:    note.AgentID,
				Scope:      note.Scope,
				Content:    f.Content,
				EntryDate:  note.Date,
				SourceType: "daily_note",
			})
		}
		if len(batch) > 0 {
			if err := j.memory.RememberBatch(batch); err != nil {
				return fmt.Errorf("memory daily fold: %w", err)
			}
		}
		if err := j.db.MarkDailyNoteProcessed(note.ID); err != nil {
			return fmt.Errorf("memory daily fold: %w", err)
		}
		slog.Info("memory.daily_fold.processed", "date", note.Date, "facts", len(batch))
	}

	return j.db.SetState(stateLastDailyRun, today)
}

// containsFact reports whether the fact is already covered by an existing
// entry, in either containment direction.
func containsFact(existing []store.MemoryEntry, fact string) bool {
	needle := strings.ToLower(fact)
	for _, e := range existing {
		have := strings.ToLower(e.Content)
		if strings.Contains(have, needle) || strings.Contains(needle, have) {
			return true
		}
	}
	return false
}
