package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"reelforge/internal/clock"
	"reelforge/internal/recurrence"
	"reelforge/internal/storage"
)

const (
	RunCollection   = "runs"
	EventCollection = "events"
)

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunError   RunStatus = "error"
)

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerReset     Trigger = "reset"
)

// Check is the recurrence outcome for one channel in one run.
type Check struct {
	ChannelID   string                 `json:"channelId"`
	Reason      recurrence.Reason      `json:"reason"`
	Fire        bool                   `json:"fire"`
	Forced      bool                   `json:"forced,omitempty"`
	Slot        string                 `json:"slot,omitempty"`
	Yesterday   bool                   `json:"yesterday,omitempty"`
	Diagnostics recurrence.Diagnostics `json:"diagnostics"`
}

// Created summarizes a job a run fired.
type Created struct {
	ChannelID string `json:"channelId"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
}

type Run struct {
	ID                string    `json:"id"`
	Trigger           Trigger   `json:"trigger"`
	StartedAt         time.Time `json:"startedAt"`
	FinishedAt        time.Time `json:"finishedAt"`
	Status            RunStatus `json:"status"`
	ChannelsPlanned   int       `json:"channelsPlanned"`
	ChannelsProcessed int       `json:"channelsProcessed"`
	JobsCreated       int       `json:"jobsCreated"`
	ErrorsCount       int       `json:"errorsCount"`
	FlagsRecovered    int       `json:"flagsRecovered"`
	Checks            []Check   `json:"checks"`
	Created           []Created `json:"created"`
	DurationMs        int64     `json:"durationMs"`
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one append-only audit entry. Seq orders events of the same run
// that share a timestamp.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"runId"`
	Seq       int            `json:"seq"`
	CreatedAt time.Time      `json:"createdAt"`
	Level     Level          `json:"level"`
	Step      string         `json:"step"`
	ChannelID string         `json:"channelId,omitempty"`
	JobID     string         `json:"jobId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Audit persists runs and their events.
type Audit struct {
	store storage.Store
	clock clock.Clock
}

func NewAudit(store storage.Store, clk clock.Clock) *Audit {
	if clk == nil {
		clk = clock.System{}
	}
	return &Audit{store: store, clock: clk}
}

// Append writes e. ID and CreatedAt are filled when empty.
func (a *Audit) Append(ctx context.Context, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.clock.Now().UTC()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if err := storage.CreateJSON(ctx, a.store, EventCollection, e.ID, e); err != nil {
		return Event{}, errors.Wrapf(err, "append event %s", e.Step)
	}
	return e, nil
}

func (a *Audit) SaveRun(ctx context.Context, r Run) error {
	return storage.PutJSON(ctx, a.store, RunCollection, r.ID, r)
}

func (a *Audit) GetRun(ctx context.Context, id string) (Run, error) {
	return storage.GetJSON[Run](ctx, a.store, RunCollection, id)
}

// ListRuns returns runs newest first. limit <= 0 returns all.
func (a *Audit) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	runs, err := storage.QueryJSON[Run](ctx, a.store, RunCollection)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListEvents returns the events of one run in the order they were written.
func (a *Audit) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	evs, err := storage.QueryJSON[Event](ctx, a.store, EventCollection, storage.Eq("runId", runID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].CreatedAt.Equal(evs[j].CreatedAt) {
			return evs[i].CreatedAt.Before(evs[j].CreatedAt)
		}
		return evs[i].Seq < evs[j].Seq
	})
	return evs, nil
}

// PurgeJob deletes every event that references jobID.
func (a *Audit) PurgeJob(ctx context.Context, jobID string) (int, error) {
	recs, err := a.store.Query(ctx, EventCollection, storage.Eq("jobId", jobID))
	if err != nil {
		return 0, err
	}
	n := 0
	var errs error
	for _, r := range recs {
		err := a.store.Delete(ctx, EventCollection, r.ID)
		switch {
		case err == nil:
			n++
		case errors.Is(err, storage.ErrNotFound):
		default:
			errs = errors.CombineErrors(errs, err)
		}
	}
	return n, errs
}
