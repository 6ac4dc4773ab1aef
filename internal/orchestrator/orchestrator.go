// Package orchestrator runs scheduled and manual passes over the channels:
// it asks the recurrence engine whether each channel is due, fires a job
// through the lifecycle manager and the generation pipeline, and records
// every decision in an append-only audit log.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"reelforge/internal/channels"
	"reelforge/internal/clock"
	"reelforge/internal/eventbus"
	"reelforge/internal/faults"
	"reelforge/internal/ideas"
	"reelforge/internal/jobs"
	"reelforge/internal/recurrence"
	"reelforge/internal/task/engine"
	logx "reelforge/pkg/logx"
)

// ErrPassInProgress is returned by RunScheduled while another scheduled pass
// is running in this process.
var ErrPassInProgress = errors.Mark(errors.New("a scheduled pass is already running"), faults.ErrConflict)

// Generator produces prompt ideas for channels without a prompt template.
type Generator interface {
	Generate(ctx context.Context, ch channels.Channel) ([]ideas.Idea, error)
}

// Pipeline drives one queued job until it settles.
type Pipeline interface {
	Run(ctx context.Context, jobID string) (jobs.Job, error)
}

// Executor runs manual pipelines off the caller's goroutine.
type Executor interface {
	Enqueue(t engine.Task) (string, error)
}

type Config struct {
	// StaleLeaseAfter is how old a held lease may get before a pass clears it.
	StaleLeaseAfter time.Duration
	Windows         recurrence.Settings
	// PipelineTimeout bounds a manual pipeline handed to the executor.
	PipelineTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleLeaseAfter <= 0 {
		c.StaleLeaseAfter = 30 * time.Minute
	}
	return c
}

type Deps struct {
	Channels *channels.Repo
	Jobs     *jobs.Manager
	Pipeline Pipeline
	Ideas    Generator // optional
	Audit    *Audit
	Executor Executor // optional; without it manual runs block
	Bus      eventbus.Bus
	Clock    clock.Clock
	Log      logx.Logger
}

type Orchestrator struct {
	cfg      Config
	channels *channels.Repo
	jobs     *jobs.Manager
	pipeline Pipeline
	ideas    Generator
	audit    *Audit
	exec     Executor
	bus      eventbus.Bus
	clock    clock.Clock
	log      logx.Logger

	passMu sync.Mutex
}

func New(d Deps, cfg Config) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		channels: d.Channels,
		jobs:     d.Jobs,
		pipeline: d.Pipeline,
		ideas:    d.Ideas,
		audit:    d.Audit,
		exec:     d.Executor,
		bus:      d.Bus,
		clock:    d.Clock,
		log:      d.Log,
	}
}

// Summary is what a pass reports to its caller.
type Summary struct {
	RunID             string    `json:"runId"`
	Trigger           Trigger   `json:"trigger"`
	Status            RunStatus `json:"status"`
	ChannelsPlanned   int       `json:"channelsPlanned"`
	ChannelsProcessed int       `json:"channelsProcessed"`
	JobsCreated       int       `json:"jobsCreated"`
	ErrorsCount       int       `json:"errorsCount"`
	FlagsRecovered    int       `json:"flagsRecovered"`
	DurationMs        int64     `json:"durationMs"`
	Checks            []Check   `json:"checks,omitempty"`
	Created           []Created `json:"created,omitempty"`
}

// RunScheduled evaluates every enabled channel once. Channels are handled
// one after another and each fired pipeline runs to completion before the
// next channel. A failing channel is counted and logged; it never aborts
// the pass.
func (o *Orchestrator) RunScheduled(ctx context.Context) (Summary, error) {
	if !o.passMu.TryLock() {
		return Summary{}, ErrPassInProgress
	}
	defer o.passMu.Unlock()

	p := o.begin(TriggerScheduled, false)
	all, err := o.channels.List(ctx)
	if err != nil {
		return Summary{}, errors.Wrap(err, "list channels")
	}
	enabled := all[:0:0]
	for _, ch := range all {
		if ch.Automation.Enabled {
			enabled = append(enabled, ch)
		}
	}
	p.run.ChannelsPlanned = len(enabled)
	p.event(ctx, LevelInfo, "run_started", "", "", map[string]any{"channels": len(all), "enabled": len(enabled)})

	for _, ch := range enabled {
		if ctx.Err() != nil {
			p.event(ctx, LevelWarn, "run_aborted", "", "", map[string]any{"error": ctx.Err().Error()})
			break
		}
		p.run.ChannelsProcessed++
		if err := p.channel(ctx, ch, false); err != nil {
			p.fail(ctx, ch.ID, err)
		}
	}
	return o.finish(ctx, p), nil
}

// RunChannel evaluates one channel now. force skips the weekday and time
// window checks (and the enabled flag) but never the lease or the active
// job cap. With an executor the pipeline continues in the background and
// the summary reports the job as queued.
func (o *Orchestrator) RunChannel(ctx context.Context, channelID string, force bool) (Summary, error) {
	ch, err := o.channels.Get(ctx, channelID)
	if err != nil {
		return Summary{}, err
	}
	p := o.begin(TriggerManual, o.exec != nil)
	p.run.ChannelsPlanned = 1
	p.run.ChannelsProcessed = 1
	p.event(ctx, LevelInfo, "run_started", ch.ID, "", map[string]any{"force": force})
	if err := p.channel(ctx, ch, force); err != nil {
		p.fail(ctx, ch.ID, err)
	}
	s := o.finish(ctx, p)
	s.Checks = p.run.Checks
	return s, nil
}

// ResetFlags clears the lease on one channel, or on every channel holding
// one when channelID is empty.
func (o *Orchestrator) ResetFlags(ctx context.Context, channelID string) (Summary, error) {
	var list []channels.Channel
	if channelID != "" {
		ch, err := o.channels.Get(ctx, channelID)
		if err != nil {
			return Summary{}, err
		}
		list = []channels.Channel{ch}
	} else {
		all, err := o.channels.List(ctx)
		if err != nil {
			return Summary{}, errors.Wrap(err, "list channels")
		}
		list = all
	}

	p := o.begin(TriggerReset, false)
	p.run.ChannelsPlanned = len(list)
	for _, ch := range list {
		p.run.ChannelsProcessed++
		if !ch.Automation.IsRunning && ch.Automation.RunID == "" {
			continue
		}
		cleared, err := o.channels.ResetLease(ctx, ch.ID, "")
		if err != nil {
			p.fail(ctx, ch.ID, err)
			continue
		}
		if cleared {
			p.run.FlagsRecovered++
			p.event(ctx, LevelWarn, "flag_reset", ch.ID, "", map[string]any{"previousRunId": ch.Automation.RunID})
		}
	}
	return o.finish(ctx, p), nil
}

// UpdateAutomation applies u and recomputes nextRunAt in the same write.
func (o *Orchestrator) UpdateAutomation(ctx context.Context, id string, u channels.AutomationUpdate) (channels.Channel, error) {
	now := o.clock.Now()
	return o.channels.UpdateAutomation(ctx, id, u, now, func(c *channels.Channel) error {
		next, err := recurrence.NextFireInstant(ScheduleOf(*c), now)
		if err != nil {
			return faults.Invalid("automation: %v", err)
		}
		c.Automation.NextRunAt = next
		return nil
	})
}

func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	return o.audit.ListRuns(ctx, limit)
}

func (o *Orchestrator) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	return o.audit.ListEvents(ctx, runID)
}

// ScheduleOf is the recurrence view of a channel.
func ScheduleOf(ch channels.Channel) recurrence.Schedule {
	a := ch.Automation
	return recurrence.Schedule{
		Enabled:         a.Enabled,
		DaysOfWeek:      a.DaysOfWeek,
		Times:           a.Times,
		TimeZone:        a.TimeZone,
		MaxActiveTasks:  a.MaxActiveTasks,
		IntervalMinutes: a.IntervalMinutes,
		IsRunning:       a.IsRunning,
		LastRunAt:       a.LastRunAt,
	}
}

func (o *Orchestrator) begin(trigger Trigger, async bool) *pass {
	id := uuid.NewString()
	return &pass{
		o:     o,
		async: async,
		log:   o.log.With(logx.String("run", id), logx.String("trigger", string(trigger))),
		run: Run{
			ID:        id,
			Trigger:   trigger,
			StartedAt: o.clock.Now().UTC(),
			Checks:    []Check{},
			Created:   []Created{},
		},
	}
}

func (o *Orchestrator) finish(ctx context.Context, p *pass) Summary {
	r := &p.run
	r.FinishedAt = o.clock.Now().UTC()
	r.DurationMs = r.FinishedAt.Sub(r.StartedAt).Milliseconds()
	switch {
	case r.ErrorsCount == 0:
		r.Status = RunSuccess
	case r.JobsCreated == 0:
		r.Status = RunError
	default:
		r.Status = RunPartial
	}

	ctx = context.WithoutCancel(ctx)
	p.event(ctx, LevelInfo, "run_finished", "", "", map[string]any{
		"status":      string(r.Status),
		"jobsCreated": r.JobsCreated,
		"errors":      r.ErrorsCount,
	})
	if err := o.audit.SaveRun(ctx, *r); err != nil {
		p.log.Warn("run record not saved", logx.Err(err))
	}
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Time: r.FinishedAt, Data: eventbus.RunFinished{
			RunID:       r.ID,
			Trigger:     string(r.Trigger),
			Status:      string(r.Status),
			JobsCreated: r.JobsCreated,
			Errors:      r.ErrorsCount,
			Duration:    time.Duration(r.DurationMs) * time.Millisecond,
		}})
	}

	lvl := p.log.Info
	if r.ErrorsCount == 0 && r.JobsCreated == 0 {
		lvl = p.log.Debug
	}
	lvl("run finished",
		logx.String("status", string(r.Status)),
		logx.Int("processed", r.ChannelsProcessed),
		logx.Int("jobs", r.JobsCreated),
		logx.Int("errors", r.ErrorsCount),
		logx.Int("recovered", r.FlagsRecovered),
		logx.Int64("ms", r.DurationMs),
	)
	return Summary{
		RunID:             r.ID,
		Trigger:           r.Trigger,
		Status:            r.Status,
		ChannelsPlanned:   r.ChannelsPlanned,
		ChannelsProcessed: r.ChannelsProcessed,
		JobsCreated:       r.JobsCreated,
		ErrorsCount:       r.ErrorsCount,
		FlagsRecovered:    r.FlagsRecovered,
		DurationMs:        r.DurationMs,
		Created:           r.Created,
	}
}

// prompt returns the prompt and title for a fire of ch.
func (o *Orchestrator) prompt(ctx context.Context, ch channels.Channel, now time.Time) (string, string, error) {
	title := defaultTitle(ch, now)
	if t := strings.TrimSpace(ch.Automation.PromptTemplate); t != "" {
		return expandTemplate(t, ch, now), title, nil
	}
	if o.ideas == nil {
		return "", "", faults.Config("channel %s has no prompt template and no idea generator is configured", ch.ID)
	}
	list, err := o.ideas.Generate(ctx, ch)
	if err != nil {
		return "", "", errors.Wrap(err, "generate ideas")
	}
	if len(list) == 0 {
		return "", "", faults.Transient(nil, "idea generator returned no ideas")
	}
	idea := list[0]
	if strings.TrimSpace(idea.Title) != "" {
		title = idea.Title
	}
	return idea.Prompt, title, nil
}

func localDate(tz string, now time.Time) string {
	c, err := clock.LocalComponents(now, tz)
	if err != nil {
		return now.UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("%04d-%02d-%02d", c.Year, c.Month, c.Day)
}

func defaultTitle(ch channels.Channel, now time.Time) string {
	return ch.Name + " " + localDate(ch.Automation.TimeZone, now)
}

// expandTemplate fills {channel} and {date} in a channel prompt template.
func expandTemplate(t string, ch channels.Channel, now time.Time) string {
	return strings.NewReplacer(
		"{channel}", ch.Name,
		"{date}", localDate(ch.Automation.TimeZone, now),
	).Replace(t)
}
