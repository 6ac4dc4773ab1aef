package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"reelforge/internal/channels"
	"reelforge/internal/faults"
	"reelforge/internal/jobs"
	"reelforge/internal/recurrence"
	"reelforge/internal/task/engine"
	logx "reelforge/pkg/logx"
)

// pass is the state of one run while it executes. run is only touched by
// the goroutine driving the pass; event may also be called from a
// background pipeline.
type pass struct {
	o     *Orchestrator
	run   Run
	async bool
	log   logx.Logger

	mu  sync.Mutex
	seq int
}

func (p *pass) event(ctx context.Context, level Level, step, channelID, jobID string, details map[string]any) {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	_, err := p.o.audit.Append(ctx, Event{
		RunID:     p.run.ID,
		Seq:       seq,
		Level:     level,
		Step:      step,
		ChannelID: channelID,
		JobID:     jobID,
		Details:   details,
	})
	if err != nil {
		p.log.Warn("audit event not written", logx.String("step", step), logx.Err(err))
	}
}

func (p *pass) fail(ctx context.Context, channelID string, err error) {
	p.run.ErrorsCount++
	p.log.Error("channel failed", logx.String("channel", channelID), logx.String("code", faults.Code(err)), logx.Err(err))
	p.event(context.WithoutCancel(ctx), LevelError, "channel_failed", channelID, "", map[string]any{
		"code":  faults.Code(err),
		"error": err.Error(),
	})
}

// channel handles one channel inside the pass. Panics are turned into
// errors so one channel cannot abort the pass.
func (p *pass) channel(ctx context.Context, ch channels.Channel, force bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	o := p.o
	now := o.clock.Now()

	if lease := ch.Lease(); lease.Expired(now, o.cfg.StaleLeaseAfter) {
		cleared, err := o.channels.ResetLease(ctx, ch.ID, "")
		if err != nil {
			return errors.Wrap(err, "clear stuck lease")
		}
		if cleared {
			p.run.FlagsRecovered++
			details := map[string]any{"previousRunId": lease.HolderID}
			if lease.AcquiredAt != nil {
				details["heldSince"] = lease.AcquiredAt.UTC().Format(time.RFC3339)
			}
			p.log.Warn("stuck channel lease cleared", logx.String("channel", ch.ID), logx.String("holder", lease.HolderID))
			p.event(ctx, LevelWarn, "flag_recovered", ch.ID, "", details)
		}
		if ch, err = o.channels.Get(ctx, ch.ID); err != nil {
			return err
		}
	}

	active, err := o.jobs.ActiveCount(ctx, ch.ID)
	if err != nil {
		return errors.Wrap(err, "count active jobs")
	}
	sched := ScheduleOf(ch)
	if force {
		sched.Enabled = true
	}
	dec, err := recurrence.ShouldFire(recurrence.Input{Schedule: sched, ActiveJobs: active, Settings: o.cfg.Windows}, now)
	if err != nil {
		return faults.Config("channel %s: %v", ch.ID, err)
	}
	check := Check{
		ChannelID:   ch.ID,
		Reason:      dec.Reason,
		Fire:        dec.Fire,
		Slot:        dec.Slot,
		Yesterday:   dec.Yesterday,
		Diagnostics: dec.Diagnostics,
	}
	if force && !dec.Fire && (dec.Reason == recurrence.ReasonTimeNotMatched || dec.Reason == recurrence.ReasonDayNotAllowed) {
		check.Fire, check.Forced, check.Reason = true, true, recurrence.ReasonOK
	}
	p.run.Checks = append(p.run.Checks, check)
	p.event(ctx, LevelInfo, "check", ch.ID, "", map[string]any{
		"reason":      string(check.Reason),
		"fire":        check.Fire,
		"forced":      check.Forced,
		"slot":        check.Slot,
		"yesterday":   check.Yesterday,
		"diagnostics": check.Diagnostics,
	})
	if !check.Fire {
		return nil
	}

	lastRunAt := now
	if !check.Forced {
		if at, err := recurrence.SlotInstant(dec, ch.Automation.TimeZone, now); err == nil {
			lastRunAt = at
		}
	}
	return p.fire(ctx, ch, check, lastRunAt)
}

func (p *pass) fire(ctx context.Context, ch channels.Channel, check Check, lastRunAt time.Time) error {
	o := p.o
	holder := p.run.ID
	now := o.clock.Now()

	prev := ch.Automation.LastRunAt
	leased, err := o.channels.AcquireLease(ctx, ch.ID, holder, now, o.cfg.StaleLeaseAfter, &lastRunAt)
	if errors.Is(err, channels.ErrLeaseHeld) {
		last := &p.run.Checks[len(p.run.Checks)-1]
		last.Fire, last.Reason = false, recurrence.ReasonAlreadyRunning
		p.event(ctx, LevelInfo, "lease_held", ch.ID, "", map[string]any{"error": err.Error()})
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "acquire lease")
	}
	ch = leased

	o.step(ctx, ch.ID, "generating_prompt")
	prompt, title, err := o.prompt(ctx, ch, now)
	if err != nil {
		return p.release(ctx, ch, channels.Outcome{Status: channels.StatusError, Message: err.Error(), Unclaim: true, PrevLastRunAt: prev}, err)
	}

	o.step(ctx, ch.ID, "creating_job")
	job, err := o.jobs.Create(ctx, jobs.CreateRequest{
		Prompt:    prompt,
		Title:     title,
		ChannelID: ch.ID,
		RunID:     holder,
		IsAuto:    true,
		Metadata: map[string]any{
			"trigger":   string(p.run.Trigger),
			"slot":      check.Slot,
			"yesterday": check.Yesterday,
			"forced":    check.Forced,
		},
	})
	if errors.Is(err, faults.ErrCapacityExceeded) {
		p.event(ctx, LevelWarn, "capacity_reached", ch.ID, "", map[string]any{"error": err.Error()})
		return p.release(ctx, ch, channels.Outcome{Status: channels.StatusIdle, Message: err.Error(), Unclaim: true, PrevLastRunAt: prev}, nil)
	}
	if err != nil {
		return p.release(ctx, ch, channels.Outcome{Status: channels.StatusError, Message: err.Error(), Unclaim: true, PrevLastRunAt: prev}, err)
	}

	p.run.JobsCreated++
	p.run.Created = append(p.run.Created, Created{ChannelID: ch.ID, JobID: job.ID, Status: string(job.Status)})
	p.event(ctx, LevelInfo, "job_created", ch.ID, job.ID, map[string]any{"title": job.Title})
	o.step(ctx, ch.ID, "generating_video")

	if p.async {
		return p.handOff(ctx, ch, job, lastRunAt)
	}
	j, perr := o.pipeline.Run(ctx, job.ID)
	if j.Status != "" {
		p.run.Created[len(p.run.Created)-1].Status = string(j.Status)
	}
	return p.settle(ctx, ch, j, job.ID, lastRunAt, perr)
}

// handOff runs the pipeline on the executor. If the executor refuses the
// job is cancelled and the lease released.
func (p *pass) handOff(ctx context.Context, ch channels.Channel, job jobs.Job, lastRunAt time.Time) error {
	o := p.o
	_, err := o.exec.Enqueue(PipelineTask(job.ID, o.cfg.PipelineTimeout, func(ctx context.Context) error {
		j, perr := o.pipeline.Run(ctx, job.ID)
		return p.settle(ctx, ch, j, job.ID, lastRunAt, perr)
	}))
	if err == nil {
		return nil
	}
	err = errors.Wrap(err, "hand off pipeline")
	if _, cerr := o.jobs.Cancel(context.WithoutCancel(ctx), job.ID); cerr != nil {
		err = faults.Guard(err, cerr)
	}
	return p.release(ctx, ch, channels.Outcome{Status: channels.StatusError, Message: err.Error()}, err)
}

// settle records the pipeline outcome on the channel and releases the
// lease. lastRunAt was stamped on acquire and stays whatever the outcome,
// so a failed slot does not fire again.
func (p *pass) settle(ctx context.Context, ch channels.Channel, j jobs.Job, jobID string, lastRunAt time.Time, perr error) error {
	o := p.o
	ctx = context.WithoutCancel(ctx)

	sched := ScheduleOf(ch)
	sched.LastRunAt = &lastRunAt
	var out channels.Outcome
	if next, err := recurrence.NextFireInstant(sched, o.clock.Now()); err == nil {
		out.NextRunAt = next
	}

	details := map[string]any{"status": string(j.Status)}
	level := LevelInfo
	switch {
	case perr == nil:
		out.Status = channels.StatusSuccess
		out.Message = "job " + jobID + " " + string(j.Status)
	case errors.Is(perr, faults.ErrMatchTimeout):
		out.Status = channels.StatusError
		out.Message = "no video arrived in time"
		level = LevelWarn
		details["error"] = perr.Error()
	default:
		out.Status = channels.StatusError
		out.Message = perr.Error()
		level = LevelError
		details["code"] = faults.Code(perr)
		details["error"] = perr.Error()
	}
	p.event(ctx, level, "job_finished", ch.ID, jobID, details)
	return p.release(ctx, ch, out, perr)
}

func (p *pass) release(ctx context.Context, ch channels.Channel, out channels.Outcome, cause error) error {
	_, err := p.o.channels.ReleaseLease(context.WithoutCancel(ctx), ch.ID, p.run.ID, out)
	if err == nil {
		return cause
	}
	err = errors.Wrap(err, "release lease")
	if cause != nil {
		return faults.Guard(cause, err)
	}
	return err
}

func (o *Orchestrator) step(ctx context.Context, channelID, step string) {
	if err := o.channels.SetStep(ctx, channelID, step); err != nil {
		o.log.Debug("channel step not recorded", logx.String("channel", channelID), logx.Err(err))
	}
}

// PipelineTask wraps run as an executor task keyed by job. A job's
// pipeline never runs twice at once and is never retried by the executor;
// the job's own retry path owns that.
func PipelineTask(jobID string, timeout time.Duration, run func(context.Context) error) engine.Task {
	return engine.Task{
		Name:    "pipeline",
		Key:     "job:" + jobID,
		Timeout: timeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		Run:     run,
	}
}
