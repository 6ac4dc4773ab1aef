package jobs

import (
	"context"

	"github.com/cockroachdb/errors"

	"reelforge/internal/faults"
	"reelforge/internal/matcher"
	logx "reelforge/pkg/logx"
)

// Matcher runs the request/response exchange with the generation worker.
type Matcher interface {
	Run(ctx context.Context, req matcher.Request) (matcher.Result, error)
}

// Pipeline drives one queued job through generation to ready and, when
// the channel opted in, through upload.
type Pipeline struct {
	jobs    *Manager
	matcher Matcher
	log     logx.Logger
}

func NewPipeline(jobs *Manager, m Matcher, log logx.Logger) *Pipeline {
	return &Pipeline{jobs: jobs, matcher: m, log: log}
}

// Run blocks until the job settles. A job cancelled mid-flight returns
// its current record without error. A job deleted mid-flight returns a
// DataIntegrityError and nothing further is written.
func (p *Pipeline) Run(ctx context.Context, jobID string) (Job, error) {
	log := p.log.With(logx.String("job", jobID))

	j, err := p.jobs.Advance(ctx, jobID, Transition{To: StatusSending})
	if err != nil {
		return j, err
	}

	res, err := p.matcher.Run(ctx, matcher.Request{
		JobID:              j.ID,
		Prompt:             j.PromptText,
		ExistingRequestRef: j.ExternalRequestRef,
		Excluded:           p.jobs.DeliverableRefs,
		BeforePoll:         p.stillWaiting(jobID),
		OnDispatched: func(ctx context.Context, ref string) error {
			_, err := p.jobs.Advance(ctx, jobID, Transition{To: StatusWaitingResponse, Patch: func(j *Job) {
				j.ExternalRequestRef = ref
			}})
			return err
		},
		OnMatched: func(ctx context.Context, m matcher.Match) error {
			_, err := p.jobs.Advance(ctx, jobID, Transition{To: StatusDownloading, Patch: func(j *Job) {
				j.ExternalDeliverableRef = m.DeliverableID
				j.MatchingMethod = string(m.Method)
			}})
			if err != nil {
				// The job moved on while we were matching; give the
				// deliverable back.
				if _, rerr := p.jobs.ledger.ReleaseJob(context.WithoutCancel(ctx), jobID); rerr != nil {
					err = faults.Guard(err, rerr)
				}
			}
			return err
		},
	})
	if err != nil {
		return p.fail(ctx, log, jobID, err)
	}

	j, err = p.jobs.Advance(ctx, jobID, Transition{To: StatusReady, Patch: func(j *Job) {
		j.ResultArtifactPath = res.ArtifactPath
		j.ResultSize = res.Size
	}})
	if err != nil {
		return p.fail(ctx, log, jobID, err)
	}
	log.Info("job ready", logx.String("artifact", j.ResultArtifactPath), logx.String("method", j.MatchingMethod))

	out, attempted, err := p.jobs.AutoApprove(ctx, j)
	if err != nil {
		// The job is back in ready; the operator can approve it by hand.
		log.Warn("auto-approval failed", logx.Err(err))
		return out, nil
	}
	if attempted {
		log.Info("job auto-approved", logx.String("remote_file", out.RemoteFileID))
	}
	return out, nil
}

// stillWaiting stops the matcher once the job left waiting_response.
func (p *Pipeline) stillWaiting(jobID string) func(context.Context) error {
	return func(ctx context.Context) error {
		j, err := p.jobs.Get(ctx, jobID)
		if errors.Is(err, faults.ErrNotFound) {
			return faults.Integrity("job %s vanished while waiting for its deliverable", jobID)
		}
		if err != nil {
			return err
		}
		if j.Status != StatusWaitingResponse {
			return errors.Wrapf(matcher.ErrCancelled, "job %s is %s", jobID, j.Status)
		}
		return nil
	}
}

func (p *Pipeline) fail(ctx context.Context, log logx.Logger, jobID string, cause error) (Job, error) {
	switch {
	case errors.Is(cause, faults.ErrDataIntegrity):
		log.Warn("job vanished mid-pipeline", logx.Err(cause))
		return Job{ID: jobID}, cause
	case errors.Is(cause, matcher.ErrCancelled), errors.Is(cause, ErrIllegalTransition):
		j, err := p.jobs.Get(ctx, jobID)
		if err == nil && (j.Status == StatusCancelled || j.Status.Terminal()) {
			log.Info("job left the pipeline", logx.String("status", string(j.Status)))
			return j, nil
		}
	}

	to := StatusError
	if errors.Is(cause, faults.ErrMatchTimeout) {
		to = StatusTimeout
	}
	// Record the outcome even if the caller's context is already done.
	wctx := context.WithoutCancel(ctx)
	j, err := p.jobs.Advance(wctx, jobID, Transition{To: to, Cause: cause.Error()})
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			return Job{ID: jobID}, faults.Guard(faults.Integrity("job %s vanished mid-pipeline", jobID), cause)
		}
		return j, faults.Guard(cause, err)
	}
	log.Warn("job failed", logx.String("status", string(to)), logx.Err(cause))
	return j, cause
}
