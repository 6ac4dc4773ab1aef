// Package matcher correlates a request sent to the generation worker with
// the video the worker later posts back.
//
// Replies are polled from the worker chat. A reply that references the
// request message wins outright; otherwise the earliest reply after the
// request inside the heuristic window is taken. Every claim goes through
// the reservation ledger so one deliverable is never attached to two jobs.
package matcher

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/cockroachdb/errors"

	"reelforge/internal/clock"
	"reelforge/internal/faults"
	"reelforge/internal/transport"
	logx "reelforge/pkg/logx"
)

// ErrCancelled is returned when the job left the waiting state while the
// matcher was polling for it.
var ErrCancelled = errors.New("match cancelled")

// Reserver is the reservation ledger seen from the matcher.
type Reserver interface {
	Reserve(ctx context.Context, deliverableID, jobID, method string) error
	ClaimedIDs(ctx context.Context) (map[string]string, error)
}

// ArtifactStore keeps downloaded deliverables.
type ArtifactStore interface {
	Put(relPath string, r io.Reader) (string, int64, error)
	Remove(relPath string) (bool, error)
}

type Config struct {
	Peer            transport.Peer
	PollInterval    time.Duration
	Timeout         time.Duration
	HeuristicWindow time.Duration
	RecentLimit     int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Minute
	}
	if c.HeuristicWindow <= 0 {
		c.HeuristicWindow = 20 * time.Minute
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 50
	}
	return c
}

// Match is a reserved deliverable before download.
type Match struct {
	DeliverableID string
	Method        Method
}

// Request describes one job's matching run. The callbacks let the job
// lifecycle react without this package knowing about jobs.
type Request struct {
	JobID  string
	Prompt string
	// ExistingRequestRef skips dispatch and keeps waiting on an earlier request.
	ExistingRequestRef string

	// Excluded returns deliverable ids already recorded on jobs.
	Excluded func(ctx context.Context) (map[string]bool, error)
	// BeforePoll runs before every poll; a non-nil error stops matching.
	BeforePoll   func(ctx context.Context) error
	OnDispatched func(ctx context.Context, requestRef string) error
	OnMatched    func(ctx context.Context, m Match) error
}

type Result struct {
	RequestRef    string
	DeliverableID string
	Method        Method
	ArtifactPath  string
	Size          int64
}

type Matcher struct {
	ch     transport.GenerationChannel
	ledger Reserver
	blobs  ArtifactStore
	clock  clock.Clock
	log    logx.Logger

	cfg Config
}

func New(ch transport.GenerationChannel, ledger Reserver, blobs ArtifactStore, clk clock.Clock, cfg Config, log logx.Logger) *Matcher {
	if clk == nil {
		clk = clock.System{}
	}
	return &Matcher{ch: ch, ledger: ledger, blobs: blobs, clock: clk, cfg: cfg.withDefaults(), log: log}
}

// Run dispatches the prompt (unless a request already exists), waits for
// the worker's reply, reserves and downloads it.
func (m *Matcher) Run(ctx context.Context, req Request) (Result, error) {
	log := m.log.With(logx.String("job", req.JobID))
	res := Result{RequestRef: req.ExistingRequestRef}

	if res.RequestRef == "" {
		ref, err := m.ch.Dispatch(ctx, m.cfg.Peer, req.Prompt)
		if err != nil {
			return res, err
		}
		res.RequestRef = ref
		log.Info("request dispatched", logx.String("request_ref", ref))
	} else {
		log.Info("reusing existing request", logx.String("request_ref", res.RequestRef))
	}
	if req.OnDispatched != nil {
		if err := req.OnDispatched(ctx, res.RequestRef); err != nil {
			return res, err
		}
	}

	match, err := m.poll(ctx, req, res.RequestRef, log)
	if err != nil {
		return res, err
	}
	res.DeliverableID, res.Method = match.msg.ID, match.method

	if req.OnMatched != nil {
		if err := req.OnMatched(ctx, Match{DeliverableID: match.msg.ID, Method: match.method}); err != nil {
			return res, err
		}
	}

	res.ArtifactPath, res.Size, err = m.download(ctx, req.JobID, match.msg)
	if err != nil {
		return res, err
	}
	log.Info("deliverable stored",
		logx.String("deliverable", res.DeliverableID),
		logx.String("method", string(res.Method)),
		logx.Int64("size", res.Size),
	)
	return res, nil
}

type found struct {
	msg    transport.Message
	method Method
}

func (m *Matcher) poll(ctx context.Context, req Request, requestRef string, log logx.Logger) (found, error) {
	started := time.Now()
	deadline := started.Add(m.cfg.Timeout)
	skip := map[string]bool{}

	for {
		if req.BeforePoll != nil {
			if err := req.BeforePoll(ctx); err != nil {
				return found{}, err
			}
		}

		f, ok, err := m.attempt(ctx, req, requestRef, skip, log)
		if err != nil {
			return found{}, err
		}
		if ok {
			return f, nil
		}

		wait := m.cfg.PollInterval
		if remaining := time.Until(deadline); remaining <= 0 {
			return found{}, faults.MatchTimeout(req.JobID, time.Since(started).Round(time.Second))
		} else if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return found{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// attempt runs one poll. Reservation conflicts add the id to skip and try
// the next candidate.
func (m *Matcher) attempt(ctx context.Context, req Request, requestRef string, skip map[string]bool, log logx.Logger) (found, bool, error) {
	msgs, err := m.ch.ListRecent(ctx, m.cfg.Peer, m.cfg.RecentLimit)
	if err != nil {
		log.Warn("listing worker replies failed", logx.Err(err))
		return found{}, false, nil
	}
	cands := candidates(msgs, m.cfg.Peer)
	if len(cands) == 0 {
		return found{}, false, nil
	}

	excluded, err := m.excluded(ctx, req)
	if err != nil {
		return found{}, false, err
	}
	for id := range skip {
		excluded[id] = true
	}

	now := m.clock.Now()
	for {
		msg, ok := MatchExplicit(cands, requestRef, excluded)
		method := MethodExplicit
		if !ok {
			msg, ok = MatchHeuristic(cands, requestRef, now, m.cfg.HeuristicWindow, excluded)
			method = MethodHeuristic
		}
		if !ok {
			return found{}, false, nil
		}

		err := m.ledger.Reserve(ctx, msg.ID, req.JobID, string(method))
		if err == nil {
			return found{msg: msg, method: method}, true, nil
		}
		if !errors.Is(err, faults.ErrConflict) {
			return found{}, false, err
		}
		log.Debug("deliverable already claimed", logx.String("deliverable", msg.ID))
		excluded[msg.ID] = true
		skip[msg.ID] = true
	}
}

func (m *Matcher) excluded(ctx context.Context, req Request) (map[string]bool, error) {
	claimed, err := m.ledger.ClaimedIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(claimed))
	for id := range claimed {
		out[id] = true
	}
	if req.Excluded != nil {
		onJobs, err := req.Excluded(ctx)
		if err != nil {
			return nil, err
		}
		for id := range onJobs {
			out[id] = true
		}
	}
	return out, nil
}

// candidates keeps video replies from the worker.
func candidates(msgs []transport.Message, peer transport.Peer) []transport.Message {
	out := msgs[:0:0]
	for _, msg := range msgs {
		if !msg.HasVideo {
			continue
		}
		if peer.SenderID != 0 && msg.SenderID != peer.SenderID {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (m *Matcher) download(ctx context.Context, jobID string, msg transport.Message) (string, int64, error) {
	rc, err := m.ch.Download(ctx, msg)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	rel := path.Join("jobs", jobID, fmt.Sprintf("%s%s", msg.ID, extFor(msg.MimeType)))
	stored, n, err := m.blobs.Put(rel, rc)
	if err != nil {
		return "", 0, faults.Transient(err, "store deliverable")
	}
	if n == 0 {
		_, _ = m.blobs.Remove(stored)
		return "", 0, faults.Transient(nil, fmt.Sprintf("deliverable %s downloaded empty", msg.ID))
	}
	return stored, n, nil
}

func extFor(mime string) string {
	switch mime {
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	case "image/gif":
		return ".gif"
	default:
		return ".mp4"
	}
}
