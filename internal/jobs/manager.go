package jobs

import (
	"context"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"reelforge/internal/channels"
	"reelforge/internal/clock"
	"reelforge/internal/eventbus"
	"reelforge/internal/faults"
	"reelforge/internal/ledger"
	"reelforge/internal/storage"
	"reelforge/internal/upload"
	logx "reelforge/pkg/logx"
)

// ErrIllegalTransition is returned by Advance for an edge CanTransition
// rejects. It is marked faults.ErrConflict.
var ErrIllegalTransition = errors.Mark(errors.New("illegal job transition"), faults.ErrConflict)

// Uploader pushes a finished artifact to remote storage.
type Uploader interface {
	Upload(ctx context.Context, localPath, name, folderID string) (upload.Result, error)
}

// Blobs is the artifact store as seen by the lifecycle.
type Blobs interface {
	Abs(relPath string) (string, error)
	Remove(relPath string) (bool, error)
}

// EventPurger drops audit events that reference a job.
type EventPurger interface {
	PurgeJob(ctx context.Context, jobID string) (int, error)
}

type Config struct {
	// GlobalCap bounds active jobs that have no channel.
	GlobalCap  int
	StaleAfter time.Duration
	// MaxAttempts bounds Retry.
	MaxAttempts     int
	DefaultFolderID string
}

func (c Config) withDefaults() Config {
	if c.GlobalCap <= 0 {
		c.GlobalCap = 2
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

type Deps struct {
	Store    storage.Store
	Channels *channels.Repo
	Ledger   *ledger.Ledger
	Blobs    Blobs
	Events   EventPurger
	Uploader Uploader
	Bus      eventbus.Bus
	Clock    clock.Clock
	Log      logx.Logger
}

type Manager struct {
	store    storage.Store
	channels *channels.Repo
	ledger   *ledger.Ledger
	blobs    Blobs
	events   EventPurger
	uploader Uploader
	bus      eventbus.Bus
	clock    clock.Clock
	log      logx.Logger
	cfg      Config

	// createMu serializes count-then-activate in Create and Retry.
	createMu sync.Mutex
}

func NewManager(d Deps, cfg Config) *Manager {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	return &Manager{
		store:    d.Store,
		channels: d.Channels,
		ledger:   d.Ledger,
		blobs:    d.Blobs,
		events:   d.Events,
		uploader: d.Uploader,
		bus:      d.Bus,
		clock:    d.Clock,
		log:      d.Log,
		cfg:      cfg.withDefaults(),
	}
}

type CreateRequest struct {
	Prompt    string         `json:"prompt"`
	Title     string         `json:"title"`
	ChannelID string         `json:"channelId"`
	RunID     string         `json:"-"`
	IsAuto    bool           `json:"-"`
	Metadata  map[string]any `json:"metadata"`
}

// Create inserts a queued job if the cap allows it. The cap is the
// channel's maxActiveTasks when a channel is given and the global cap
// otherwise. On breach nothing is written.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Job, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Job{}, faults.Invalid("prompt is required")
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()
	if err := m.admitLocked(ctx, req.ChannelID); err != nil {
		return Job{}, err
	}

	now := m.clock.Now().UTC()
	j := normalize(Job{
		ID:         uuid.NewString(),
		ChannelID:  req.ChannelID,
		RunID:      req.RunID,
		IsAuto:     req.IsAuto,
		Status:     StatusQueued,
		PromptText: req.Prompt,
		Title:      req.Title,
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err := storage.CreateJSON(ctx, m.store, Collection, j.ID, j); err != nil {
		return Job{}, err
	}
	m.log.Info("job created",
		logx.String("job", j.ID),
		logx.String("channel", j.ChannelID),
		logx.Bool("auto", j.IsAuto),
	)
	m.publish(j, "", "")
	return j, nil
}

func (m *Manager) Get(ctx context.Context, id string) (Job, error) {
	j, err := storage.GetJSON[Job](ctx, m.store, Collection, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Job{}, faults.NotFound("job", id)
	}
	if err != nil {
		return Job{}, err
	}
	return normalize(j), nil
}

// List returns jobs newest first, optionally limited to one channel.
func (m *Manager) List(ctx context.Context, channelID string) ([]Job, error) {
	var filters []storage.Filter
	if channelID != "" {
		filters = append(filters, storage.Eq("channelId", channelID))
	}
	js, err := storage.QueryJSON[Job](ctx, m.store, Collection, filters...)
	if err != nil {
		return nil, err
	}
	for i := range js {
		js[i] = normalize(js[i])
	}
	slices.Reverse(js)
	return js, nil
}

// ActiveCount counts jobs in an active status, skipping ones not touched
// within the stale bound. An empty channelID counts across all channels.
func (m *Manager) ActiveCount(ctx context.Context, channelID string) (int, error) {
	statuses := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		statuses[i] = string(s)
	}
	filters := []storage.Filter{storage.In("status", statuses...)}
	if channelID != "" {
		filters = append(filters, storage.Eq("channelId", channelID))
	}
	js, err := storage.QueryJSON[Job](ctx, m.store, Collection, filters...)
	if err != nil {
		return 0, err
	}
	cutoff := m.clock.Now().Add(-m.cfg.StaleAfter)
	n := 0
	for _, j := range js {
		if normalize(j).UpdatedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// DeliverableRefs returns the deliverable ids recorded on any job.
func (m *Manager) DeliverableRefs(ctx context.Context) (map[string]bool, error) {
	js, err := storage.QueryJSON[Job](ctx, m.store, Collection, storage.Ne("externalDeliverableRef", ""))
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(js))
	for _, j := range js {
		if j.ExternalDeliverableRef != "" {
			out[j.ExternalDeliverableRef] = true
		}
	}
	return out, nil
}

type Transition struct {
	To Status
	// Cause becomes errorMessage on error and timeout.
	Cause string
	Patch func(*Job)
}

// Advance moves a job along one edge of the state machine. Auto jobs that
// reach an end of the line hand their channel's lease back.
func (m *Manager) Advance(ctx context.Context, id string, t Transition) (Job, error) {
	var from Status
	j, err := storage.MutateJSON(ctx, m.store, Collection, id, func(j *Job) error {
		*j = normalize(*j)
		from = j.Status
		if !CanTransition(from, t.To) {
			return errors.Wrapf(ErrIllegalTransition, "job %s: %s -> %s", id, from, t.To)
		}
		j.Status = t.To
		j.UpdatedAt = m.clock.Now().UTC()
		switch t.To {
		case StatusError, StatusTimeout:
			j.ErrorMessage = t.Cause
		case StatusQueued:
			j.ErrorMessage = ""
		}
		if t.Patch != nil {
			t.Patch(j)
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Job{}, faults.NotFound("job", id)
	}
	if err != nil {
		return Job{}, err
	}

	log := m.log.With(logx.String("job", id))
	log.Debug("job advanced", logx.String("from", string(from)), logx.String("to", string(j.Status)))

	if j.IsAuto && j.ChannelID != "" && releasesLease(from, j.Status) {
		// The transition already happened; a failed reset must not undo it.
		if _, rerr := m.channels.ResetLease(ctx, j.ChannelID, j.RunID); rerr != nil {
			log.Warn("channel lease reset failed", logx.String("channel", j.ChannelID), logx.Err(rerr))
		}
	}
	m.publish(j, from, t.Cause)
	return j, nil
}

func (m *Manager) publish(j Job, from Status, msg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: eventbus.TypeJobTransition,
		Time: j.UpdatedAt,
		Data: eventbus.JobTransition{
			JobID:     j.ID,
			ChannelID: j.ChannelID,
			IsAuto:    j.IsAuto,
			From:      string(from),
			To:        string(j.Status),
			Title:     j.Title,
			Message:   msg,
		},
	})
}

// Approve uploads a ready job.
func (m *Manager) Approve(ctx context.Context, id string) (Job, error) {
	j, err := m.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if j.Status != StatusReady {
		return Job{}, errors.Wrapf(ErrIllegalTransition, "job %s is %s, not ready", id, j.Status)
	}
	return m.upload(ctx, j)
}

// AutoApprove uploads j when it is an auto job whose channel opted in. It
// reports whether an upload was attempted.
func (m *Manager) AutoApprove(ctx context.Context, j Job) (Job, bool, error) {
	if !j.IsAuto || j.ChannelID == "" || j.Status != StatusReady {
		return j, false, nil
	}
	ch, err := m.channels.Get(ctx, j.ChannelID)
	if err != nil {
		return j, false, err
	}
	if !ch.Automation.AutoApprove {
		return j, false, nil
	}
	out, err := m.upload(ctx, j)
	return out, true, err
}

func (m *Manager) upload(ctx context.Context, j Job) (Job, error) {
	if m.uploader == nil {
		return j, faults.Config("remote storage is not configured")
	}
	if j.ResultArtifactPath == "" {
		return j, faults.Integrity("job %s is ready without an artifact", j.ID)
	}

	folder := m.cfg.DefaultFolderID
	if j.ChannelID != "" {
		ch, err := m.channels.Get(ctx, j.ChannelID)
		if err != nil && !errors.Is(err, faults.ErrNotFound) {
			return j, err
		}
		if ch.Destination.DriveFolderID != "" {
			folder = ch.Destination.DriveFolderID
		}
	}
	local, err := m.blobs.Abs(j.ResultArtifactPath)
	if err != nil {
		return j, err
	}

	j, err = m.Advance(ctx, j.ID, Transition{To: StatusUploading})
	if err != nil {
		return j, err
	}
	res, uerr := m.uploader.Upload(ctx, local, uploadName(j), folder)
	if uerr != nil {
		m.log.Warn("upload failed", logx.String("job", j.ID), logx.Err(uerr))
		back, aerr := m.Advance(context.WithoutCancel(ctx), j.ID, Transition{To: StatusReady})
		if aerr != nil {
			return j, faults.Guard(uerr, aerr)
		}
		return back, uerr
	}
	return m.Advance(ctx, j.ID, Transition{To: StatusUploaded, Patch: func(j *Job) {
		j.RemoteFileID = res.FileID
		j.RemoteViewLink = res.ViewLink
		j.RemoteDownloadLink = res.DownloadLink
	}})
}

func uploadName(j Job) string {
	ext := path.Ext(j.ResultArtifactPath)
	base := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, j.Title)
	if base == "" {
		base = j.ID
	}
	return base + ext
}

// Reject discards a ready job without uploading it.
func (m *Manager) Reject(ctx context.Context, id string) (Job, error) {
	return m.Advance(ctx, id, Transition{To: StatusRejected})
}

// Cancel stops a job that has not produced an artifact yet. A running
// pipeline notices on its next poll.
func (m *Manager) Cancel(ctx context.Context, id string) (Job, error) {
	return m.Advance(ctx, id, Transition{To: StatusCancelled})
}

// Retry requeues a failed or timed-out job. Its reservations are released
// so the matcher may claim the same deliverable again; the request ref is
// kept so the worker is not asked twice.
func (m *Manager) Retry(ctx context.Context, id string) (Job, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	j, err := m.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if !CanTransition(j.Status, StatusQueued) {
		return Job{}, errors.Wrapf(ErrIllegalTransition, "job %s is %s, not retryable", id, j.Status)
	}
	if j.Attempts >= m.cfg.MaxAttempts {
		return Job{}, faults.Invalid("job %s used all %d attempts", id, m.cfg.MaxAttempts)
	}
	if err := m.admitLocked(ctx, j.ChannelID); err != nil {
		return Job{}, err
	}
	j, err = m.Advance(ctx, id, Transition{To: StatusQueued, Patch: func(j *Job) {
		j.Attempts++
		j.ExternalDeliverableRef = ""
		j.MatchingMethod = ""
	}})
	if err != nil {
		return Job{}, err
	}
	// A leftover reservation only hides that deliverable from matching;
	// Delete removes it later.
	if _, err := m.ledger.ReleaseJob(ctx, id); err != nil {
		m.log.Warn("reservations not released on retry", logx.String("job", id), logx.Err(err))
	}
	return j, nil
}

// admitLocked fails with CapacityExceeded when one more active job would
// break the cap: the channel's maxActiveTasks, or the global cap for jobs
// without a channel. The caller holds createMu.
func (m *Manager) admitLocked(ctx context.Context, channelID string) error {
	limit, scope := m.cfg.GlobalCap, "global"
	if channelID != "" {
		ch, err := m.channels.Get(ctx, channelID)
		if err != nil {
			return err
		}
		limit, scope = ch.Automation.MaxActiveTasks, "channel "+channelID
	}
	active, err := m.ActiveCount(ctx, channelID)
	if err != nil {
		return err
	}
	if active >= limit {
		return faults.Capacity(scope, active, limit)
	}
	return nil
}
