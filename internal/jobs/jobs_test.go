package jobs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/blob"
	"reelforge/internal/channels"
	"reelforge/internal/clock"
	"reelforge/internal/eventbus"
	"reelforge/internal/faults"
	"reelforge/internal/ledger"
	"reelforge/internal/storage"
	"reelforge/internal/upload"
	logx "reelforge/pkg/logx"
)

var t0 = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type fakeUploader struct {
	calls  int
	folder string
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, _ string, _ string, folderID string) (upload.Result, error) {
	f.calls++
	f.folder = folderID
	if f.err != nil {
		return upload.Result{}, f.err
	}
	return upload.Result{FileID: "drive-1", ViewLink: "view", DownloadLink: "dl"}, nil
}

type fakePurger struct{ purged map[string]int }

func (f *fakePurger) PurgeJob(_ context.Context, jobID string) (int, error) {
	n := f.purged[jobID]
	delete(f.purged, jobID)
	return n, nil
}

type env struct {
	store    storage.Store
	clock    *clock.Fixed
	channels *channels.Repo
	ledger   *ledger.Ledger
	blobs    blob.LocalFS
	uploader *fakeUploader
	purger   *fakePurger
	bus      eventbus.Bus
	jobs     *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:    storage.NewMemory(),
		clock:    clock.NewFixed(t0),
		blobs:    blob.LocalFS{Root: t.TempDir()},
		uploader: &fakeUploader{},
		purger:   &fakePurger{purged: map[string]int{}},
		bus:      eventbus.New(),
	}
	e.channels = channels.NewRepo(e.store, channels.Defaults{})
	e.ledger = ledger.New(e.store, e.clock)
	e.jobs = NewManager(Deps{
		Store:    e.store,
		Channels: e.channels,
		Ledger:   e.ledger,
		Blobs:    e.blobs,
		Events:   e.purger,
		Uploader: e.uploader,
		Bus:      e.bus,
		Clock:    e.clock,
		Log:      logx.Nop(),
	}, Config{GlobalCap: 2, DefaultFolderID: "default-folder"})
	return e
}

func (e *env) channel(t *testing.T, maxActive int, autoApprove bool, folder string) channels.Channel {
	t.Helper()
	c, err := e.channels.Save(context.Background(), channels.Channel{
		Name:        "cats",
		Automation:  channels.Automation{Enabled: true, MaxActiveTasks: maxActive, AutoApprove: autoApprove},
		Destination: channels.Destination{DriveFolderID: folder},
	}, t0)
	require.NoError(t, err)
	return c
}

func (e *env) leased(t *testing.T, c channels.Channel, holder string) {
	t.Helper()
	_, err := e.channels.AcquireLease(context.Background(), c.ID, holder, e.clock.Now(), 30*time.Minute, nil)
	require.NoError(t, err)
}

func (e *env) isRunning(t *testing.T, id string) bool {
	t.Helper()
	c, err := e.channels.Get(context.Background(), id)
	require.NoError(t, err)
	return c.Automation.IsRunning
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusQueued, StatusSending, true},
		{StatusSending, StatusWaitingResponse, true},
		{StatusWaitingResponse, StatusDownloading, true},
		{StatusDownloading, StatusReady, true},
		{StatusReady, StatusUploading, true},
		{StatusReady, StatusRejected, true},
		{StatusUploading, StatusUploaded, true},
		{StatusUploading, StatusReady, true},
		{StatusError, StatusQueued, true},
		{StatusTimeout, StatusQueued, true},
		{StatusQueued, StatusReady, false},
		{StatusUploaded, StatusQueued, false},
		{StatusCancelled, StatusQueued, false},
		{StatusRejected, StatusUploading, false},
		{StatusReady, StatusCancelled, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, StatusUploading.Active())
	assert.False(t, StatusReady.Active())
	assert.True(t, StatusTimeout.Terminal())
}

func TestCreateRespectsChannelCap(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	c := e.channel(t, 1, false, "")

	_, err := e.jobs.Create(ctx, CreateRequest{Prompt: "one", ChannelID: c.ID})
	require.NoError(t, err)

	_, err = e.jobs.Create(ctx, CreateRequest{Prompt: "two", ChannelID: c.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrCapacityExceeded))

	js, err := e.jobs.List(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, js, 1)

	// Other channels and unowned jobs are counted separately.
	other := e.channel(t, 1, false, "")
	_, err = e.jobs.Create(ctx, CreateRequest{Prompt: "three", ChannelID: other.ID})
	require.NoError(t, err)
}

func TestCreateGlobalCapAndValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.jobs.Create(ctx, CreateRequest{Prompt: "  "})
	assert.True(t, errors.Is(err, faults.ErrInvalid))

	_, err = e.jobs.Create(ctx, CreateRequest{Prompt: "a", ChannelID: "missing"})
	assert.True(t, errors.Is(err, faults.ErrNotFound))

	for i := 0; i < 2; i++ {
		_, err := e.jobs.Create(ctx, CreateRequest{Prompt: "p"})
		require.NoError(t, err)
	}
	_, err = e.jobs.Create(ctx, CreateRequest{Prompt: "p"})
	assert.True(t, errors.Is(err, faults.ErrCapacityExceeded))
}

func TestActiveCountSkipsStaleJobs(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	c := e.channel(t, 1, false, "")

	_, err := e.jobs.Create(ctx, CreateRequest{Prompt: "p", ChannelID: c.ID})
	require.NoError(t, err)
	n, err := e.jobs.ActiveCount(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e.clock.Advance(3 * time.Hour)
	n, err = e.jobs.ActiveCount(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.jobs.Create(ctx, CreateRequest{Prompt: "again", ChannelID: c.ID})
	require.NoError(t, err)
}

func TestAdvanceRejectsIllegalEdge(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	j, err := e.jobs.Create(ctx, CreateRequest{Prompt: "p"})
	require.NoError(t, err)

	_, err = e.jobs.Advance(ctx, j.ID, Transition{To: StatusUploaded})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, 409, faults.HTTPStatus(err))

	_, err = e.jobs.Advance(ctx, "nope", Transition{To: StatusSending})
	assert.True(t, errors.Is(err, faults.ErrNotFound))
}

func TestAdvancePublishesAndRecordsCause(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	events, unsub := e.bus.Subscribe(8)
	defer unsub()

	j, err := e.jobs.Create(ctx, CreateRequest{Prompt: "p", Title: "Cat"})
	require.NoError(t, err)
	_, err = e.jobs.Advance(ctx, j.ID, Transition{To: StatusSending})
	require.NoError(t, err)
	j, err = e.jobs.Advance(ctx, j.ID, Transition{To: StatusError, Cause: "boom"})
	require.NoError(t, err)
	assert.Equal(t, "boom", j.ErrorMessage)

	var seen []string
	for i := 0; i < 3; i++ {
		ev := <-events
		seen = append(seen, ev.Data.(eventbus.JobTransition).To)
	}
	assert.Equal(t, []string{"queued", "sending", "error"}, seen)
}

func TestAutoJobFailureReleasesLease(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	c := e.channel(t, 2, false, "")
	e.leased(t, c, "run-1")

	j, err := e.jobs.Create(ctx, CreateRequest{Prompt: "p", ChannelID: c.ID, RunID: "run-1", IsAuto: true})
	require.NoError(t, err)
	_, err = e.jobs.Advance(ctx, j.ID, Transition{To: StatusSending})
	require.NoError(t, err)
	assert.True(t, e.isRunning(t, c.ID))

	_, err = e.jobs.Advance(ctx, j.ID, Transition{To: StatusError, Cause: "worker down"})
	require.NoError(t, err)
	assert.False(t, e.isRunning(t, c.ID))
}

func TestAutoJobLeaveForeignLeaseAlone(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	c := e.channel(t, 2, false, "")
	e.leased(t, c, "run-2")

	j, err := e.jobs.Create(ctx, CreateRequest{Prompt: "p", ChannelID: c.ID, RunID: "run-1", IsAuto: true})
	require.NoError(t, err)
	_, err = e.jobs.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, e.isRunning(t, c.ID))
}

func TestRetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	j, err := e.jobs.Create(ctx, CreateRequest{Prompt: "p"})
	require.NoError(t, err)

	fail := func() {
		_, err := e.jobs.Advance(ctx, j.ID, Transition{To: StatusSending})
		require.NoError(t, err)
		_, err = e.jobs.Advance(ctx, j.ID, Transition{To: StatusTimeout, Cause: "slow"})
		require.NoError(t, err)
	}

	fail()
	require.NoError(t, e.ledger.Reserve(ctx, "m1", j.ID, "heuristic-fallback"))
	j, err = e.jobs.Retry(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 2, j.Attempts)
	assert.Empty(t, j.ErrorMessage)
	claimed, err := e.ledger.ClaimedIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	fail()
	_, err = e.jobs.Retry(ctx, j.ID)
	require.NoError(t, err)
	fail()
	_, err = e.jobs.Retry(ctx, j.ID)
	assert.True(t, errors.Is(err, faults.ErrInvalid))
}

func TestRetryOfNonFailedJobKeepsReservation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	j, err := e.jobs.Create(ctx, CreateRequest{Prompt: "p"})
	require.NoError(t, err)
	for _, to := range []Status{StatusSending, StatusWaitingResponse, StatusDownloading, StatusReady} {
		_, err = e.jobs.Advance(ctx, j.ID, Transition{To: to, Patch: func(j *Job) { j.ExternalDeliverableRef = "d1" }})
		require.NoError(t, err)
	}
	require.NoError(t, e.ledger.Reserve(ctx, "d1", j.ID, "explicit-reference"))

	_, err = e.jobs.Retry(ctx, j.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, "Conflict", faults.Code(err))

	claimed, err := e.ledger.ClaimedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, j.ID, claimed["d1"])
	got, err := e.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, "d1", got.ExternalDeliverableRef)
	assert.Equal(t, 1, got.Attempts)
}

func TestRetryHonorsChannelCap(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	c := e.channel(t, 1, false, "")

	failed, err := e.jobs.Create(ctx, CreateRequest{Prompt: "a", ChannelID: c.ID})
	require.NoError(t, err)
	_, err = e.jobs.Advance(ctx, failed.ID, Transition{To: StatusError, Cause: "boom"})
	require.NoError(t, err)
	_, err = e.jobs.Create(ctx, CreateRequest{Prompt: "b", ChannelID: c.ID})
	require.NoError(t, err)

	_, err = e.jobs.Retry(ctx, failed.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrCapacityExceeded))

	n, err := e.jobs.ActiveCount(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := e.jobs.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
}

func TestDeleteCascades(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	j, err := e.jobs.Create(ctx, CreateRequest{Prompt: "p"})
	require.NoError(t, err)

	_, _, err = e.blobs.Put("jobs/"+j.ID+"/11.mp4", bytesReader("video"))
	require.NoError(t, err)
	_, err = storage.MutateJSON(ctx, e.store, Collection, j.ID, func(j *Job) error {
		j.ResultArtifactPath = "jobs/" + j.ID + "/11.mp4"
		j.ThumbnailPath = "jobs/" + j.ID + "/thumb.jpg"
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, e.ledger.Reserve(ctx, "11", j.ID, "explicit-reference"))
	e.purger.purged[j.ID] = 4

	rep, err := e.jobs.Delete(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.FilesRemoved)
	assert.Equal(t, 1, rep.ReservationsReleased)
	assert.Equal(t, 4, rep.EventsPurged)
	assert.Equal(t, []string{"jobs/" + j.ID + "/thumb.jpg"}, rep.Missing)

	_, err = e.jobs.Get(ctx, j.ID)
	assert.True(t, errors.Is(err, faults.ErrNotFound))
	rs, err := e.ledger.ForJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, rs)
	assert.False(t, e.blobs.Exists("jobs/"+j.ID+"/11.mp4"))

	_, err = e.jobs.Delete(ctx, j.ID)
	assert.True(t, errors.Is(err, faults.ErrNotFound))
}

func TestApproveUsesChannelFolder(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	c := e.channel(t, 2, false, "channel-folder")
	j := e.readyJob(t, CreateRequest{Prompt: "p", ChannelID: c.ID})

	j, err := e.jobs.Approve(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUploaded, j.Status)
	assert.Equal(t, "drive-1", j.RemoteFileID)
	assert.Equal(t, "channel-folder", e.uploader.folder)

	_, err = e.jobs.Approve(ctx, j.ID)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestApproveFailureRollsBackToReady(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.uploader.err = faults.Transient(nil, "drive 503")
	j := e.readyJob(t, CreateRequest{Prompt: "p"})

	j, err := e.jobs.Approve(ctx, j.ID)
	require.Error(t, err)
	assert.True(t, faults.Retryable(err))
	assert.Equal(t, StatusReady, j.Status)
	assert.Equal(t, "default-folder", e.uploader.folder)
}

// readyJob walks a fresh job to ready with a stored artifact.
func (e *env) readyJob(t *testing.T, req CreateRequest) Job {
	t.Helper()
	ctx := context.Background()
	j, err := e.jobs.Create(ctx, req)
	require.NoError(t, err)
	for _, s := range []Status{StatusSending, StatusWaitingResponse, StatusDownloading} {
		_, err = e.jobs.Advance(ctx, j.ID, Transition{To: s})
		require.NoError(t, err)
	}
	rel, _, err := e.blobs.Put("jobs/"+j.ID+"/1.mp4", bytesReader("v"))
	require.NoError(t, err)
	j, err = e.jobs.Advance(ctx, j.ID, Transition{To: StatusReady, Patch: func(j *Job) { j.ResultArtifactPath = rel }})
	require.NoError(t, err)
	abs, err := e.blobs.Abs(rel)
	require.NoError(t, err)
	_, err = os.Stat(abs)
	require.NoError(t, err)
	return j
}

func TestUploadName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Cats_ the movie.mp4", uploadName(Job{Title: "Cats: the movie", ResultArtifactPath: "jobs/x/1.mp4"}))
	assert.Equal(t, "job-1.webm", uploadName(Job{ID: "job-1", ResultArtifactPath: filepath.ToSlash("jobs/x/1.webm")}))
}

func bytesReader(s string) io.Reader { return strings.NewReader(s) }
