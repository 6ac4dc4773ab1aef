package matcher

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/blob"
	"reelforge/internal/clock"
	"reelforge/internal/faults"
	"reelforge/internal/ledger"
	"reelforge/internal/storage"
	"reelforge/internal/transport"
	logx "reelforge/pkg/logx"
)

var now = time.Date(2024, 6, 3, 17, 30, 0, 0, time.UTC)

type fakeChannel struct {
	mu         sync.Mutex
	dispatched []string
	nextRef    string
	msgs       []transport.Message
	payload    map[string][]byte
	// arriveAfter delays visibility of msgs until ListRecent was called n times.
	arriveAfter int
	lists       int
}

func (f *fakeChannel) Dispatch(_ context.Context, _ transport.Peer, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, text)
	return f.nextRef, nil
}

func (f *fakeChannel) ListRecent(_ context.Context, _ transport.Peer, _ int) ([]transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.lists <= f.arriveAfter {
		return nil, nil
	}
	return append([]transport.Message(nil), f.msgs...), nil
}

func (f *fakeChannel) Download(_ context.Context, msg transport.Message) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.payload[msg.ID])), nil
}

func video(id, replyTo string, at time.Time) transport.Message {
	return transport.Message{ID: id, ChatID: 1, SenderID: 42, ReplyToID: replyTo, Date: at, HasVideo: true, MimeType: "video/mp4"}
}

func newMatcher(t *testing.T, ch *fakeChannel) (*Matcher, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(storage.NewMemory(), clock.NewFixed(now))
	m := New(ch, l, blob.LocalFS{Root: t.TempDir()}, clock.NewFixed(now), Config{
		Peer:         transport.Peer{ChatID: 1, SenderID: 42},
		PollInterval: time.Millisecond,
		Timeout:      200 * time.Millisecond,
	}, logx.Nop())
	return m, l
}

func TestCompareIDs(t *testing.T) {
	t.Parallel()
	assert.Equal(t, -1, CompareIDs("9", "10"))
	assert.Equal(t, 1, CompareIDs("100", "99"))
	assert.Equal(t, 0, CompareIDs("7", "7"))
	assert.Equal(t, 1, CompareIDs("b", "a"))
}

func TestMatchExplicit(t *testing.T) {
	t.Parallel()
	msgs := []transport.Message{video("12", "", now), video("11", "10", now)}
	got, ok := MatchExplicit(msgs, "10", nil)
	require.True(t, ok)
	assert.Equal(t, "11", got.ID)

	_, ok = MatchExplicit(msgs, "10", map[string]bool{"11": true})
	assert.False(t, ok)
}

func TestMatchHeuristic(t *testing.T) {
	t.Parallel()
	window := 20 * time.Minute
	msgs := []transport.Message{
		video("9", "", now),                       // before the request
		video("15", "", now.Add(-time.Minute)),    // after, in window
		video("12", "", now.Add(-2*time.Minute)),  // after, closest to the request
		video("11", "", now.Add(-30*time.Minute)), // too old
		video("100", "", now.Add(-3*time.Minute)), // numeric, not lexical, order
	}
	got, ok := MatchHeuristic(msgs, "10", now, window, nil)
	require.True(t, ok)
	assert.Equal(t, "12", got.ID)

	got, ok = MatchHeuristic(msgs, "10", now, window, map[string]bool{"12": true})
	require.True(t, ok)
	assert.Equal(t, "15", got.ID)

	_, ok = MatchHeuristic(msgs, "", now, window, nil)
	assert.False(t, ok)
}

func TestRunExplicitMatch(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{
		nextRef:     "10",
		msgs:        []transport.Message{video("11", "10", now), {ID: "13", SenderID: 42, ReplyToID: "10"}},
		payload:     map[string][]byte{"11": []byte("mp4data")},
		arriveAfter: 2,
	}
	m, l := newMatcher(t, ch)

	var dispatchedRef string
	var matched Match
	res, err := m.Run(context.Background(), Request{
		JobID:        "job-1",
		Prompt:       "a cat surfing",
		OnDispatched: func(_ context.Context, ref string) error { dispatchedRef = ref; return nil },
		OnMatched:    func(_ context.Context, mt Match) error { matched = mt; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "10", dispatchedRef)
	assert.Equal(t, Match{DeliverableID: "11", Method: MethodExplicit}, matched)
	assert.Equal(t, "11", res.DeliverableID)
	assert.Equal(t, int64(7), res.Size)
	assert.Equal(t, "jobs/job-1/11.mp4", res.ArtifactPath)
	assert.Equal(t, []string{"a cat surfing"}, ch.dispatched)

	r, err := l.Lookup(context.Background(), "11")
	require.NoError(t, err)
	assert.Equal(t, "job-1", r.JobID)
}

func TestRunReusesExistingRequest(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{
		msgs:    []transport.Message{video("21", "", now)},
		payload: map[string][]byte{"21": []byte("x")},
	}
	m, _ := newMatcher(t, ch)
	res, err := m.Run(context.Background(), Request{JobID: "job-2", ExistingRequestRef: "20"})
	require.NoError(t, err)
	assert.Empty(t, ch.dispatched)
	assert.Equal(t, MethodHeuristic, res.Method)
}

func TestRunSkipsClaimedDeliverables(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{
		nextRef: "10",
		msgs:    []transport.Message{video("11", "", now), video("12", "", now)},
		payload: map[string][]byte{"11": []byte("a"), "12": []byte("b")},
	}
	m, l := newMatcher(t, ch)
	require.NoError(t, l.Reserve(context.Background(), "11", "other-job", string(MethodHeuristic)))

	res, err := m.Run(context.Background(), Request{
		JobID:    "job-3",
		Excluded: func(context.Context) (map[string]bool, error) { return map[string]bool{}, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "12", res.DeliverableID)
}

// racedLedger loses every reservation for ids in taken, while its
// ClaimedIDs snapshot is too old to show them.
type racedLedger struct {
	*ledger.Ledger

	mu       sync.Mutex
	taken    map[string]bool
	attempts map[string]int
}

func (r *racedLedger) Reserve(ctx context.Context, deliverableID, jobID, method string) error {
	r.mu.Lock()
	r.attempts[deliverableID]++
	lost := r.taken[deliverableID]
	r.mu.Unlock()
	if lost {
		return errors.Wrapf(ledger.ErrAlreadyReserved, "deliverable %s", deliverableID)
	}
	return r.Ledger.Reserve(ctx, deliverableID, jobID, method)
}

func (r *racedLedger) ClaimedIDs(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (r *racedLedger) tries(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

// fileLogger writes JSON lines at debug level to a temp file.
func fileLogger(t *testing.T) (logx.Logger, func() string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "matcher.log")
	svc, log := logx.New(logx.Config{Level: "debug", File: logx.FileConfig{Enabled: true, Path: path}}, nil)
	return log, func() string {
		require.NoError(t, svc.Close())
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		return string(b)
	}
}

func newRacedMatcher(t *testing.T, ch *fakeChannel, log logx.Logger, taken ...string) (*Matcher, *racedLedger) {
	t.Helper()
	r := &racedLedger{
		Ledger:   ledger.New(storage.NewMemory(), clock.NewFixed(now)),
		taken:    map[string]bool{},
		attempts: map[string]int{},
	}
	for _, id := range taken {
		r.taken[id] = true
	}
	m := New(ch, r, blob.LocalFS{Root: t.TempDir()}, clock.NewFixed(now), Config{
		Peer:         transport.Peer{ChatID: 1, SenderID: 42},
		PollInterval: time.Millisecond,
		Timeout:      200 * time.Millisecond,
	}, log)
	return m, r
}

func TestRunLosingReservationRaceMovesOn(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{
		nextRef: "10",
		msgs:    []transport.Message{video("11", "10", now), video("12", "", now)},
		payload: map[string][]byte{"11": []byte("a"), "12": []byte("b")},
	}
	log, logged := fileLogger(t)
	m, r := newRacedMatcher(t, ch, log, "11")

	res, err := m.Run(context.Background(), Request{JobID: "job-7"})
	require.NoError(t, err)
	assert.Equal(t, "12", res.DeliverableID)
	assert.Equal(t, MethodHeuristic, res.Method)
	assert.Equal(t, 1, r.tries("11"))

	out := logged()
	assert.Contains(t, out, "deliverable already claimed")
	assert.NotContains(t, out, `"level":"error"`)
}

func TestRunLosingOnlyCandidateKeepsPolling(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{
		nextRef: "10",
		msgs:    []transport.Message{video("11", "10", now)},
		payload: map[string][]byte{"11": []byte("a")},
	}
	log, logged := fileLogger(t)
	m, r := newRacedMatcher(t, ch, log, "11")

	_, err := m.Run(context.Background(), Request{JobID: "job-8"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrMatchTimeout))
	assert.Equal(t, 1, r.tries("11"), "a lost deliverable is not retried")

	ch.mu.Lock()
	lists := ch.lists
	ch.mu.Unlock()
	assert.Greater(t, lists, 1)
	assert.NotContains(t, logged(), `"level":"error"`)
}

func TestRunTimesOut(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{nextRef: "10"}
	m, _ := newMatcher(t, ch)
	_, err := m.Run(context.Background(), Request{JobID: "job-4"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrMatchTimeout))
}

func TestRunEmptyDownloadIsTransient(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{
		nextRef: "10",
		msgs:    []transport.Message{video("11", "10", now)},
		payload: map[string][]byte{},
	}
	m, _ := newMatcher(t, ch)
	_, err := m.Run(context.Background(), Request{JobID: "job-5"})
	require.Error(t, err)
	assert.True(t, faults.Retryable(err))
}

func TestRunStopsWhenBeforePollFails(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{nextRef: "10", msgs: []transport.Message{video("11", "10", now)}, arriveAfter: 100}
	m, l := newMatcher(t, ch)
	polls := 0
	_, err := m.Run(context.Background(), Request{
		JobID: "job-6",
		BeforePoll: func(context.Context) error {
			polls++
			if polls > 2 {
				return ErrCancelled
			}
			return nil
		},
	})
	assert.True(t, errors.Is(err, ErrCancelled))

	claimed, err := l.ClaimedIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
