package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/clock"
	"reelforge/internal/faults"
	"reelforge/internal/storage"
	logx "reelforge/pkg/logx"
)

func TestReserveIsCreateIfAbsent(t *testing.T) {
	t.Parallel()
	l := New(storage.NewMemory(), clock.NewFixed(time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "msg-1", "job-a", "explicit-reference"))
	err := l.Reserve(ctx, "msg-1", "job-b", "heuristic-fallback")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyReserved))
	assert.True(t, errors.Is(err, faults.ErrConflict))

	r, err := l.Lookup(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "job-a", r.JobID)
	assert.Equal(t, "explicit-reference", r.MatchingMethod)

	_, err = l.Lookup(ctx, "msg-2")
	assert.True(t, errors.Is(err, faults.ErrNotFound))
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "l.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	l := New(st, nil)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Reserve(ctx, "deliverable", string(rune('a'+i)), "heuristic-fallback"); err == nil {
				wins.Add(1)
			} else {
				assert.True(t, errors.Is(err, ErrAlreadyReserved), "got %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestReleaseJob(t *testing.T) {
	t.Parallel()
	l := New(storage.NewMemory(), nil)
	ctx := context.Background()
	require.NoError(t, l.Reserve(ctx, "m1", "job-a", "explicit-reference"))
	require.NoError(t, l.Reserve(ctx, "m2", "job-a", "heuristic-fallback"))
	require.NoError(t, l.Reserve(ctx, "m3", "job-b", "explicit-reference"))

	claimed, err := l.ClaimedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"m1": "job-a", "m2": "job-a", "m3": "job-b"}, claimed)

	n, err := l.ReleaseJob(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.ReleaseJob(ctx, "job-a")
	require.NoError(t, err)
	assert.Zero(t, n)

	claimed, err = l.ClaimedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"m3": "job-b"}, claimed)
}
