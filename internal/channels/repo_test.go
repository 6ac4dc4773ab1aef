package channels

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/faults"
	"reelforge/internal/storage"
)

var t0 = time.Date(2024, 6, 3, 17, 30, 0, 0, time.UTC)

func newRepo(t *testing.T) *Repo {
	t.Helper()
	return NewRepo(storage.NewMemory(), Defaults{})
}

func TestSaveNormalizes(t *testing.T) {
	t.Parallel()
	r := newRepo(t)
	ctx := context.Background()

	c, err := r.Save(ctx, Channel{Name: "cats", Automation: Automation{Times: []string{" 22:30 ", ""}}}, t0)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "Asia/Almaty", c.Automation.TimeZone)
	assert.Equal(t, 2, c.Automation.MaxActiveTasks)
	assert.Equal(t, 10, c.Automation.IntervalMinutes)
	assert.Equal(t, []string{"22:30"}, c.Automation.Times)
	assert.Equal(t, StatusIdle, c.Automation.Status)

	_, err = r.Save(ctx, Channel{}, t0)
	assert.True(t, errors.Is(err, faults.ErrInvalid))

	_, err = r.Get(ctx, "missing")
	assert.True(t, errors.Is(err, faults.ErrNotFound))
}

func TestLeaseExpiry(t *testing.T) {
	t.Parallel()
	old := t0.Add(-45 * time.Minute)
	recent := t0.Add(-5 * time.Minute)
	cases := []struct {
		name string
		a    Automation
		want bool
	}{
		{"not held", Automation{}, false},
		{"held without timestamps", Automation{IsRunning: true}, true},
		{"held, old lastRunAt", Automation{IsRunning: true, LastRunAt: &old}, true},
		{"held, recent start, old lastRunAt", Automation{IsRunning: true, RunStartedAt: &recent, LastRunAt: &old}, false},
		{"held, old start", Automation{IsRunning: true, RunStartedAt: &old}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Channel{Automation: tc.a}.Lease().Expired(t0, 30*time.Minute, nil)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAcquireLeaseSingleWinner(t *testing.T) {
	t.Parallel()
	r := newRepo(t)
	ctx := context.Background()
	c, err := r.Save(ctx, Channel{Name: "dogs"}, t0)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.AcquireLease(ctx, c.ID, string(rune('a'+i)), t0, 30*time.Minute, nil)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.True(t, errors.Is(err, ErrLeaseHeld))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := r.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Automation.IsRunning)
	assert.Equal(t, StatusRunning, got.Automation.Status)
}

func TestAcquireLeaseTakesOverExpired(t *testing.T) {
	t.Parallel()
	r := newRepo(t)
	ctx := context.Background()
	c, err := r.Save(ctx, Channel{Name: "dogs"}, t0)
	require.NoError(t, err)

	_, err = r.AcquireLease(ctx, c.ID, "old-run", t0.Add(-time.Hour), 30*time.Minute, nil)
	require.NoError(t, err)
	got, err := r.AcquireLease(ctx, c.ID, "new-run", t0, 30*time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, "new-run", got.Automation.RunID)
}

func TestReleaseAndReset(t *testing.T) {
	t.Parallel()
	r := newRepo(t)
	ctx := context.Background()
	c, err := r.Save(ctx, Channel{Name: "birds"}, t0)
	require.NoError(t, err)

	_, err = r.AcquireLease(ctx, c.ID, "run-1", t0, 30*time.Minute, nil)
	require.NoError(t, err)

	cleared, err := r.ResetLease(ctx, c.ID, "run-2")
	require.NoError(t, err)
	assert.False(t, cleared, "another holder's lease is left alone")

	next := t0.Add(24 * time.Hour)
	got, err := r.ReleaseLease(ctx, c.ID, "run-1", Outcome{Status: StatusSuccess, NextRunAt: &next})
	require.NoError(t, err)
	assert.False(t, got.Automation.IsRunning)
	assert.Empty(t, got.Automation.RunID)
	assert.Equal(t, StatusSuccess, got.Automation.Status)
	assert.True(t, next.Equal(*got.Automation.NextRunAt))

	_, err = r.AcquireLease(ctx, c.ID, "run-3", t0, 30*time.Minute, nil)
	require.NoError(t, err)
	cleared, err = r.ResetLease(ctx, c.ID, "")
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = r.ResetLease(ctx, c.ID, "")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestAcquireLeaseStampsSlot(t *testing.T) {
	t.Parallel()
	r := newRepo(t)
	ctx := context.Background()
	prev := t0.Add(-7 * 24 * time.Hour)
	c, err := r.Save(ctx, Channel{Name: "owls", Automation: Automation{LastRunAt: &prev}}, t0)
	require.NoError(t, err)

	slot := t0.Add(-time.Minute)
	got, err := r.AcquireLease(ctx, c.ID, "run-1", t0, 30*time.Minute, &slot)
	require.NoError(t, err)
	require.NotNil(t, got.Automation.LastRunAt)
	assert.True(t, slot.Equal(*got.Automation.LastRunAt), "slot is consumed while the lease is held")

	// Another holder cannot roll the slot back.
	_, err = r.ReleaseLease(ctx, c.ID, "run-2", Outcome{Unclaim: true, PrevLastRunAt: &prev})
	require.NoError(t, err)
	got, err = r.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, slot.Equal(*got.Automation.LastRunAt))
	assert.True(t, got.Automation.IsRunning)

	got, err = r.ReleaseLease(ctx, c.ID, "run-1", Outcome{Status: StatusIdle, Unclaim: true, PrevLastRunAt: &prev})
	require.NoError(t, err)
	assert.False(t, got.Automation.IsRunning)
	require.NotNil(t, got.Automation.LastRunAt)
	assert.True(t, prev.Equal(*got.Automation.LastRunAt))
}

func TestUpdateAutomation(t *testing.T) {
	t.Parallel()
	r := newRepo(t)
	ctx := context.Background()
	c, err := r.Save(ctx, Channel{Name: "fish"}, t0)
	require.NoError(t, err)

	enabled := true
	times := []string{"09:00"}
	folder := "folder-1"
	derived := false
	got, err := r.UpdateAutomation(ctx, c.ID, AutomationUpdate{Enabled: &enabled, Times: &times, DriveFolderID: &folder}, t0, func(c *Channel) error {
		derived = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, derived)
	assert.True(t, got.Automation.Enabled)
	assert.Equal(t, times, got.Automation.Times)
	assert.Equal(t, "folder-1", got.Destination.DriveFolderID)

	neg := -1
	_, err = r.UpdateAutomation(ctx, c.ID, AutomationUpdate{MaxActiveTasks: &neg}, t0, nil)
	assert.True(t, errors.Is(err, faults.ErrInvalid))
}
