package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/task/engine"
	logx "reelforge/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "@every 5m", kind: SpecCron, cron: "@every 5m"},
		{in: "5m", kind: SpecInterval, every: 5 * time.Minute},
		{in: "every:1h30m", kind: SpecInterval, every: 90 * time.Minute},
		{in: " EVERY: 30s ", kind: SpecInterval, every: 30 * time.Second},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.kind, ps.Kind, tc.in)
		assert.Equal(t, tc.every, ps.Every, tc.in)
		assert.Equal(t, tc.cron, ps.Cron, tc.in)
	}
	for _, bad := range []string{"", "soon", "-5m", "00:05", "every:", "every:0s"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

type recordingEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
}

func (r *recordingEngine) Enqueue(t engine.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return "id", nil
}

func (r *recordingEngine) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func TestScheduleUpsertAndRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "Asia/Almaty"}, &recordingEngine{}, logx.Nop())
	job := func(context.Context) error { return nil }

	require.NoError(t, s.AddSchedule("run-scheduled", "5m", time.Minute, job))
	require.NoError(t, s.AddSchedule("run-scheduled", "*/10 * * * *", time.Minute, job))
	assert.Error(t, s.AddSchedule("broken", "61 * * * *", 0, job))
	assert.Error(t, s.AddSchedule("", "5m", 0, job))

	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "*/10 * * * *", snap.Schedules[0].Spec)
	assert.False(t, snap.Schedules[0].Next.IsZero())
	assert.Equal(t, "Asia/Almaty", snap.Timezone)

	assert.True(t, s.Remove("run-scheduled"))
	assert.False(t, s.Remove("run-scheduled"))
	assert.Empty(t, s.Snapshot().Schedules)
}

func TestTriggerEnqueuesIntoEngine(t *testing.T) {
	t.Parallel()
	eng := &recordingEngine{}
	s := New(Config{Enabled: true}, eng, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.AddSchedule("tick", "@every 1s", time.Second, func(context.Context) error { return nil }))
	require.Eventually(t, func() bool { return eng.count() > 0 }, 4*time.Second, 20*time.Millisecond)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Equal(t, "tick", eng.tasks[0].Name)
	assert.Equal(t, "schedule:tick", eng.tasks[0].Key)
	assert.Equal(t, engine.OverlapSkipIfRunning, eng.tasks[0].Opt.Overlap)
}

func TestDisabledSchedulerDoesNotStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recordingEngine{}, logx.Nop())
	s.Start(context.Background())
	require.NoError(t, s.AddSchedule("tick", "1m", 0, func(context.Context) error { return nil }))
	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.True(t, snap.Schedules[0].Next.IsZero())
}

func TestIntervalScheduleJittersFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	s := intervalSchedule(5*time.Minute, now, "run-scheduled")
	first := s.Next(now)
	assert.True(t, first.After(now))
	assert.False(t, first.After(now.Add(maxFirstDelay)))
	assert.Equal(t, first.Add(5*time.Minute), s.Next(first))

	short := intervalSchedule(10*time.Second, now, "fast")
	assert.False(t, short.Next(now).After(now.Add(10*time.Second)))
}
