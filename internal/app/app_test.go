package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/config"
)

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}

	sched := mapScheduler(cfg)
	assert.False(t, sched.Enabled)
	assert.Equal(t, config.DefaultTimezone, sched.Timezone)

	orch := mapOrchestrator(cfg)
	assert.Equal(t, 10, orch.Windows.IntervalMinutes)
	assert.Equal(t, 360, orch.Windows.CatchUpMinutes)
	assert.Equal(t, 30*time.Minute, orch.StaleLeaseAfter)
	assert.Equal(t, 25*time.Minute, orch.PipelineTimeout)

	jc := mapJobs(cfg)
	assert.Equal(t, 2, jc.GlobalCap)
	assert.Equal(t, 3, jc.MaxAttempts)

	eng, err := mapEngine(cfg)
	require.NoError(t, err)
	assert.True(t, eng.Enabled)
	assert.Equal(t, 3, eng.RetryMax)

	n, err := mapNotifier(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Second, n.RetryBase)
	assert.Equal(t, 30*time.Second, n.RetryMaxDelay)
	assert.Equal(t, 2*time.Minute, n.DedupWindow)
}

func TestMapSchedulerTrigger(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Enabled: true, Timezone: "UTC"}}
	assert.True(t, mapScheduler(cfg).Enabled)
	assert.Equal(t, "UTC", mapScheduler(cfg).Timezone)

	cfg.Scheduler.TriggerEvery = "0s"
	assert.False(t, mapScheduler(cfg).Enabled)
}

func TestMapMatcherUsesWorkerPeer(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Telegram: config.TelegramConfig{WorkerChatID: -100, WorkerSenderID: 42},
		Matcher:  config.MatcherConfig{Timeout: "5m", RecentLimit: 10},
	}
	m := mapMatcher(cfg)
	assert.Equal(t, int64(-100), m.Peer.ChatID)
	assert.Equal(t, int64(42), m.Peer.SenderID)
	assert.Equal(t, 5*time.Minute, m.Timeout)
	assert.Equal(t, 10, m.RecentLimit)
	assert.Equal(t, 15*time.Minute, pipelineTimeout(cfg))
}

func TestMapHTTP(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{HTTP: config.HTTPConfig{
		Enabled:     true,
		Addr:        " :9090 ",
		CronSecret:  "s3cret",
		ReadTimeout: "5s",
	}}
	h, err := mapHTTP(cfg)
	require.NoError(t, err)
	assert.Equal(t, ":9090", h.Addr)
	assert.Equal(t, 5*time.Second, h.ReadTimeout)
	assert.Equal(t, "s3cret", h.CronSecret)

	cfg.HTTP.WriteTimeout = "soon"
	_, err = mapHTTP(cfg)
	require.Error(t, err)
}

func TestLogChat(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(-1001234), logChat(&config.Config{Telegram: config.TelegramConfig{GroupLog: " -1001234 "}}))
	assert.Equal(t, int64(0), logChat(&config.Config{}))
	assert.Equal(t, int64(0), logChat(&config.Config{Telegram: config.TelegramConfig{GroupLog: "@logs"}}))
}

func TestMapStorage(t *testing.T) {
	t.Parallel()
	sc, err := mapStorage(&config.Config{Storage: config.StorageConfig{Driver: "memory"}})
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)
}
