package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/faults"
)

const sampleYAML = `
telegram:
  token: ""
  worker_chat_id: -1001
  worker_sender_id: 42
storage:
  driver: memory
scheduler:
  enabled: true
  timezone: Asia/Almaty
matcher:
  poll_interval: 5s
  timeout: 10m
http:
  enabled: true
  addr: ":8080"
`

func TestDecodeYAMLAndDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, int64(-1001), cfg.Telegram.WorkerChatID)
	assert.Equal(t, "Asia/Almaty", cfg.Scheduler.Location())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.TriggerDuration())
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.IntervalDuration())
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.CatchUpDuration())
	assert.Equal(t, 5*time.Second, cfg.Matcher.PollDuration())
	assert.Equal(t, 2, cfg.Jobs.Cap())
	assert.Equal(t, 3, cfg.Jobs.Attempts())
	assert.Equal(t, 2*time.Hour, cfg.Jobs.StaleDuration())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("config.json", []byte(`{"scheduler":{"enabeld":true}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfig))

	_, err = Decode("config.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(c *Config)
		ok   bool
	}{
		{"empty", func(c *Config) {}, true},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, false},
		{"bad duration", func(c *Config) { c.Matcher.Timeout = "soon" }, false},
		{"negative duration", func(c *Config) { c.Jobs.StaleAfter = "-1m" }, false},
		{"catch up shorter than interval", func(c *Config) {
			c.Scheduler.IntervalWindow = "1h"
			c.Scheduler.CatchUpWindow = "30m"
		}, false},
		{"poll longer than timeout", func(c *Config) {
			c.Matcher.PollInterval = "20m"
			c.Matcher.Timeout = "10m"
		}, false},
		{"http without secrets", func(c *Config) { c.HTTP.Enabled = true }, false},
		{"http with cron secret", func(c *Config) {
			c.HTTP.Enabled = true
			c.HTTP.CronSecret = "s"
		}, true},
		{"drive missing token", func(c *Config) {
			c.Drive.Enabled = true
			c.Drive.ClientID = "id"
		}, false},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var c Config
			tc.mut(&c)
			err := Validate(&c)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, faults.ErrConfig), "got %v", err)
		})
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		EnvTelegramToken: "tok",
		EnvCronSecret:    " cron ",
	}
	var c Config
	c.HTTP.CronSecret = "from-file"
	applyEnv(&c, func(k string) string { return env[k] })
	assert.Equal(t, "tok", c.Telegram.Token)
	assert.Equal(t, "cron", c.HTTP.CronSecret)
	assert.Empty(t, c.LLM.APIKey)
}

func TestSummarizeConfigChangeRedactsSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{}
	b := &Config{}
	b.HTTP.JWTSecret = "very-secret"
	b.Jobs.MaxActive = 4

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"http", "jobs"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(b, b)
	assert.Empty(t, changed)
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs":{"max_active":2}}`), 0o600))

	m := NewConfigManager(path)
	m.getenv = func(string) string { return "" }
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Jobs.MaxActive)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// identical content is not republished
	m.reload(ctx)
	select {
	case <-sub:
		t.Fatal("unchanged config was published")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"jobs":{"max_active":5}}`), 0o600))
	m.reload(ctx)
	select {
	case got := <-sub:
		assert.Equal(t, 5, got.Jobs.MaxActive)
	default:
		t.Fatal("changed config was not published")
	}
	assert.Equal(t, 5, m.Get().Jobs.MaxActive)

	// invalid reloads keep the committed config
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs":{"max_active":-1}}`), 0o600))
	m.reload(ctx)
	assert.Equal(t, 5, m.Get().Jobs.MaxActive)
}
