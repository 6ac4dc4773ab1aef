package config

import (
	"strings"
	"time"

	"reelforge/internal/clock"
	"reelforge/internal/faults"
)

const DefaultTimezone = "Asia/Almaty"

// Validate checks a parsed config for contradictions that would only
// surface later at runtime. Every error is marked faults.ErrConfig.
func Validate(cfg *Config) error {
	if cfg == nil {
		return faults.Config("config is nil")
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.trigger_every", cfg.Scheduler.TriggerEvery},
		{"scheduler.interval_window", cfg.Scheduler.IntervalWindow},
		{"scheduler.catch_up_window", cfg.Scheduler.CatchUpWindow},
		{"scheduler.stale_lease_after", cfg.Scheduler.StaleLeaseAfter},
		{"scheduler.run_timeout", cfg.Scheduler.RunTimeout},
		{"task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout},
		{"jobs.stale_after", cfg.Jobs.StaleAfter},
		{"matcher.poll_interval", cfg.Matcher.PollInterval},
		{"matcher.timeout", cfg.Matcher.Timeout},
		{"matcher.heuristic_window", cfg.Matcher.HeuristicWindow},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"llm.timeout", cfg.LLM.Timeout},
		{"push.timeout", cfg.Push.Timeout},
		{"notifier.retry_base", cfg.Notifier.RetryBase},
		{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		{"notifier.dedup_window", cfg.Notifier.DedupWindow},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := clock.Location(tz); err != nil {
			return faults.Config("scheduler.timezone: %v", err)
		}
	}

	if cfg.Jobs.MaxActive < 0 {
		return faults.Config("jobs.max_active must be >= 0")
	}
	if cfg.Jobs.MaxAttempts < 0 {
		return faults.Config("jobs.max_attempts must be >= 0")
	}

	interval := cfg.Scheduler.IntervalDuration()
	catchUp := cfg.Scheduler.CatchUpDuration()
	if catchUp < interval {
		return faults.Config("scheduler.catch_up_window (%s) must not be shorter than interval_window (%s)", catchUp, interval)
	}
	if catchUp >= 24*time.Hour {
		return faults.Config("scheduler.catch_up_window must be under 24h")
	}

	poll := cfg.Matcher.PollDuration()
	if poll >= cfg.Matcher.TimeoutDuration() {
		return faults.Config("matcher.poll_interval must be shorter than matcher.timeout")
	}

	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.CronSecret) == "" && strings.TrimSpace(cfg.HTTP.JWTSecret) == "" {
		return faults.Config("http: cron_secret or jwt_secret is required (set %s or %s)", EnvCronSecret, EnvJWTSecret)
	}
	if cfg.LLM.Enabled && strings.TrimSpace(cfg.LLM.BaseURL) == "" {
		return faults.Config("llm.base_url is required when llm is enabled")
	}
	if cfg.Drive.Enabled {
		if strings.TrimSpace(cfg.Drive.ClientID) == "" || strings.TrimSpace(cfg.Drive.RefreshToken) == "" {
			return faults.Config("drive: client_id and refresh_token are required when drive is enabled")
		}
	}
	if cfg.Push.Enabled && strings.TrimSpace(cfg.Push.ProjectID) == "" {
		return faults.Config("push.project_id is required when push is enabled")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return faults.Config("storage.driver: unsupported %q", cfg.Storage.Driver)
	}
	return nil
}

// dur parses a field that already passed Validate.
func dur(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

func (s SchedulerConfig) Location() string {
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		return tz
	}
	return DefaultTimezone
}

func (s SchedulerConfig) TriggerDuration() time.Duration {
	if strings.TrimSpace(s.TriggerEvery) == "0s" || strings.TrimSpace(s.TriggerEvery) == "0" {
		return 0
	}
	return dur(s.TriggerEvery, 5*time.Minute)
}

func (s SchedulerConfig) IntervalDuration() time.Duration {
	return dur(s.IntervalWindow, 10*time.Minute)
}
func (s SchedulerConfig) CatchUpDuration() time.Duration { return dur(s.CatchUpWindow, 6*time.Hour) }
func (s SchedulerConfig) StaleLeaseDuration() time.Duration {
	return dur(s.StaleLeaseAfter, 30*time.Minute)
}
func (s SchedulerConfig) RunTimeoutDuration() time.Duration { return dur(s.RunTimeout, 30*time.Minute) }

func (j JobsConfig) Cap() int {
	if j.MaxActive <= 0 {
		return 2
	}
	return j.MaxActive
}

func (j JobsConfig) StaleDuration() time.Duration { return dur(j.StaleAfter, 2*time.Hour) }

func (j JobsConfig) Attempts() int {
	if j.MaxAttempts <= 0 {
		return 3
	}
	return j.MaxAttempts
}

func (m MatcherConfig) PollDuration() time.Duration    { return dur(m.PollInterval, 10*time.Second) }
func (m MatcherConfig) TimeoutDuration() time.Duration { return dur(m.Timeout, 15*time.Minute) }
func (m MatcherConfig) HeuristicDuration() time.Duration {
	return dur(m.HeuristicWindow, 20*time.Minute)
}

func (m MatcherConfig) Recent() int {
	if m.RecentLimit <= 0 {
		return 50
	}
	return m.RecentLimit
}
