package app

import (
	"strconv"
	"strings"
	"time"

	"reelforge/internal/channels"
	"reelforge/internal/config"
	"reelforge/internal/httpapi"
	"reelforge/internal/jobs"
	"reelforge/internal/matcher"
	"reelforge/internal/notifier"
	"reelforge/internal/orchestrator"
	"reelforge/internal/recurrence"
	"reelforge/internal/storage"
	"reelforge/internal/task/engine"
	"reelforge/internal/task/scheduler"
	"reelforge/internal/transport"
	logx "reelforge/pkg/logx"
)

// The mappers below assume cfg passed config.Validate, so duration fields
// parse cleanly.

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// logChat is the chat id the Telegram log sink posts to, 0 when unset.
func logChat(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: strings.TrimSpace(sc.Driver), Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	retry := te.RetryMax
	if retry <= 0 {
		retry = 3
	}
	return engine.Config{
		// Manual runs and HTTP-created jobs always need workers.
		Enabled:        true,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    te.HistorySize,
		RetryMax:       retry,
	}, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled && cfg.Scheduler.TriggerDuration() > 0,
		Timezone: cfg.Scheduler.Location(),
	}
}

func mapChannelDefaults(cfg *config.Config) channels.Defaults {
	return channels.Defaults{
		TimeZone:        cfg.Scheduler.Location(),
		MaxActiveTasks:  cfg.Jobs.Cap(),
		IntervalMinutes: int(cfg.Scheduler.IntervalDuration() / time.Minute),
	}
}

func mapOrchestrator(cfg *config.Config) orchestrator.Config {
	s := cfg.Scheduler
	return orchestrator.Config{
		StaleLeaseAfter: s.StaleLeaseDuration(),
		Windows: recurrence.Settings{
			IntervalMinutes: int(s.IntervalDuration() / time.Minute),
			CatchUpMinutes:  int(s.CatchUpDuration() / time.Minute),
		},
		PipelineTimeout: pipelineTimeout(cfg),
	}
}

// pipelineTimeout bounds one job's pipeline: the matcher timeout plus room
// for dispatch, download and an auto-approved upload.
func pipelineTimeout(cfg *config.Config) time.Duration {
	return cfg.Matcher.TimeoutDuration() + 10*time.Minute
}

func mapJobs(cfg *config.Config) jobs.Config {
	return jobs.Config{
		GlobalCap:       cfg.Jobs.Cap(),
		StaleAfter:      cfg.Jobs.StaleDuration(),
		MaxAttempts:     cfg.Jobs.Attempts(),
		DefaultFolderID: strings.TrimSpace(cfg.Drive.DefaultFolderID),
	}
}

func mapMatcher(cfg *config.Config) matcher.Config {
	m := cfg.Matcher
	return matcher.Config{
		Peer:            transport.Peer{ChatID: cfg.Telegram.WorkerChatID, SenderID: cfg.Telegram.WorkerSenderID},
		PollInterval:    m.PollDuration(),
		Timeout:         m.TimeoutDuration(),
		HeuristicWindow: m.HeuristicDuration(),
		RecentLimit:     m.Recent(),
	}
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	base, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 2*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
	}, nil
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:         h.Enabled,
		Addr:            strings.TrimSpace(h.Addr),
		CronSecret:      h.CronSecret,
		JWTSecret:       h.JWTSecret,
		CORSOrigins:     h.CORSOrigins,
		Debug:           h.Debug,
		ReadTimeout:     read,
		WriteTimeout:    write,
		PipelineTimeout: pipelineTimeout(cfg),
	}, nil
}
