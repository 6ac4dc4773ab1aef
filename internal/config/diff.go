package config

import (
	"encoding/json"
	"sort"
	"strings"

	logx "reelforge/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ between two
// configs, plus a few safe attributes for the reload log line. Secrets are
// reported only as "set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	sections := func(c *Config) map[string]any {
		return map[string]any{
			"telegram":    redactTelegram(c.Telegram),
			"logging":     c.Logging,
			"storage":     c.Storage,
			"artifacts":   c.Artifacts,
			"scheduler":   c.Scheduler,
			"task_engine": c.TaskEngine,
			"jobs":        c.Jobs,
			"matcher":     c.Matcher,
			"http":        redactHTTP(c.HTTP),
			"llm":         redactLLM(c.LLM),
			"drive":       redactDrive(c.Drive),
			"push":        c.Push,
			"notifier":    c.Notifier,
		}
	}
	oldS, newS := sections(oldCfg), sections(newCfg)

	var changed []string
	for name, nv := range newS {
		if sameJSON(oldS[name], nv) {
			continue
		}
		changed = append(changed, name)
	}
	sort.Strings(changed)

	attrs := make([]logx.Field, 0, 8)
	for _, name := range changed {
		switch name {
		case "scheduler":
			attrs = append(attrs,
				logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
				logx.String("scheduler.timezone", newCfg.Scheduler.Location()),
				logx.Duration("scheduler.trigger_every", newCfg.Scheduler.TriggerDuration()),
			)
		case "jobs":
			attrs = append(attrs,
				logx.Int("jobs.max_active", newCfg.Jobs.Cap()),
				logx.Int("jobs.max_attempts", newCfg.Jobs.Attempts()),
			)
		case "logging":
			attrs = append(attrs,
				logx.String("logging.level", newCfg.Logging.Level),
				logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
			)
		case "http":
			attrs = append(attrs,
				logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
				logx.Bool("http.jwt_secret_set", newCfg.HTTP.JWTSecret != ""),
			)
		}
	}
	return changed, attrs
}

// RequiresRestart reports changes that live components cannot pick up.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram.token")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Artifacts != newCfg.Artifacts {
		out = append(out, "artifacts.dir")
	}
	if oldCfg.Telegram.WorkerChatID != newCfg.Telegram.WorkerChatID || oldCfg.Telegram.WorkerSenderID != newCfg.Telegram.WorkerSenderID {
		out = append(out, "telegram.worker")
	}
	if !sameJSON(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		out = append(out, "telegram.owner_user_ids")
	}
	if oldCfg.Scheduler.IntervalWindow != newCfg.Scheduler.IntervalWindow ||
		oldCfg.Scheduler.CatchUpWindow != newCfg.Scheduler.CatchUpWindow ||
		oldCfg.Scheduler.StaleLeaseAfter != newCfg.Scheduler.StaleLeaseAfter {
		out = append(out, "scheduler.windows")
	}
	if oldCfg.Jobs != newCfg.Jobs {
		out = append(out, "jobs")
	}
	if oldCfg.Matcher != newCfg.Matcher {
		out = append(out, "matcher")
	}
	if oldCfg.LLM != newCfg.LLM {
		out = append(out, "llm")
	}
	if oldCfg.Drive != newCfg.Drive {
		out = append(out, "drive")
	}
	if oldCfg.Push != newCfg.Push {
		out = append(out, "push")
	}
	return out
}

func redactTelegram(t TelegramConfig) TelegramConfig {
	if t.Token != "" {
		t.Token = "set"
	}
	return t
}

func redactHTTP(h HTTPConfig) HTTPConfig {
	if h.CronSecret != "" {
		h.CronSecret = "set"
	}
	if h.JWTSecret != "" {
		h.JWTSecret = "set"
	}
	return h
}

func redactLLM(l LLMConfig) LLMConfig {
	if l.APIKey != "" {
		l.APIKey = "set"
	}
	return l
}

func redactDrive(d DriveConfig) DriveConfig {
	if d.ClientSecret != "" {
		d.ClientSecret = "set"
	}
	if d.RefreshToken != "" {
		d.RefreshToken = "set"
	}
	return d
}

func sameJSON(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
