package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("10s", "15m", "6h"). Secrets may be
// left empty in the file and supplied through the environment or a .env file
// (see applyEnv).
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Artifacts  ArtifactsConfig  `json:"artifacts"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Jobs       JobsConfig       `json:"jobs"`
	Matcher    MatcherConfig    `json:"matcher"`
	HTTP       HTTPConfig       `json:"http"`
	LLM        LLMConfig        `json:"llm"`
	Drive      DriveConfig      `json:"drive"`
	Push       PushConfig       `json:"push"`
	Notifier   NotifierConfig   `json:"notifier"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs receive operator notifications (job ready/failed, run summaries).
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`

	// WorkerChatID is the chat shared with the external generation worker.
	WorkerChatID int64 `json:"worker_chat_id"`
	// WorkerSenderID is the worker's user id; only its messages are candidates.
	WorkerSenderID int64 `json:"worker_sender_id"`
	// InboxSize bounds how many recent worker-chat messages are kept.
	InboxSize int `json:"inbox_size,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the document store.
//
//	"storage": { "driver": "sqlite", "path": "./data/reelforge.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ArtifactsConfig struct {
	Dir string `json:"dir"`
}

// SchedulerConfig controls periodic scheduled passes and the recurrence windows.
//
// Defaults:
//   - timezone: "Asia/Almaty" (used when a channel has none)
//   - trigger_every: "5m" (in-process trigger; "0s" leaves it to POST /api/run-scheduled)
//   - interval_window: "10m" (how late a slot may still fire today)
//   - catch_up_window: "6h" (how late yesterday's slot may still fire)
//   - stale_lease_after: "30m"
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	Timezone        string `json:"timezone,omitempty"`
	TriggerEvery    string `json:"trigger_every,omitempty"`
	IntervalWindow  string `json:"interval_window,omitempty"`
	CatchUpWindow   string `json:"catch_up_window,omitempty"`
	StaleLeaseAfter string `json:"stale_lease_after,omitempty"`
	RunTimeout      string `json:"run_timeout,omitempty"`
}

// TaskEngineConfig controls background execution of manual runs and jobs
// created over HTTP.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// JobsConfig controls job admission and retries.
//
// Defaults: max_active 2, stale_after "2h", max_attempts 3.
type JobsConfig struct {
	MaxActive   int    `json:"max_active,omitempty"`
	StaleAfter  string `json:"stale_after,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// MatcherConfig controls the response polling loop.
//
// Defaults: poll_interval "10s", timeout "15m", heuristic_window "20m", recent_limit 50.
type MatcherConfig struct {
	PollInterval    string `json:"poll_interval,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
	HeuristicWindow string `json:"heuristic_window,omitempty"`
	RecentLimit     int    `json:"recent_limit,omitempty"`
}

type HTTPConfig struct {
	Enabled     bool     `json:"enabled"`
	Addr        string   `json:"addr,omitempty"`
	CronSecret  string   `json:"cron_secret,omitempty"`
	JWTSecret   string   `json:"jwt_secret,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
	// Debug includes stack traces in error bodies.
	Debug        bool   `json:"debug,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	Enabled  bool   `json:"enabled"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	RetryMax int    `json:"retry_max,omitempty"`
}

// DriveConfig enables uploads to Google Drive with an OAuth2 refresh token.
type DriveConfig struct {
	Enabled         bool   `json:"enabled"`
	ClientID        string `json:"client_id,omitempty"`
	ClientSecret    string `json:"client_secret,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	DefaultFolderID string `json:"default_folder_id,omitempty"`
}

// PushConfig enables FCM push notifications.
type PushConfig struct {
	Enabled         bool   `json:"enabled"`
	ProjectID       string `json:"project_id,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}
