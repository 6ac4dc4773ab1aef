package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Notification is one message for operators and, when Push is set, for
// registered devices.
type Notification struct {
	// Topic groups notifications for dedup and logging, e.g. "job.ready".
	Topic    string
	Priority int
	Title    string
	Text     string
	Data     map[string]string
	Push     bool
}

// Sink delivers notifications over one medium.
type Sink interface {
	Name() string
	Wants(n Notification) bool
	Send(ctx context.Context, n Notification) error
}

type HistoryItem struct {
	At    time.Time
	Sink  string
	Topic string
	Text  string
}

// NotificationEvent is published on the event bus for notifier lifecycle
// events.
type NotificationEvent struct {
	Sink  string    `json:"sink"`
	Topic string    `json:"topic"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
