// Package channels stores channel records: the automation schedule, the
// destination override and the run lease that keeps two passes from firing
// the same channel at once.
package channels

import (
	"strings"
	"time"
)

const Collection = "channels"

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Automation is the recurring schedule plus the lease and last-outcome
// fields the orchestrator maintains.
type Automation struct {
	Enabled         bool     `json:"enabled"`
	DaysOfWeek      []string `json:"daysOfWeek"`
	Times           []string `json:"times"`
	TimeZone        string   `json:"timeZone"`
	MaxActiveTasks  int      `json:"maxActiveTasks"`
	IntervalMinutes int      `json:"intervalMinutes"`
	AutoApprove     bool     `json:"autoApprove"`
	PromptTemplate  string   `json:"promptTemplate,omitempty"`

	IsRunning     bool       `json:"isRunning"`
	RunID         string     `json:"runId,omitempty"`
	RunStartedAt  *time.Time `json:"runStartedAt,omitempty"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt     *time.Time `json:"nextRunAt,omitempty"`
	Status        Status     `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	CurrentStep   string     `json:"currentStep,omitempty"`
}

type Destination struct {
	DriveFolderID string `json:"driveFolderId,omitempty"`
}

type Channel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Automation  Automation  `json:"automation"`
	Destination Destination `json:"destination"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Defaults fill automation fields a stored record left empty.
type Defaults struct {
	TimeZone        string
	MaxActiveTasks  int
	IntervalMinutes int
}

func (d Defaults) withFallbacks() Defaults {
	if strings.TrimSpace(d.TimeZone) == "" {
		d.TimeZone = "Asia/Almaty"
	}
	if d.MaxActiveTasks <= 0 {
		d.MaxActiveTasks = 2
	}
	if d.IntervalMinutes <= 0 {
		d.IntervalMinutes = 10
	}
	return d
}

func normalize(c Channel, d Defaults) Channel {
	d = d.withFallbacks()
	a := &c.Automation
	if strings.TrimSpace(a.TimeZone) == "" {
		a.TimeZone = d.TimeZone
	}
	if a.MaxActiveTasks <= 0 {
		a.MaxActiveTasks = d.MaxActiveTasks
	}
	if a.IntervalMinutes <= 0 {
		a.IntervalMinutes = d.IntervalMinutes
	}
	if a.Status == "" {
		a.Status = StatusIdle
	}
	a.DaysOfWeek = trimAll(a.DaysOfWeek)
	a.Times = trimAll(a.Times)
	if !a.IsRunning {
		a.RunID = ""
		a.RunStartedAt = nil
	}
	return c
}

func trimAll(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Lease is the claim a run pass holds on a channel.
type Lease struct {
	Held       bool
	HolderID   string
	AcquiredAt *time.Time
}

// Lease reads the channel's lease. AcquiredAt falls back to lastRunAt for
// records written before runStartedAt existed.
func (c Channel) Lease() Lease {
	a := c.Automation
	l := Lease{Held: a.IsRunning, HolderID: a.RunID, AcquiredAt: a.RunStartedAt}
	if l.AcquiredAt == nil {
		l.AcquiredAt = a.LastRunAt
	}
	return l
}

// Expired reports whether a held lease is too old to trust. A held lease
// with no timestamp is expired.
func (l Lease) Expired(now time.Time, staleAfter time.Duration) bool {
	if !l.Held {
		return false
	}
	if l.AcquiredAt == nil {
		return true
	}
	return now.Sub(*l.AcquiredAt) > staleAfter
}
