package channels

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"reelforge/internal/faults"
	"reelforge/internal/storage"
)

// ErrLeaseHeld is returned when another pass holds a live lease.
var ErrLeaseHeld = errors.New("channel lease held")

type Repo struct {
	store    storage.Store
	defaults Defaults
}

func NewRepo(store storage.Store, d Defaults) *Repo {
	return &Repo{store: store, defaults: d.withFallbacks()}
}

func (r *Repo) Defaults() Defaults { return r.defaults }

func (r *Repo) Get(ctx context.Context, id string) (Channel, error) {
	c, err := storage.GetJSON[Channel](ctx, r.store, Collection, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Channel{}, faults.NotFound("channel", id)
		}
		return Channel{}, err
	}
	return normalize(c, r.defaults), nil
}

// List returns every channel in creation order.
func (r *Repo) List(ctx context.Context) ([]Channel, error) {
	cs, err := storage.QueryJSON[Channel](ctx, r.store, Collection)
	if err != nil {
		return nil, err
	}
	for i := range cs {
		cs[i] = normalize(cs[i], r.defaults)
	}
	return cs, nil
}

// Save creates or replaces a channel. An empty ID gets a fresh one.
func (r *Repo) Save(ctx context.Context, c Channel, now time.Time) (Channel, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Channel{}, faults.Invalid("channel name is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c = normalize(c, r.defaults)
	if err := storage.PutJSON(ctx, r.store, Collection, c.ID, c); err != nil {
		return Channel{}, err
	}
	return c, nil
}

// AutomationUpdate carries the operator-editable schedule fields. Nil
// pointers leave the stored value alone.
type AutomationUpdate struct {
	Enabled         *bool     `json:"enabled"`
	DaysOfWeek      *[]string `json:"daysOfWeek"`
	Times           *[]string `json:"times"`
	TimeZone        *string   `json:"timeZone"`
	MaxActiveTasks  *int      `json:"maxActiveTasks"`
	IntervalMinutes *int      `json:"intervalMinutes"`
	AutoApprove     *bool     `json:"autoApprove"`
	PromptTemplate  *string   `json:"promptTemplate"`
	DriveFolderID   *string   `json:"driveFolderId"`
}

// UpdateAutomation applies u and lets derive recompute fields that depend
// on the new schedule (nextRunAt) inside the same atomic write.
func (r *Repo) UpdateAutomation(ctx context.Context, id string, u AutomationUpdate, now time.Time, derive func(*Channel) error) (Channel, error) {
	return r.mutate(ctx, id, func(c *Channel) error {
		a := &c.Automation
		if u.Enabled != nil {
			a.Enabled = *u.Enabled
		}
		if u.DaysOfWeek != nil {
			a.DaysOfWeek = *u.DaysOfWeek
		}
		if u.Times != nil {
			a.Times = *u.Times
		}
		if u.TimeZone != nil {
			a.TimeZone = *u.TimeZone
		}
		if u.MaxActiveTasks != nil {
			if *u.MaxActiveTasks < 0 {
				return faults.Invalid("maxActiveTasks must be >= 0")
			}
			a.MaxActiveTasks = *u.MaxActiveTasks
		}
		if u.IntervalMinutes != nil {
			if *u.IntervalMinutes < 0 {
				return faults.Invalid("intervalMinutes must be >= 0")
			}
			a.IntervalMinutes = *u.IntervalMinutes
		}
		if u.AutoApprove != nil {
			a.AutoApprove = *u.AutoApprove
		}
		if u.PromptTemplate != nil {
			a.PromptTemplate = *u.PromptTemplate
		}
		if u.DriveFolderID != nil {
			c.Destination.DriveFolderID = *u.DriveFolderID
		}
		c.UpdatedAt = now
		*c = normalize(*c, r.defaults)
		if derive != nil {
			return derive(c)
		}
		return nil
	})
}

// AcquireLease claims the channel for holder in one conditional write. A
// live lease held by someone else yields ErrLeaseHeld; an expired one is
// taken over. A non-nil slot is stamped as lastRunAt in the same write, so
// a holder that dies mid-run leaves the slot consumed.
func (r *Repo) AcquireLease(ctx context.Context, id, holder string, now time.Time, staleAfter time.Duration, slot *time.Time) (Channel, error) {
	return r.mutate(ctx, id, func(c *Channel) error {
		l := c.Lease()
		if l.Held && l.HolderID != holder && !l.Expired(now, staleAfter) {
			return errors.Wrapf(ErrLeaseHeld, "channel %s held by %s", id, l.HolderID)
		}
		a := &c.Automation
		a.IsRunning = true
		a.RunID = holder
		a.RunStartedAt = &now
		a.Status = StatusRunning
		a.StatusMessage = ""
		a.CurrentStep = "starting"
		if slot != nil {
			at := *slot
			a.LastRunAt = &at
		}
		return nil
	})
}

// Outcome is what a finished pass records on the channel.
type Outcome struct {
	Status    Status
	Message   string
	NextRunAt *time.Time

	// Unclaim puts lastRunAt back to PrevLastRunAt. It is for a fire that
	// ended before any job existed, so the slot may fire again.
	Unclaim       bool
	PrevLastRunAt *time.Time
}

// ReleaseLease records the outcome and drops the lease if holder still
// owns it (or nobody does, after a job-level reset).
func (r *Repo) ReleaseLease(ctx context.Context, id, holder string, o Outcome) (Channel, error) {
	return r.mutate(ctx, id, func(c *Channel) error {
		a := &c.Automation
		if o.Unclaim && a.RunID == holder {
			a.LastRunAt = o.PrevLastRunAt
		}
		if a.RunID == "" || a.RunID == holder {
			clearLease(a)
		}
		if o.Status != "" {
			a.Status = o.Status
		}
		a.StatusMessage = o.Message
		a.CurrentStep = ""
		if o.NextRunAt != nil {
			a.NextRunAt = o.NextRunAt
		}
		return nil
	})
}

// ResetLease clears the lease. With a non-empty holder only that holder's
// lease is cleared. It reports whether a lease was actually dropped.
func (r *Repo) ResetLease(ctx context.Context, id, holder string) (bool, error) {
	cleared := false
	_, err := r.mutate(ctx, id, func(c *Channel) error {
		a := &c.Automation
		if !a.IsRunning && a.RunID == "" {
			return nil
		}
		if holder != "" && a.RunID != "" && a.RunID != holder {
			return nil
		}
		clearLease(a)
		if a.Status == StatusRunning {
			a.Status = StatusIdle
		}
		cleared = true
		return nil
	})
	return cleared, err
}

// SetStep records progress for operators watching the channel.
func (r *Repo) SetStep(ctx context.Context, id, step string) error {
	_, err := r.mutate(ctx, id, func(c *Channel) error {
		c.Automation.CurrentStep = step
		return nil
	})
	return err
}

// Delete removes a channel record. Jobs keep their channelId.
func (r *Repo) Delete(ctx context.Context, id string) error {
	err := r.store.Delete(ctx, Collection, id)
	if errors.Is(err, storage.ErrNotFound) {
		return faults.NotFound("channel", id)
	}
	return err
}

func clearLease(a *Automation) {
	a.IsRunning = false
	a.RunID = ""
	a.RunStartedAt = nil
}

func (r *Repo) mutate(ctx context.Context, id string, fn func(*Channel) error) (Channel, error) {
	c, err := storage.MutateJSON(ctx, r.store, Collection, id, func(c *Channel) error {
		*c = normalize(*c, r.defaults)
		return fn(c)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Channel{}, faults.NotFound("channel", id)
	}
	return c, err
}
