// Package ledger records which job claimed which deliverable. A
// reservation is created only if absent, so two matchers racing for the
// same deliverable resolve to exactly one winner.
package ledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"reelforge/internal/clock"
	"reelforge/internal/faults"
	"reelforge/internal/storage"
)

const Collection = "reservations"

// ErrAlreadyReserved is returned by Reserve when the deliverable has an
// owner. It is marked faults.ErrConflict.
var ErrAlreadyReserved = errors.Mark(errors.New("deliverable already reserved"), faults.ErrConflict)

type Reservation struct {
	DeliverableID  string    `json:"deliverableId"`
	JobID          string    `json:"jobId"`
	MatchingMethod string    `json:"matchingMethod"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Ledger struct {
	store storage.Store
	clock clock.Clock
}

func New(store storage.Store, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.System{}
	}
	return &Ledger{store: store, clock: clk}
}

// Reserve claims deliverableID for jobID.
func (l *Ledger) Reserve(ctx context.Context, deliverableID, jobID, method string) error {
	if deliverableID == "" || jobID == "" {
		return faults.Invalid("reserve: deliverable and job ids are required")
	}
	r := Reservation{
		DeliverableID:  deliverableID,
		JobID:          jobID,
		MatchingMethod: method,
		CreatedAt:      l.clock.Now().UTC(),
	}
	err := storage.CreateJSON(ctx, l.store, Collection, deliverableID, r)
	if errors.Is(err, storage.ErrConflict) {
		return errors.Wrapf(ErrAlreadyReserved, "deliverable %s", deliverableID)
	}
	return err
}

// Lookup returns the reservation for deliverableID.
func (l *Ledger) Lookup(ctx context.Context, deliverableID string) (Reservation, error) {
	r, err := storage.GetJSON[Reservation](ctx, l.store, Collection, deliverableID)
	if errors.Is(err, storage.ErrNotFound) {
		return Reservation{}, faults.NotFound("reservation", deliverableID)
	}
	return r, err
}

// ClaimedIDs maps every reserved deliverable to its job.
func (l *Ledger) ClaimedIDs(ctx context.Context) (map[string]string, error) {
	rs, err := storage.QueryJSON[Reservation](ctx, l.store, Collection)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rs))
	for _, r := range rs {
		out[r.DeliverableID] = r.JobID
	}
	return out, nil
}

// ForJob lists the reservations held by jobID.
func (l *Ledger) ForJob(ctx context.Context, jobID string) ([]Reservation, error) {
	return storage.QueryJSON[Reservation](ctx, l.store, Collection, storage.Eq("jobId", jobID))
}

// ReleaseJob deletes every reservation held by jobID and returns how many
// were removed. Reservations already gone are not an error.
func (l *Ledger) ReleaseJob(ctx context.Context, jobID string) (int, error) {
	rs, err := l.ForJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rs {
		err := l.store.Delete(ctx, Collection, r.DeliverableID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
