package jobs

import (
	"context"

	"github.com/cockroachdb/errors"

	"reelforge/internal/faults"
	"reelforge/internal/storage"
	logx "reelforge/pkg/logx"
)

type artifactKind string

const (
	artifactFiles        artifactKind = "files"
	artifactReservations artifactKind = "reservations"
	artifactEvents       artifactKind = "events"
)

// manifest is every kind of record hanging off a job. Delete walks it in
// order; each deleter tolerates its records being gone already.
var manifest = []artifactKind{artifactFiles, artifactReservations, artifactEvents}

type DeleteReport struct {
	JobID                string   `json:"jobId"`
	FilesRemoved         int      `json:"filesRemoved"`
	ReservationsReleased int      `json:"reservationsReleased"`
	EventsPurged         int      `json:"eventsPurged"`
	Missing              []string `json:"missing,omitempty"`
}

// Delete removes a job together with its artifacts, reservations and audit
// events. Every deleter runs even if an earlier one failed; the job record
// itself is only removed when all of them succeeded, so a failed delete can
// be repeated.
func (m *Manager) Delete(ctx context.Context, id string) (DeleteReport, error) {
	j, err := m.Get(ctx, id)
	if err != nil {
		return DeleteReport{}, err
	}
	rep := DeleteReport{JobID: id}

	var errs error
	for _, kind := range manifest {
		if err := m.deleteKind(ctx, kind, j, &rep); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "delete %s", kind))
		}
	}
	if errs != nil {
		return rep, errs
	}

	err = m.store.Delete(ctx, Collection, id)
	if errors.Is(err, storage.ErrNotFound) {
		return rep, faults.NotFound("job", id)
	}
	if err != nil {
		return rep, err
	}
	m.log.Info("job deleted",
		logx.String("job", id),
		logx.Int("files", rep.FilesRemoved),
		logx.Int("reservations", rep.ReservationsReleased),
		logx.Int("events", rep.EventsPurged),
		logx.Strings("missing", rep.Missing),
	)
	return rep, nil
}

func (m *Manager) deleteKind(ctx context.Context, kind artifactKind, j Job, rep *DeleteReport) error {
	switch kind {
	case artifactFiles:
		var errs error
		for _, p := range j.Files() {
			removed, err := m.blobs.Remove(p)
			switch {
			case err != nil:
				errs = errors.CombineErrors(errs, err)
			case removed:
				rep.FilesRemoved++
			default:
				rep.Missing = append(rep.Missing, p)
			}
		}
		return errs
	case artifactReservations:
		n, err := m.ledger.ReleaseJob(ctx, j.ID)
		rep.ReservationsReleased = n
		return err
	case artifactEvents:
		if m.events == nil {
			return nil
		}
		n, err := m.events.PurgeJob(ctx, j.ID)
		rep.EventsPurged = n
		return err
	}
	return errors.AssertionFailedf("unknown artifact kind %q", kind)
}
