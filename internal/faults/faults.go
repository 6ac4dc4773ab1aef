// Package faults holds the error taxonomy shared by the scheduler core.
//
// Every failure that crosses a package boundary carries one of the marker
// errors below (via errors.Mark), so callers classify with errors.Is and the
// HTTP layer maps markers to machine codes without string matching.
package faults

import (
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrConfig            = errors.New("config error")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrMatchTimeout      = errors.New("match timeout")
	ErrTransientExternal = errors.New("transient external error")
	ErrDataIntegrity     = errors.New("data integrity error")
	ErrInvalid           = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
)

// Config reports a missing or malformed setting.
func Config(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfig)
}

// Capacity reports that creating another job would exceed the active limit.
func Capacity(scope string, active, limit int) error {
	err := errors.Newf("capacity exceeded for %s: %d active, limit %d", scope, active, limit)
	err = errors.WithSafeDetails(err, "scope=%s active=%d limit=%d", errors.Safe(scope), errors.Safe(active), errors.Safe(limit))
	return errors.Mark(err, ErrCapacityExceeded)
}

// MatchTimeout reports that no deliverable was matched in time.
func MatchTimeout(jobID string, waited time.Duration) error {
	err := errors.Newf("no deliverable matched for job %s after %s", jobID, waited)
	return errors.Mark(err, ErrMatchTimeout)
}

// Transient wraps a failure of an outer collaborator that is worth retrying.
func Transient(err error, msg string) error {
	if err == nil {
		err = errors.New(msg)
	} else {
		err = errors.Wrap(err, msg)
	}
	return errors.Mark(err, ErrTransientExternal)
}

// Integrity reports a record that vanished or contradicts itself mid-operation.
func Integrity(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrDataIntegrity)
}

// Invalid reports a caller mistake (bad input, illegal transition).
func Invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalid)
}

// NotFound reports a missing record.
func NotFound(kind, id string) error {
	return errors.Mark(errors.Newf("%s %q not found", kind, id), ErrNotFound)
}

// Guard attaches secondary as context on primary without replacing it.
// Cleanup paths use it so a failed reset never hides the failure that
// triggered the reset.
func Guard(primary, secondary error) error {
	switch {
	case secondary == nil:
		return primary
	case primary == nil:
		return secondary
	default:
		return errors.WithSecondaryError(primary, secondary)
	}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return err != nil && errors.Is(err, ErrTransientExternal)
}

// Code returns the machine-readable category of err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacityExceeded):
		return "CapacityExceeded"
	case errors.Is(err, ErrMatchTimeout):
		return "MatchTimeout"
	case errors.Is(err, ErrConfig):
		return "ConfigError"
	case errors.Is(err, ErrTransientExternal):
		return "TransientExternalError"
	case errors.Is(err, ErrDataIntegrity):
		return "DataIntegrityError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrInvalid):
		return "InvalidRequest"
	default:
		return "InternalError"
	}
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "CapacityExceeded":
		return http.StatusTooManyRequests
	case "NotFound":
		return http.StatusNotFound
	case "Conflict":
		return http.StatusConflict
	case "InvalidRequest":
		return http.StatusBadRequest
	case "MatchTimeout":
		return http.StatusGatewayTimeout
	case "TransientExternalError":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
