package faults

import (
	"net/http"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeAndStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{name: "capacity", err: Capacity("channel c1", 2, 2), code: "CapacityExceeded", status: http.StatusTooManyRequests},
		{name: "timeout", err: MatchTimeout("j1", 15*time.Minute), code: "MatchTimeout", status: http.StatusGatewayTimeout},
		{name: "config", err: Config("missing %s", "token"), code: "ConfigError", status: http.StatusInternalServerError},
		{name: "transient", err: Transient(errors.New("eof"), "download"), code: "TransientExternalError", status: http.StatusBadGateway},
		{name: "integrity", err: Integrity("job %s vanished", "j1"), code: "DataIntegrityError", status: http.StatusInternalServerError},
		{name: "not found", err: NotFound("job", "j1"), code: "NotFound", status: http.StatusNotFound},
		{name: "invalid", err: Invalid("bad"), code: "InvalidRequest", status: http.StatusBadRequest},
		{name: "plain", err: errors.New("boom"), code: "InternalError", status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestMarkersSurviveWrapping(t *testing.T) {
	t.Parallel()
	err := errors.Wrap(Capacity("global", 2, 2), "create job")
	require.True(t, errors.Is(err, ErrCapacityExceeded))
	assert.False(t, Retryable(err))
	assert.True(t, Retryable(errors.Wrap(Transient(nil, "empty file"), "match")))
}

func TestGuardKeepsPrimary(t *testing.T) {
	t.Parallel()
	primary := MatchTimeout("j1", time.Minute)
	secondary := errors.New("reset failed")

	got := Guard(primary, secondary)
	require.True(t, errors.Is(got, ErrMatchTimeout))
	assert.Equal(t, primary.Error(), got.Error())

	assert.Equal(t, primary, Guard(primary, nil))
	assert.Equal(t, secondary, Guard(nil, secondary))
}
