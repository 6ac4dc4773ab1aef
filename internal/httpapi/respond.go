package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"

	"reelforge/internal/faults"
	logx "reelforge/pkg/logx"
)

const maxBody = 1 << 20

type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeErr(w http.ResponseWriter, err error) {
	status := faults.HTTPStatus(err)
	body := errorBody{Error: faults.Code(err), Message: err.Error(), Details: map[string]any{}}
	if status >= http.StatusInternalServerError {
		a.log.Error("http request failed", logx.String("code", body.Error), logx.Err(err))
		if !a.cfg.Debug && body.Error == "InternalError" {
			body.Message = "internal error"
		}
	}
	if a.cfg.Debug {
		body.Details["stack"] = fmt.Sprintf("%+v", err)
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a JSON body into v. Unknown fields are rejected. An
// empty body leaves v untouched when optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	case errors.Is(err, io.EOF):
		return faults.Invalid("request body is required")
	default:
		return faults.Invalid("bad json: %v", err)
	}
}

func panicError(rec any) error {
	return errors.Newf("panic: %v", rec)
}
