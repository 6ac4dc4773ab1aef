package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"reelforge/internal/channels"
	"reelforge/internal/faults"
	"reelforge/internal/jobs"
	"reelforge/internal/orchestrator"
	logx "reelforge/pkg/logx"
)

func (a *API) runScheduled(w http.ResponseWriter, r *http.Request) {
	sum, err := a.d.Orchestrator.RunScheduled(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) runChannel(w http.ResponseWriter, r *http.Request) {
	force, err := boolQuery(r, "force")
	if err != nil {
		a.writeErr(w, err)
		return
	}
	sum, err := a.d.Orchestrator.RunChannel(r.Context(), chi.URLParam(r, "id"), force)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type resetReq struct {
	ChannelID string `json:"channelId"`
}

func (a *API) resetFlags(w http.ResponseWriter, r *http.Request) {
	var req resetReq
	if err := decodeJSON(r, &req, true); err != nil {
		a.writeErr(w, err)
		return
	}
	if req.ChannelID == "" {
		req.ChannelID = r.URL.Query().Get("channelId")
	}
	sum, err := a.d.Orchestrator.ResetFlags(r.Context(), strings.TrimSpace(req.ChannelID))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) listChannels(w http.ResponseWriter, r *http.Request) {
	list, err := a.d.Channels.List(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if list == nil {
		list = []channels.Channel{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := a.d.Channels.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (a *API) updateAutomation(w http.ResponseWriter, r *http.Request) {
	var u channels.AutomationUpdate
	if err := decodeJSON(r, &u, false); err != nil {
		a.writeErr(w, err)
		return
	}
	ch, err := a.d.Orchestrator.UpdateAutomation(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// createJob inserts a manual job and hands its pipeline to the executor.
// The response does not wait for the video.
func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateRequest
	if err := decodeJSON(r, &req, false); err != nil {
		a.writeErr(w, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		a.writeErr(w, faults.Invalid("prompt is required"))
		return
	}
	if req.ChannelID != "" {
		if _, err := a.d.Channels.Get(r.Context(), req.ChannelID); err != nil {
			a.writeErr(w, err)
			return
		}
	}
	j, err := a.d.Jobs.Create(r.Context(), req)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if err := a.enqueuePipeline(j.ID); err != nil {
		a.writeErr(w, a.abandon(r.Context(), j.ID, err))
		return
	}
	a.log.Info("job created", logx.String("job", j.ID), logx.String("channel", j.ChannelID), logx.String("by", Subject(r.Context())))
	writeJSON(w, http.StatusCreated, j)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := a.d.Jobs.List(r.Context(), r.URL.Query().Get("channelId"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if st := r.URL.Query().Get("status"); st != "" {
		kept := list[:0]
		for _, j := range list {
			if string(j.Status) == st {
				kept = append(kept, j)
			}
		}
		list = kept
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.d.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	rep, err := a.d.Jobs.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) jobAction(fn func(context.Context, string) (jobs.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			a.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	}
}

func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.d.Jobs.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if err := a.enqueuePipeline(j.ID); err != nil {
		a.writeErr(w, a.abandon(r.Context(), j.ID, err))
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// abandon cancels a queued job whose pipeline could not be scheduled.
func (a *API) abandon(ctx context.Context, id string, cause error) error {
	err := errors.Wrap(cause, "schedule pipeline")
	if _, cerr := a.d.Jobs.Cancel(context.WithoutCancel(ctx), id); cerr != nil {
		err = faults.Guard(err, cerr)
	}
	return err
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.writeErr(w, faults.Invalid("invalid limit: %s", raw))
			return
		}
		limit = min(n, 500)
	}
	runs, err := a.d.Orchestrator.ListRuns(r.Context(), limit)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []orchestrator.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := a.d.Orchestrator.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if evs == nil {
		evs = []orchestrator.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

type tokenReq struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (a *API) registerToken(w http.ResponseWriter, r *http.Request) {
	if a.d.Tokens == nil {
		a.writeErr(w, faults.Config("push notifications are not configured"))
		return
	}
	var req tokenReq
	if err := decodeJSON(r, &req, false); err != nil {
		a.writeErr(w, err)
		return
	}
	pt, err := a.d.Tokens.Register(r.Context(), req.Token, req.Platform)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pt)
}

func boolQuery(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, faults.Invalid("invalid %s: %s", key, raw)
	}
	return v, nil
}
