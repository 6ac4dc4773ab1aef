// Package jobs owns the job record and its state machine.
//
// A job moves queued → sending → waiting_response → downloading → ready →
// uploading → uploaded, with side exits to rejected, timeout, cancelled and
// error. Every write goes through Manager.Advance, which validates the edge
// against CanTransition inside one atomic store mutation.
package jobs

import (
	"strings"
	"time"
)

const Collection = "jobs"

type Status string

const (
	StatusQueued          Status = "queued"
	StatusSending         Status = "sending"
	StatusWaitingResponse Status = "waiting_response"
	StatusDownloading     Status = "downloading"
	StatusReady           Status = "ready"
	StatusUploading       Status = "uploading"
	StatusUploaded        Status = "uploaded"
	StatusRejected        Status = "rejected"
	StatusTimeout         Status = "timeout"
	StatusCancelled       Status = "cancelled"
	StatusError           Status = "error"
)

var transitions = map[Status][]Status{
	StatusQueued:          {StatusSending, StatusCancelled, StatusError},
	StatusSending:         {StatusWaitingResponse, StatusTimeout, StatusCancelled, StatusError},
	StatusWaitingResponse: {StatusDownloading, StatusTimeout, StatusCancelled, StatusError},
	StatusDownloading:     {StatusReady, StatusCancelled, StatusError},
	StatusReady:           {StatusUploading, StatusRejected},
	StatusUploading:       {StatusUploaded, StatusReady},
	StatusError:           {StatusQueued},
	StatusTimeout:         {StatusQueued},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ActiveStatuses count against the concurrency cap.
var ActiveStatuses = []Status{StatusQueued, StatusSending, StatusWaitingResponse, StatusDownloading, StatusUploading}

func (s Status) Active() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Terminal statuses end the pipeline. error and timeout can still be
// retried by an operator.
func (s Status) Terminal() bool {
	switch s {
	case StatusUploaded, StatusRejected, StatusCancelled, StatusError, StatusTimeout:
		return true
	}
	return false
}

// releasesLease reports whether reaching to from from ends the channel's
// claim on the pass that created the job.
func releasesLease(from, to Status) bool {
	switch to {
	case StatusError, StatusTimeout, StatusCancelled, StatusRejected, StatusUploaded:
		return true
	case StatusReady:
		return from == StatusUploading
	}
	return false
}

type Job struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	IsAuto    bool   `json:"isAuto"`
	Status    Status `json:"status"`

	PromptText string `json:"promptText"`
	Title      string `json:"title,omitempty"`

	ResultArtifactPath string   `json:"resultArtifactPath,omitempty"`
	ResultSize         int64    `json:"resultSize,omitempty"`
	PreviewPath        string   `json:"previewPath,omitempty"`
	ThumbnailPath      string   `json:"thumbnailPath,omitempty"`
	AuxPaths           []string `json:"auxPaths,omitempty"`

	ExternalRequestRef     string `json:"externalRequestRef,omitempty"`
	ExternalDeliverableRef string `json:"externalDeliverableRef,omitempty"`
	MatchingMethod         string `json:"matchingMethod,omitempty"`

	RemoteFileID       string `json:"remoteFileId,omitempty"`
	RemoteViewLink     string `json:"remoteViewLink,omitempty"`
	RemoteDownloadLink string `json:"remoteDownloadLink,omitempty"`

	ErrorMessage string         `json:"errorMessage,omitempty"`
	Attempts     int            `json:"attempts"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Files lists every artifact path recorded on the job.
func (j Job) Files() []string {
	var out []string
	for _, p := range append([]string{j.ResultArtifactPath, j.PreviewPath, j.ThumbnailPath}, j.AuxPaths...) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalize(j Job) Job {
	if j.Status == "" {
		j.Status = StatusQueued
	}
	if j.Attempts < 1 {
		j.Attempts = 1
	}
	j.PromptText = strings.TrimSpace(j.PromptText)
	j.Title = strings.TrimSpace(j.Title)
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	return j
}
