package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"reelforge/internal/faults"
	logx "reelforge/pkg/logx"
)

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// ErrInvalidToken is returned by FCM.Send when the device token is dead.
var ErrInvalidToken = errors.Mark(errors.New("push token is no longer valid"), ErrPermanent)

type FCMConfig struct {
	ProjectID       string
	CredentialsFile string
	Timeout         time.Duration
}

// FCM sends messages through the Firebase Cloud Messaging HTTP v1 API.
type FCM struct {
	http     *retryablehttp.Client
	tokens   oauth2.TokenSource
	endpoint string
}

func NewFCM(ctx context.Context, cfg FCMConfig, log logx.Logger) (*FCM, error) {
	if cfg.ProjectID == "" {
		return nil, faults.Config("push: project_id is required")
	}
	raw, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, faults.Config("push: read credentials %q: %v", cfg.CredentialsFile, err)
	}
	creds, err := google.CredentialsFromJSON(ctx, raw, fcmScope)
	if err != nil {
		return nil, faults.Config("push: parse credentials: %v", err)
	}
	endpoint := fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", cfg.ProjectID)
	return newFCM(endpoint, creds.TokenSource, cfg.Timeout, log), nil
}

func newFCM(endpoint string, ts oauth2.TokenSource, timeout time.Duration, log logx.Logger) *FCM {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := retryablehttp.NewClient()
	hc.RetryMax = 2
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.HTTPClient.Timeout = timeout
	hc.Logger = logx.Leveled{L: log}
	return &FCM{http: hc, tokens: ts, endpoint: endpoint}
}

type fcmMessage struct {
	Message struct {
		Token        string            `json:"token"`
		Notification fcmNotification   `json:"notification"`
		Data         map[string]string `json:"data,omitempty"`
	} `json:"message"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmError struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
		Details []struct {
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Send delivers one message to one device.
func (f *FCM) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	var msg fcmMessage
	msg.Message.Token = token
	msg.Message.Notification = fcmNotification{Title: title, Body: body}
	msg.Message.Data = data
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "push: encode")
	}

	tok, err := f.tokens.Token()
	if err != nil {
		return faults.Transient(err, "push: access token")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "push: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	tok.SetAuthHeader(req.Request)

	resp, err := f.http.Do(req)
	if err != nil {
		return faults.Transient(err, "push: send")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var fe fcmError
	_ = json.Unmarshal(raw, &fe)
	if invalidToken(fe) {
		return errors.Wrapf(ErrInvalidToken, "push: %s", fe.Error.Status)
	}
	err = errors.Newf("push: fcm returned %d %s: %s", resp.StatusCode, fe.Error.Status, fe.Error.Message)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return faults.Transient(err, "push")
	}
	return err
}

func invalidToken(fe fcmError) bool {
	if fe.Error.Status == "INVALID_ARGUMENT" {
		return true
	}
	for _, d := range fe.Error.Details {
		if d.ErrorCode == "UNREGISTERED" || d.ErrorCode == "INVALID_ARGUMENT" {
			return true
		}
	}
	return false
}

// Pusher sends one message to one device token.
type Pusher interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// PushSink fans a notification out to every registered device and prunes
// tokens the backend rejects.
type PushSink struct {
	push   Pusher
	tokens *Tokens
	log    logx.Logger
}

func NewPushSink(push Pusher, tokens *Tokens, log logx.Logger) *PushSink {
	return &PushSink{push: push, tokens: tokens, log: log}
}

func (*PushSink) Name() string { return "push" }

func (p *PushSink) Wants(n Notification) bool { return n.Push && p.push != nil }

func (p *PushSink) Send(ctx context.Context, n Notification) error {
	list, err := p.tokens.List(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, t := range list {
		err := p.push.Send(ctx, t.Token, n.Title, n.Text, n.Data)
		switch {
		case err == nil:
		case errors.Is(err, ErrInvalidToken):
			p.log.Info("push token pruned", logx.String("platform", t.Platform))
			if rerr := p.tokens.Remove(ctx, t.Token); rerr != nil {
				errs = errors.CombineErrors(errs, rerr)
			}
		default:
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
