// Package upload pushes finished videos to Google Drive.
package upload

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"reelforge/internal/faults"
	logx "reelforge/pkg/logx"
)

type Result struct {
	FileID       string `json:"fileId"`
	ViewLink     string `json:"viewLink"`
	DownloadLink string `json:"downloadLink"`
}

type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	// ShareLink grants anyone-with-link read access after upload.
	ShareLink bool
	Timeout   time.Duration
}

type Drive struct {
	files   *drive.FilesService
	perms   *drive.PermissionsService
	share   bool
	timeout time.Duration
	log     logx.Logger
}

// NewDrive builds a Drive client that refreshes its access token from the
// configured refresh token.
func NewDrive(ctx context.Context, cfg Config, log logx.Logger) (*Drive, error) {
	if cfg.ClientID == "" || cfg.RefreshToken == "" {
		return nil, faults.Config("drive: client_id and refresh_token are required")
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return newDrive(ctx, cfg, log, option.WithTokenSource(ts))
}

func newDrive(ctx context.Context, cfg Config, log logx.Logger, opts ...option.ClientOption) (*Drive, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "drive: new service")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Drive{
		files:   svc.Files,
		perms:   svc.Permissions,
		share:   cfg.ShareLink,
		timeout: cfg.Timeout,
		log:     log,
	}, nil
}

// Upload creates name inside folderID (or the Drive root when empty) from
// the file at localPath.
func (d *Drive) Upload(ctx context.Context, localPath, name, folderID string) (Result, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return Result{}, errors.Wrapf(err, "open %s", localPath)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	meta := &drive.File{Name: name}
	if folderID != "" {
		meta.Parents = []string{folderID}
	}
	created, err := d.files.Create(meta).
		Media(f).
		Fields("id", "webViewLink", "webContentLink").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return Result{}, classify(err, "drive: create file")
	}

	if d.share {
		_, err := d.perms.Create(created.Id, &drive.Permission{Type: "anyone", Role: "reader"}).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		if err != nil {
			d.log.Warn("drive: share link failed", logx.String("file", created.Id), logx.Err(err))
		}
	}

	d.log.Info("drive: uploaded", logx.String("file", created.Id), logx.String("folder", folderID))
	return Result{
		FileID:       created.Id,
		ViewLink:     created.WebViewLink,
		DownloadLink: created.WebContentLink,
	}, nil
}

// classify marks throttling, server errors and transport failures as
// retryable.
func classify(err error, msg string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
			return faults.Transient(err, msg)
		}
		return errors.Wrap(err, msg)
	}
	return faults.Transient(err, msg)
}
