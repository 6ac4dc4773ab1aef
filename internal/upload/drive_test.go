package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"reelforge/internal/faults"
	logx "reelforge/pkg/logx"
)

func TestNewDriveRequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := NewDrive(context.Background(), Config{ClientID: "id"}, logx.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfig))
}

func TestClassify(t *testing.T) {
	t.Parallel()
	assert.True(t, faults.Retryable(classify(&googleapi.Error{Code: 503}, "x")))
	assert.True(t, faults.Retryable(classify(&googleapi.Error{Code: 429}, "x")))
	assert.False(t, faults.Retryable(classify(&googleapi.Error{Code: 404}, "x")))
	assert.True(t, faults.Retryable(classify(errors.New("connection reset"), "x")))
}

func TestUploadRoundTrip(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"file-1","webViewLink":"https://view/file-1","webContentLink":"https://dl/file-1"}`))
	}))
	defer srv.Close()

	d, err := newDrive(context.Background(), Config{}, logx.Nop(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(local, []byte("mp4"), 0o600))

	res, err := d.Upload(context.Background(), local, "clip.mp4", "folder-1")
	require.NoError(t, err)
	assert.Equal(t, Result{FileID: "file-1", ViewLink: "https://view/file-1", DownloadLink: "https://dl/file-1"}, res)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUploadMissingFile(t *testing.T) {
	t.Parallel()
	d := &Drive{log: logx.Nop()}
	_, err := d.Upload(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), "nope.mp4", "")
	require.Error(t, err)
}
