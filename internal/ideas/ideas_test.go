package ideas

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/channels"
	"reelforge/internal/faults"
	logx "reelforge/pkg/logx"
)

func TestParse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want []Idea
	}{
		{
			name: "array",
			in:   `[{"idea":"cat","prompt":"a cat surfing","title":"Surf"}]`,
			want: []Idea{{Idea: "cat", Prompt: "a cat surfing", Title: "Surf"}},
		},
		{
			name: "fenced object, first array field wins",
			in:   "```json\n{\"note\":\"x\",\"ideas\":[{\"prompt\":\"p1\"}],\"other\":[{\"prompt\":\"p2\"}]}\n```",
			want: []Idea{{Prompt: "p1"}},
		},
		{
			name: "bare strings and idea fallback",
			in:   `["  dogs dancing ", {"idea":"rain on glass"}, {"title":"empty"}]`,
			want: []Idea{{Prompt: "dogs dancing"}, {Idea: "rain on glass", Prompt: "rain on glass"}},
		},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}

	for _, bad := range []string{"", "hello", `{"a":1}`, `[{"title":"only"}]`} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m", req.Model)
		assert.Contains(t, req.Messages[1].Content, "Cats")

		content := "```json\n[{\"prompt\":\"a cat\",\"title\":\"Cat\"}]\n```"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "m", Timeout: 5 * time.Second}, logx.Nop())
	require.NoError(t, err)
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = time.Millisecond

	got, err := c.Generate(context.Background(), channels.Channel{ID: "c1", Name: "Cats"})
	require.NoError(t, err)
	assert.Equal(t, []Idea{{Prompt: "a cat", Title: "Cat"}}, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerateClientErrorIsNotRetryable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), channels.Channel{Name: "x"})
	require.Error(t, err)
	assert.False(t, faults.Retryable(err))
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	assert.True(t, errors.Is(err, faults.ErrConfig))
}
