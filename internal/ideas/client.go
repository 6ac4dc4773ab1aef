// Package ideas asks an OpenAI-compatible chat endpoint for video ideas
// when a channel has no fixed prompt template.
package ideas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"

	"reelforge/internal/channels"
	"reelforge/internal/faults"
	logx "reelforge/pkg/logx"
)

type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
	RetryMax int
	// Count is how many ideas to ask for per call.
	Count int
}

type Client struct {
	http *retryablehttp.Client
	cfg  Config
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, faults.Config("llm: base_url is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Count <= 0 {
		cfg.Count = 3
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 10 * time.Second
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.Logger = logx.Leveled{L: log}
	return &Client{http: hc, cfg: cfg, log: log}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = `You write short prompts for an AI video generator.
Reply with JSON only: an array of objects with the fields "idea", "prompt" and "title".
"prompt" is what the generator receives; keep it under 400 characters and visual.`

// Generate asks for fresh ideas for ch.
func (c *Client) Generate(ctx context.Context, ch channels.Channel) ([]Idea, error) {
	user := fmt.Sprintf("Channel: %s\n", ch.Name)
	if d := strings.TrimSpace(ch.Description); d != "" {
		user += fmt.Sprintf("About: %s\n", d)
	}
	user += fmt.Sprintf("Give %d distinct ideas.", c.cfg.Count)

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: 0.9,
	})
	if err != nil {
		return nil, errors.Wrap(err, "ideas: encode request")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "ideas: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, faults.Transient(err, "ideas: chat completion")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, faults.Transient(err, "ideas: read response")
	}
	if resp.StatusCode != http.StatusOK {
		err := errors.Newf("ideas: chat completion returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, faults.Transient(err, "ideas")
		}
		return nil, err
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, errors.Wrap(err, "ideas: decode response")
	}
	if len(cr.Choices) == 0 {
		return nil, errors.New("ideas: response has no choices")
	}
	out, err := Parse(cr.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	c.log.Debug("ideas generated", logx.String("channel", ch.ID), logx.Int("count", len(out)))
	return out, nil
}
