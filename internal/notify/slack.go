// Package notify posts call summaries to Slack.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const slackAPIBase = "https://slack.com/api"

// Slack handles Slack Web API interactions.
type Slack struct {
	botToken       string
	defaultChannel string
	baseURL        string
	httpClient     *http.Client
}

// Option configures the Slack notifier.
type Option func(*Slack)

// WithDefaultChannel is used when a call has no linked channel.
func WithDefaultChannel(channel string) Option {
	return func(s *Slack) {
		s.defaultChannel = channel
	}
}

// WithBaseURL overrides the Slack API base URL.
func WithBaseURL(u string) Option {
	return func(s *Slack) {
		s.baseURL = strings.TrimRight(u, "/")
	}
}

// NewSlack creates a notifier.
func NewSlack(botToken string, opts ...Option) *Slack {
	s := &Slack{
		botToken: botToken,
		baseURL:  slackAPIBase,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsConfigured returns true if the notifier has a bot token.
func (s *Slack) IsConfigured() bool {
	return s.botToken != ""
}

// Notify posts text to channel, or to the default channel when channel is
// empty.
func (s *Slack) Notify(ctx context.Context, channel, text string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("slack notifier not configured")
	}
	if channel == "" {
		channel = s.defaultChannel
	}
	if channel == "" {
		return fmt.Errorf("no slack channel to notify")
	}

	body, err := json.Marshal(map[string]string{
		"channel": channel,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.botToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("slack API error: %s", result.Error)
	}
	return nil
}
