// Package engine answers caller turns with an OpenAI-compatible chat
// completions endpoint, keeping a short history per session.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL      = "https://api.openai.com/v1"
	defaultModel        = "gpt-4o-mini"
	defaultSystemPrompt = "You are a helpful phone assistant. Your replies are spoken aloud, so keep them to one or two short conversational sentences without markdown."
	defaultHistory      = 20
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config configures the client.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	// MaxHistory caps stored messages per session.
	MaxHistory int
	HTTPClient *http.Client
}

// Client is a chat completions client with per-session memory.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	systemPrompt string
	maxHistory   int
	httpClient   *http.Client

	mu       sync.Mutex
	sessions map[string][]Message
}

// New creates a client. The key falls back to OPENAI_API_KEY.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultHistory
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxHistory:   cfg.MaxHistory,
		httpClient:   cfg.HTTPClient,
		sessions:     make(map[string][]Message),
	}, nil
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Respond sends prompt as the next user message of sessionKey and returns
// the assistant reply. An empty sessionKey is stateless.
func (c *Client) Respond(ctx context.Context, sessionKey, prompt string) (string, error) {
	history := c.history(sessionKey)

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: c.systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("API error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	reply := strings.TrimSpace(out.Choices[0].Message.Content)
	c.remember(sessionKey, Message{Role: "user", Content: prompt}, Message{Role: "assistant", Content: reply})
	return reply, nil
}

// Forget drops the history of sessionKey.
func (c *Client) Forget(sessionKey string) {
	c.mu.Lock()
	delete(c.sessions, sessionKey)
	c.mu.Unlock()
}

func (c *Client) history(sessionKey string) []Message {
	if sessionKey == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sessions[sessionKey]...)
}

func (c *Client) remember(sessionKey string, msgs ...Message) {
	if sessionKey == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.sessions[sessionKey], msgs...)
	if len(h) > c.maxHistory {
		h = h[len(h)-c.maxHistory:]
	}
	c.sessions[sessionKey] = h
}
