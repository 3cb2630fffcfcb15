// Package deepgram transcribes buffered caller turns with Deepgram's
// pre-recorded REST endpoint.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/agentplexus/voicecall"
	"github.com/agentplexus/voicecall/audio"
	"github.com/agentplexus/voicecall/stt"
)

const defaultBaseURL = "https://api.deepgram.com/v1"

// Verify interface compliance at compile time.
var _ stt.Provider = (*Client)(nil)

// Config configures the Deepgram client.
type Config struct {
	APIKey     string
	Model      string // e.g. "nova-2-phonecall"
	Language   string
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a Deepgram STT client.
type Client struct {
	apiKey     string
	model      string
	language   string
	baseURL    string
	httpClient *http.Client
}

// New creates a Deepgram client. The key falls back to DEEPGRAM_API_KEY.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2-phonecall"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		language:   cfg.Language,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
	}, nil
}

// SampleRate returns the PCM input rate.
func (c *Client) SampleRate() int {
	return voicecall.STTSampleRate
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe posts one turn of 16kHz PCM as WAV.
func (c *Client) Transcribe(ctx context.Context, pcm []byte) (*stt.Result, error) {
	q := url.Values{}
	q.Set("model", c.model)
	q.Set("language", c.language)
	q.Set("smart_format", "true")
	endpoint := c.baseURL + "/listen?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio.WAV(pcm, c.SampleRate())))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed listenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return nil, nil
	}

	ch := parsed.Results.Channels[0]
	alt := ch.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return nil, nil
	}
	lang := ch.DetectedLanguage
	if lang == "" {
		lang = c.language
	}
	return &stt.Result{
		Text:       text,
		Confidence: alt.Confidence,
		IsFinal:    true,
		Language:   lang,
	}, nil
}
