// Package elevenlabs synthesizes call replies with the ElevenLabs REST API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentplexus/voicecall/tts"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"
	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM" // Rachel
	defaultModel   = "eleven_turbo_v2_5"
)

// Verify interface compliance at compile time.
var _ tts.Provider = (*Client)(nil)

// Config holds ElevenLabs client configuration.
type Config struct {
	APIKey     string
	VoiceID    string
	Model      string
	SampleRate int // one of 16000, 22050, 24000, 44100
	BaseURL    string
	HTTPClient *http.Client
}

// Client is an ElevenLabs TTS client.
type Client struct {
	apiKey     string
	voiceID    string
	model      string
	sampleRate int
	baseURL    string
	httpClient *http.Client
}

// New creates a client. The key falls back to ELEVENLABS_API_KEY.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ELEVENLABS_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultVoiceID
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	switch cfg.SampleRate {
	case 0:
		cfg.SampleRate = 24000
	case 16000, 22050, 24000, 44100:
	default:
		return nil, fmt.Errorf("unsupported elevenlabs sample rate %d", cfg.SampleRate)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		apiKey:     cfg.APIKey,
		voiceID:    cfg.VoiceID,
		model:      cfg.Model,
		sampleRate: cfg.SampleRate,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
	}, nil
}

// SampleRate returns the PCM output rate.
func (c *Client) SampleRate() int {
	return c.sampleRate
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}

// Synthesize converts text to signed 16-bit little-endian mono PCM.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	// output_format must be a query parameter, not in the body
	endpoint := fmt.Sprintf("%s/text-to-speech/%s?output_format=pcm_%d", c.baseURL, c.voiceID, c.sampleRate)

	body, err := json.Marshal(ttsRequest{
		Text:    text,
		ModelID: c.model,
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           1.0,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("elevenlabs API error %d: %s", resp.StatusCode, string(msg))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return pcm, nil
}
