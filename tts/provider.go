package tts

import (
	"context"
	"fmt"
	"strings"

	omnitts "github.com/agentplexus/omnivoice/tts"

	"github.com/agentplexus/voicecall"
	"github.com/agentplexus/voicecall/audio"
)

// Verify interface compliance at compile time.
var _ Provider = (*OmnivoiceProvider)(nil)

// OmnivoiceProvider adapts any omnivoice TTS vendor to Provider by asking it
// for raw PCM at a fixed rate.
type OmnivoiceProvider struct {
	provider   omnitts.Provider
	voiceID    string
	model      string
	sampleRate int
}

// Option configures the OmnivoiceProvider.
type Option func(*options)

type options struct {
	voiceID    string
	model      string
	sampleRate int
}

// WithVoice sets the vendor voice ID.
func WithVoice(voiceID string) Option {
	return func(o *options) {
		o.voiceID = voiceID
	}
}

// WithModel sets the vendor synthesis model.
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithSampleRate sets the PCM output rate requested from the vendor.
func WithSampleRate(rate int) Option {
	return func(o *options) {
		o.sampleRate = rate
	}
}

// FromOmnivoice wraps an omnivoice TTS provider.
func FromOmnivoice(p omnitts.Provider, opts ...Option) (*OmnivoiceProvider, error) {
	if p == nil {
		return nil, fmt.Errorf("omnivoice tts provider is required")
	}
	cfg := &options{sampleRate: voicecall.DefaultTTSSampleRate}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.sampleRate <= 0 {
		return nil, fmt.Errorf("invalid tts sample rate %d", cfg.sampleRate)
	}

	return &OmnivoiceProvider{
		provider:   p,
		voiceID:    cfg.voiceID,
		model:      cfg.model,
		sampleRate: cfg.sampleRate,
	}, nil
}

// SampleRate returns the PCM output rate.
func (p *OmnivoiceProvider) SampleRate() int {
	return p.sampleRate
}

// Synthesize converts text to PCM16.
func (p *OmnivoiceProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	res, err := p.provider.Synthesize(ctx, text, omnitts.SynthesisConfig{
		VoiceID:      p.voiceID,
		Model:        p.model,
		OutputFormat: "pcm",
		SampleRate:   p.sampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("%s synthesize: %w", p.provider.Name(), err)
	}
	if res == nil || len(res.Audio) == 0 {
		return nil, fmt.Errorf("%s synthesize: empty audio", p.provider.Name())
	}
	if !isPCM(res.Format) {
		return nil, fmt.Errorf("%s synthesize: unsupported audio format %q", p.provider.Name(), res.Format)
	}
	if res.SampleRate > 0 && res.SampleRate != p.sampleRate {
		return audio.Resample(res.Audio, res.SampleRate, p.sampleRate), nil
	}
	return res.Audio, nil
}

// isPCM reports whether a vendor format name means raw 16-bit PCM. Vendors
// that leave the format empty returned what was asked for.
func isPCM(format string) bool {
	f := strings.ToLower(strings.TrimSpace(format))
	switch {
	case f == "", f == "pcm", f == "linear16", f == "s16le", f == "pcm_s16le":
		return true
	case strings.HasPrefix(f, "pcm_"):
		// ElevenLabs style rate suffix, e.g. pcm_24000.
		return strings.Trim(f[len("pcm_"):], "0123456789") == ""
	}
	return false
}
