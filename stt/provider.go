package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentplexus/voicecall"
	omnistt "github.com/agentplexus/omnivoice/stt"
)

// Verify interface compliance at compile time.
var _ Provider = (*OmnivoiceProvider)(nil)

// OmnivoiceProvider adapts any omnivoice STT vendor to Provider.
type OmnivoiceProvider struct {
	provider   omnistt.Provider
	language   string
	model      string
	sampleRate int
}

// Option configures the OmnivoiceProvider.
type Option func(*options)

type options struct {
	language   string
	model      string
	sampleRate int
}

// WithLanguage sets the recognition language.
func WithLanguage(language string) Option {
	return func(o *options) {
		o.language = language
	}
}

// WithModel sets the vendor speech model.
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithSampleRate overrides the PCM input rate sent to the vendor.
func WithSampleRate(rate int) Option {
	return func(o *options) {
		o.sampleRate = rate
	}
}

// FromOmnivoice wraps an omnivoice STT provider.
func FromOmnivoice(p omnistt.Provider, opts ...Option) (*OmnivoiceProvider, error) {
	if p == nil {
		return nil, fmt.Errorf("omnivoice stt provider is required")
	}
	cfg := &options{
		language:   "en-US",
		sampleRate: voicecall.STTSampleRate,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &OmnivoiceProvider{
		provider:   p,
		language:   cfg.language,
		model:      cfg.model,
		sampleRate: cfg.sampleRate,
	}, nil
}

// SampleRate returns the PCM input rate.
func (p *OmnivoiceProvider) SampleRate() int {
	return p.sampleRate
}

// Transcribe sends linear16 audio to the wrapped vendor.
func (p *OmnivoiceProvider) Transcribe(ctx context.Context, pcm []byte) (*Result, error) {
	res, err := p.provider.Transcribe(ctx, pcm, omnistt.TranscriptionConfig{
		Language:   p.language,
		Model:      p.model,
		Encoding:   "linear16",
		SampleRate: p.sampleRate,
		Channels:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("%s transcribe: %w", p.provider.Name(), err)
	}
	if res == nil || strings.TrimSpace(res.Text) == "" {
		return nil, nil
	}

	out := &Result{
		Text:     strings.TrimSpace(res.Text),
		IsFinal:  true,
		Language: p.language,
	}
	if n := len(res.Segments); n > 0 {
		var sum float64
		for _, seg := range res.Segments {
			sum += seg.Confidence
			if seg.Language != "" {
				out.Language = seg.Language
			}
		}
		out.Confidence = sum / float64(n)
	}
	return out, nil
}
