package tts

import (
	"context"
	"errors"
	"testing"

	omnitts "github.com/agentplexus/omnivoice/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOmniTTS struct {
	res *omnitts.SynthesisResult
	err error
	cfg omnitts.SynthesisConfig
}

func (f *fakeOmniTTS) Name() string { return "fake" }

func (f *fakeOmniTTS) Synthesize(_ context.Context, _ string, cfg omnitts.SynthesisConfig) (*omnitts.SynthesisResult, error) {
	f.cfg = cfg
	return f.res, f.err
}

func (f *fakeOmniTTS) SynthesizeStream(context.Context, string, omnitts.SynthesisConfig) (<-chan omnitts.StreamChunk, error) {
	return nil, errors.New("not supported")
}

func (f *fakeOmniTTS) ListVoices(context.Context) ([]omnitts.Voice, error) { return nil, nil }

func (f *fakeOmniTTS) GetVoice(context.Context, string) (*omnitts.Voice, error) { return nil, nil }

func TestFromOmnivoiceValidates(t *testing.T) {
	_, err := FromOmnivoice(nil)
	assert.Error(t, err)

	_, err = FromOmnivoice(&fakeOmniTTS{}, WithSampleRate(-1))
	assert.Error(t, err)

	p, err := FromOmnivoice(&fakeOmniTTS{})
	require.NoError(t, err)
	assert.Equal(t, 24000, p.SampleRate())
}

func TestOmnivoiceSynthesize(t *testing.T) {
	fake := &fakeOmniTTS{res: &omnitts.SynthesisResult{Audio: make([]byte, 480), Format: "pcm"}}
	p, err := FromOmnivoice(fake, WithVoice("v1"), WithModel("m1"), WithSampleRate(16000))
	require.NoError(t, err)

	pcm, err := p.Synthesize(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, pcm, 480)
	assert.Equal(t, omnitts.SynthesisConfig{VoiceID: "v1", Model: "m1", OutputFormat: "pcm", SampleRate: 16000}, fake.cfg)
}

func TestOmnivoiceSynthesizeResamplesVendorRate(t *testing.T) {
	fake := &fakeOmniTTS{res: &omnitts.SynthesisResult{Audio: make([]byte, 960), Format: "pcm_48000", SampleRate: 48000}}
	p, err := FromOmnivoice(fake)
	require.NoError(t, err)

	pcm, err := p.Synthesize(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, pcm, 480)
}

func TestOmnivoiceSynthesizeRejects(t *testing.T) {
	tests := []struct {
		name string
		res  *omnitts.SynthesisResult
		err  error
	}{
		{name: "vendor error", err: errors.New("quota")},
		{name: "nil result"},
		{name: "empty audio", res: &omnitts.SynthesisResult{Format: "pcm"}},
		{name: "mp3", res: &omnitts.SynthesisResult{Audio: []byte{1, 2}, Format: "mp3"}},
		{name: "mp3 with rate", res: &omnitts.SynthesisResult{Audio: []byte{1, 2}, Format: "mp3_44100_128"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := FromOmnivoice(&fakeOmniTTS{res: tt.res, err: tt.err})
			require.NoError(t, err)
			_, err = p.Synthesize(context.Background(), "hello")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "fake synthesize")
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestIsPCM(t *testing.T) {
	for _, f := range []string{"", "pcm", "PCM", "linear16", "pcm_s16le", "pcm_24000"} {
		assert.True(t, isPCM(f), f)
	}
	for _, f := range []string{"mp3", "wav", "ulaw_8000", "pcm_mulaw"} {
		assert.False(t, isPCM(f), f)
	}
}
