package stt

import (
	"context"
	"errors"
	"testing"

	omnistt "github.com/agentplexus/omnivoice/stt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOmniSTT struct {
	res   *omnistt.TranscriptionResult
	err   error
	cfg   omnistt.TranscriptionConfig
	audio []byte
}

func (f *fakeOmniSTT) Name() string { return "fake" }

func (f *fakeOmniSTT) Transcribe(_ context.Context, audio []byte, cfg omnistt.TranscriptionConfig) (*omnistt.TranscriptionResult, error) {
	f.audio = audio
	f.cfg = cfg
	return f.res, f.err
}

func (f *fakeOmniSTT) TranscribeFile(context.Context, string, omnistt.TranscriptionConfig) (*omnistt.TranscriptionResult, error) {
	return nil, errors.New("not supported")
}

func (f *fakeOmniSTT) TranscribeURL(context.Context, string, omnistt.TranscriptionConfig) (*omnistt.TranscriptionResult, error) {
	return nil, errors.New("not supported")
}

func TestFromOmnivoiceRequiresProvider(t *testing.T) {
	_, err := FromOmnivoice(nil)
	assert.Error(t, err)
}

func TestOmnivoiceTranscribe(t *testing.T) {
	fake := &fakeOmniSTT{res: &omnistt.TranscriptionResult{
		Text: "  book a table  ",
		Segments: []omnistt.Segment{
			{Text: "book a", Confidence: 0.8},
			{Text: "table", Confidence: 0.6, Language: "en-GB"},
		},
	}}
	p, err := FromOmnivoice(fake, WithModel("nova"))
	require.NoError(t, err)
	assert.Equal(t, 16000, p.SampleRate())

	pcm := make([]byte, 640)
	res, err := p.Transcribe(context.Background(), pcm)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "book a table", res.Text)
	assert.True(t, res.IsFinal)
	assert.InDelta(t, 0.7, res.Confidence, 1e-9)
	assert.Equal(t, "en-GB", res.Language)
	assert.Equal(t, pcm, fake.audio)
	assert.Equal(t, omnistt.TranscriptionConfig{
		Language:   "en-US",
		Model:      "nova",
		Encoding:   "linear16",
		SampleRate: 16000,
		Channels:   1,
	}, fake.cfg)
}

func TestOmnivoiceTranscribeWithoutSegments(t *testing.T) {
	fake := &fakeOmniSTT{res: &omnistt.TranscriptionResult{Text: "hola"}}
	p, err := FromOmnivoice(fake, WithLanguage("es-ES"), WithSampleRate(8000))
	require.NoError(t, err)

	res, err := p.Transcribe(context.Background(), []byte{0, 0})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "es-ES", res.Language)
	assert.Zero(t, res.Confidence)
	assert.Equal(t, 8000, fake.cfg.SampleRate)
}

func TestOmnivoiceTranscribeBlank(t *testing.T) {
	for _, res := range []*omnistt.TranscriptionResult{nil, {Text: "   "}} {
		p, err := FromOmnivoice(&fakeOmniSTT{res: res})
		require.NoError(t, err)
		got, err := p.Transcribe(context.Background(), []byte{0, 0})
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestOmnivoiceTranscribeError(t *testing.T) {
	boom := errors.New("boom")
	p, err := FromOmnivoice(&fakeOmniSTT{err: boom})
	require.NoError(t, err)

	_, err = p.Transcribe(context.Background(), []byte{0, 0})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fake transcribe")
}
