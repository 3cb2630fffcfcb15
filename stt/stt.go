// Package stt defines the speech-to-text contract the call manager depends on.
//
// Concrete vendors live in sub-packages or plug in through FromOmnivoice.
package stt

import "context"

// Result is a finished transcription of one caller turn.
type Result struct {
	Text       string
	Confidence float64
	IsFinal    bool
	Language   string
}

// Provider transcribes one buffered turn of caller speech.
type Provider interface {
	// SampleRate is the PCM16 mono rate Transcribe expects.
	SampleRate() int

	// Transcribe returns nil when nothing intelligible was heard.
	Transcribe(ctx context.Context, pcm []byte) (*Result, error)
}
