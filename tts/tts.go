// Package tts defines the text-to-speech contract used for call playback.
package tts

import "context"

// Provider synthesizes reply text into PCM16 mono audio.
type Provider interface {
	// SampleRate is the rate of the PCM Synthesize returns.
	SampleRate() int

	Synthesize(ctx context.Context, text string) ([]byte, error)
}
