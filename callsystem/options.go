package callsystem

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Thresholds are the timing and energy constants of turn detection.
type Thresholds struct {
	// MinSpeech is the shortest buffered speech treated as a turn.
	MinSpeech time.Duration `yaml:"min_speech" ini:"min_speech"`
	// SilenceTimeout is the continuous silence that ends a turn.
	SilenceTimeout time.Duration `yaml:"silence_timeout" ini:"silence_timeout"`
	// TranscriptDedupe is the window in which an identical transcript is dropped.
	TranscriptDedupe time.Duration `yaml:"transcript_dedupe" ini:"transcript_dedupe"`
	// SpeechDedupe is the window in which identical outbound text is dropped.
	SpeechDedupe time.Duration `yaml:"speech_dedupe" ini:"speech_dedupe"`
	// Suppression is how long inbound audio is ignored after playback.
	Suppression time.Duration `yaml:"suppression" ini:"suppression"`
	// PollInterval is the silence detector period.
	PollInterval time.Duration `yaml:"poll_interval" ini:"poll_interval"`
	// SpeechRMS is the energy above which a frame counts as speech.
	SpeechRMS int `yaml:"speech_rms" ini:"speech_rms"`
	// RepeatStreakAlert is the repeat count at which drops are logged as errors.
	RepeatStreakAlert int `yaml:"repeat_streak_alert" ini:"repeat_streak_alert"`
}

// DefaultThresholds returns the empirically chosen defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSpeech:         300 * time.Millisecond,
		SilenceTimeout:    1500 * time.Millisecond,
		TranscriptDedupe:  4 * time.Second,
		SpeechDedupe:      10 * time.Second,
		Suppression:       400 * time.Millisecond,
		PollInterval:      100 * time.Millisecond,
		SpeechRMS:         500,
		RepeatStreakAlert: 3,
	}
}

// withDefaults fills zero fields from DefaultThresholds.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MinSpeech <= 0 {
		t.MinSpeech = d.MinSpeech
	}
	if t.SilenceTimeout <= 0 {
		t.SilenceTimeout = d.SilenceTimeout
	}
	if t.TranscriptDedupe <= 0 {
		t.TranscriptDedupe = d.TranscriptDedupe
	}
	if t.SpeechDedupe <= 0 {
		t.SpeechDedupe = d.SpeechDedupe
	}
	if t.Suppression <= 0 {
		t.Suppression = d.Suppression
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.SpeechRMS <= 0 {
		t.SpeechRMS = d.SpeechRMS
	}
	if t.RepeatStreakAlert <= 0 {
		t.RepeatStreakAlert = d.RepeatStreakAlert
	}
	return t
}

// Option configures the Manager.
type Option func(*options)

type options struct {
	thresholds      Thresholds
	log             *logrus.Entry
	onTranscription TranscriptionHandler
	onEnded         EndedHandler
	now             func() time.Time
	sleep           func(context.Context, time.Duration) error
}

// WithThresholds overrides turn-detection constants. Zero fields keep defaults.
func WithThresholds(t Thresholds) Option {
	return func(o *options) {
		o.thresholds = t
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithTranscriptionHandler sets the bridge that turns a caller transcript into reply text.
func WithTranscriptionHandler(h TranscriptionHandler) Option {
	return func(o *options) {
		o.onTranscription = h
	}
}

// WithCallEndedHandler sets the hook run after a call is torn down.
func WithCallEndedHandler(h EndedHandler) Option {
	return func(o *options) {
		o.onEnded = h
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithSleep replaces the per-frame playback pacing sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *options) {
		o.sleep = sleep
	}
}

// CallOption configures a call at creation.
type CallOption func(*callOptions)

type callOptions struct {
	sessionKey string
	greeting   string
}

// WithSessionKey links the call to an external conversation, such as a chat channel.
func WithSessionKey(key string) CallOption {
	return func(o *callOptions) {
		o.sessionKey = key
	}
}

// WithGreeting stages text to speak once the media stream is connected.
func WithGreeting(text string) CallOption {
	return func(o *callOptions) {
		o.greeting = text
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
