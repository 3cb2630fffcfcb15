// Package voicecall turns a Twilio Media Streams call into a turn-based spoken
// conversation with a text-driven response engine.
//
// The pipeline is split across packages:
//   - audio: mu-law/PCM conversion, resampling, energy-based speech detection
//   - callstate: the per-call record and its status state machine
//   - stt, tts: the two provider contracts the call manager depends on
//   - callsystem: live calls, silence detection, turn completion, paced playback
//   - transport: the bidirectional Media Streams socket and stream registry
//   - webhook: signature verification, TwiML and the HTTP endpoints
//   - plugin: provider selection, server lifecycle, response bridge, summaries
//
// # Environment Variables
//
//	TWILIO_ACCOUNT_SID   - Your Twilio Account SID
//	TWILIO_AUTH_TOKEN    - Your Twilio Auth Token
//	TWILIO_PHONE_NUMBER  - Default caller ID for outbound calls
//	VOICECALL_PUBLIC_URL - Public base URL for webhooks (or NGROK_AUTHTOKEN)
package voicecall

// Version is the module version.
const Version = "0.2.0"

// ProviderName is the telephony provider this pipeline speaks to.
const ProviderName = "twilio"

// Twilio API constants.
const (
	// DefaultAPIBaseURL is the Twilio REST API base URL.
	DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

	// SignatureHeader carries the webhook HMAC-SHA1 signature.
	SignatureHeader = "X-Twilio-Signature"
)

// Audio format constants.
const (
	// AudioEncodingMulaw is the μ-law encoding (8-bit, 8kHz) used on the phone leg.
	AudioEncodingMulaw = "audio/x-mulaw"

	// TelephonySampleRate is the phone leg sample rate.
	TelephonySampleRate = 8000

	// STTSampleRate is the rate speech is resampled to before transcription.
	STTSampleRate = 16000

	// DefaultTTSSampleRate is the usual synthesizer output rate. The active
	// TTS provider's SampleRate is authoritative.
	DefaultTTSSampleRate = 24000
)

// Call status values sent by Twilio status callbacks.
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// IsTerminalStatus reports whether a Twilio call status ends the call.
func IsTerminalStatus(status string) bool {
	switch status {
	case CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return true
	}
	return false
}
