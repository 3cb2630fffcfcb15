package callstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentplexus/voicecall"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Turn is one line of the conversation transcript.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// State is the record for one call.
type State struct {
	ID         string
	From       string
	To         string
	StreamID   string
	SessionKey string

	Status    Status
	Listening bool

	// speech holds decoded 8kHz PCM frames classified as speech.
	speech        [][]byte
	SilenceStart  time.Time
	LastSpeech    time.Time
	TurnLocked    bool
	SuppressUntil time.Time

	LastTranscript     string
	LastTranscriptAt   time.Time
	LastSpoken         string
	LastSpokenAt       time.Time
	DroppedTranscripts int
	DroppedSpeech      int
	TranscriptStreak   int
	SpeechStreak       int

	PendingGreeting string
	Turns           []Turn

	CreatedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
	EndReason  string
}

// New returns a call record in Initiated.
func New(id, from, to string, now time.Time) *State {
	return &State{
		ID:        id,
		From:      from,
		To:        to,
		Status:    Initiated,
		CreatedAt: now,
	}
}

// Transition moves the call to next, keeping the listening flag consistent:
// a Speaking call never listens.
func (s *State) Transition(next Status) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	if next == Speaking || next.IsTerminal() {
		s.Listening = false
	}
	return nil
}

// SetListening toggles listening. It is refused while Speaking.
func (s *State) SetListening(on bool) bool {
	if on && s.Status == Speaking {
		return false
	}
	s.Listening = on
	return true
}

// Resume returns a connected call to Active and listening.
func (s *State) Resume() error {
	if err := s.Transition(Active); err != nil {
		return err
	}
	s.Listening = true
	return nil
}

// AddSpeech appends a speech frame and clears the silence timer.
func (s *State) AddSpeech(pcm []byte, now time.Time) {
	s.speech = append(s.speech, pcm)
	s.LastSpeech = now
	s.SilenceStart = time.Time{}
}

// MarkSilence starts the silence timer if it is not already running.
func (s *State) MarkSilence(now time.Time) {
	if s.SilenceStart.IsZero() {
		s.SilenceStart = now
	}
}

// HasSpeech reports whether speech is buffered.
func (s *State) HasSpeech() bool {
	return len(s.speech) > 0
}

// BufferedSpeech is the playback length of the buffered speech at 8kHz.
func (s *State) BufferedSpeech() time.Duration {
	var n int
	for _, f := range s.speech {
		n += len(f)
	}
	return time.Duration(n/2) * time.Second / voicecall.TelephonySampleRate
}

// TakeSpeech concatenates and clears the speech buffer and silence timer.
func (s *State) TakeSpeech() []byte {
	var n int
	for _, f := range s.speech {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range s.speech {
		out = append(out, f...)
	}
	s.speech = nil
	s.SilenceStart = time.Time{}
	return out
}

// ClearSpeech drops buffered speech.
func (s *State) ClearSpeech() {
	s.speech = nil
	s.SilenceStart = time.Time{}
}

// Suppressed reports whether inbound audio should be ignored at now.
func (s *State) Suppressed(now time.Time) bool {
	return now.Before(s.SuppressUntil)
}

// CheckTranscript records text as the latest transcript and reports whether
// it repeats the previous one within window. Repeats are counted.
func (s *State) CheckTranscript(text string, now time.Time, window time.Duration) bool {
	norm := Normalize(text)
	dup := norm != "" && norm == s.LastTranscript && now.Sub(s.LastTranscriptAt) < window
	if dup {
		s.DroppedTranscripts++
		s.TranscriptStreak++
	} else {
		s.TranscriptStreak = 0
	}
	s.LastTranscript = norm
	s.LastTranscriptAt = now
	return dup
}

// CheckSpoken is CheckTranscript for outbound speech.
func (s *State) CheckSpoken(text string, now time.Time, window time.Duration) bool {
	norm := Normalize(text)
	dup := norm != "" && norm == s.LastSpoken && now.Sub(s.LastSpokenAt) < window
	if dup {
		s.DroppedSpeech++
		s.SpeechStreak++
	} else {
		s.SpeechStreak = 0
	}
	s.LastSpoken = norm
	s.LastSpokenAt = now
	return dup
}

// AddTurn appends a line to the conversation transcript.
func (s *State) AddTurn(role Role, text string, now time.Time) {
	s.Turns = append(s.Turns, Turn{Role: role, Text: text, At: now})
}

// CallerTurns counts turns spoken by the caller.
func (s *State) CallerTurns() int {
	var n int
	for _, t := range s.Turns {
		if t.Role == RoleCaller {
			n++
		}
	}
	return n
}

// Duration is the answered length of the call, or zero if never answered.
func (s *State) Duration() time.Duration {
	if s.AnsweredAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.AnsweredAt)
}

// Snapshot returns a copy safe to hand to another goroutine. Buffered speech
// frames are shared, not copied: a frame is never modified once added.
func (s *State) Snapshot() State {
	cp := *s
	cp.speech = append([][]byte(nil), s.speech...)
	cp.Turns = append([]Turn(nil), s.Turns...)
	return cp
}

// Normalize trims, case-folds and collapses whitespace for repeat detection.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
