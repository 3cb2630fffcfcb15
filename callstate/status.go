// Package callstate holds the per-call record and its status state machine.
//
// It is pure data: no I/O and no locking. The owner (the call manager)
// serializes access to a State.
package callstate

import (
	"errors"
	"fmt"

	"github.com/agentplexus/voicecall"
)

// Status is the lifecycle state of a call.
type Status int

const (
	Initiated Status = iota
	Ringing
	Answered
	Active
	Listening
	Speaking
	Processing
	Completed
	Failed
	Busy
	NoAnswer
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid call status transition")

var statusNames = [...]string{
	Initiated:  "initiated",
	Ringing:    "ringing",
	Answered:   "answered",
	Active:     "active",
	Listening:  "listening",
	Speaking:   "speaking",
	Processing: "processing",
	Completed:  "completed",
	Failed:     "failed",
	Busy:       "busy",
	NoAnswer:   "no-answer",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// IsTerminal reports whether the call has ended.
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Failed, Busy, NoAnswer:
		return true
	}
	return false
}

// InConversation reports whether the call is connected and exchanging audio.
func (s Status) InConversation() bool {
	switch s {
	case Active, Listening, Speaking, Processing:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	Initiated:  {Ringing, Answered},
	Ringing:    {Answered},
	Answered:   {Active},
	Active:     {Listening, Processing, Speaking},
	Listening:  {Active, Processing, Speaking},
	Processing: {Active, Listening, Speaking},
	Speaking:   {Active, Listening},
}

// CanTransitionTo checks whether moving from s to next is valid. Staying in
// the same non-terminal state is allowed; terminal states are absorbing.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == s || next.IsTerminal() {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StatusFromTwilio maps a terminal Twilio call status to a Status.
// It returns false for non-terminal values.
func StatusFromTwilio(status string) (Status, bool) {
	switch status {
	case voicecall.CallStatusCompleted:
		return Completed, true
	case voicecall.CallStatusBusy:
		return Busy, true
	case voicecall.CallStatusNoAnswer:
		return NoAnswer, true
	case voicecall.CallStatusFailed, voicecall.CallStatusCanceled:
		return Failed, true
	}
	return Initiated, false
}
