package transport

// Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventClear     = "clear"
)

// CallIDParameter is the custom stream parameter that carries the call SID.
const CallIDParameter = "callSid"

// inbound is the envelope of every message Twilio sends on the stream.
type inbound struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *startMessage `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markMessage  `json:"mark,omitempty"`
	Stop           *stopMessage  `json:"stop,omitempty"`
	DTMF           *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

// callID prefers the custom parameter and falls back to the call SID Twilio
// reports on the start event.
func (s *startMessage) callID() string {
	if id := s.CustomParams[CallIDParameter]; id != "" {
		return id
	}
	return s.CallSID
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 μ-law
}

type markMessage struct {
	Name string `json:"name"`
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfMessage struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// outbound is the envelope written back to Twilio.
type outbound struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markMessage  `json:"mark,omitempty"`
}
