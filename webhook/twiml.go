package webhook

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/agentplexus/voicecall/transport"
)

// MediaStreamPath is where Twilio opens the media WebSocket.
const MediaStreamPath = "/media-stream"

// ResponseElement represents a TwiML <Response> element.
type ResponseElement struct {
	XMLName xml.Name        `xml:"Response"`
	Say     *SayElement     `xml:",omitempty"`
	Connect *ConnectElement `xml:",omitempty"`
	Hangup  *struct{}       `xml:"Hangup,omitempty"`
}

// SayElement represents a TwiML <Say> element.
type SayElement struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

// ConnectElement represents a TwiML <Connect> element.
type ConnectElement struct {
	XMLName xml.Name      `xml:"Connect"`
	Stream  StreamElement `xml:"Stream"`
}

// StreamElement represents a bidirectional <Stream>.
type StreamElement struct {
	URL        string             `xml:"url,attr"`
	Parameters []ParameterElement `xml:"Parameter"`
}

// ParameterElement is a custom parameter echoed back on the stream's start event.
type ParameterElement struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// BuildStreamTwiML returns TwiML that connects the call to streamURL and
// carries callID as the callSid stream parameter. Extra params are emitted
// sorted by name.
func BuildStreamTwiML(streamURL, callID string, params map[string]string) (string, error) {
	stream := StreamElement{
		URL:        streamURL,
		Parameters: []ParameterElement{{Name: transport.CallIDParameter, Value: callID}},
	}

	names := make([]string, 0, len(params))
	for name := range params {
		if name != transport.CallIDParameter {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		stream.Parameters = append(stream.Parameters, ParameterElement{Name: name, Value: params[name]})
	}

	return render(&ResponseElement{Connect: &ConnectElement{Stream: stream}})
}

// BuildHangupTwiML says text, if any, and hangs up.
func BuildHangupTwiML(text string) (string, error) {
	resp := &ResponseElement{Hangup: &struct{}{}}
	if text != "" {
		resp.Say = &SayElement{Text: text}
	}
	return render(resp)
}

func render(resp *ResponseElement) (string, error) {
	out, err := xml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("marshal twiml: %w", err)
	}
	return xml.Header + string(out), nil
}

// StreamURL maps a public http(s) base URL to the media WebSocket URL.
func StreamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + MediaStreamPath
	u.RawQuery = ""
	return u.String(), nil
}
