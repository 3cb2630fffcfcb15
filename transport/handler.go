package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agentplexus/voicecall/callsystem"
)

// Calls is the part of the call manager the media stream drives.
type Calls interface {
	HandleCallAnswered(callID, streamID string) error
	HandleAudioFrame(callID string, mulaw []byte)
	EndCall(ctx context.Context, callID, farewell string) error
}

var _ Calls = (*callsystem.Manager)(nil)

const (
	defaultReadLimit  = 64 << 10
	defaultEndTimeout = 10 * time.Second
)

// Handler serves the Media Streams WebSocket. Its read loop is the only
// reader of each socket.
type Handler struct {
	registry   *Registry
	calls      Calls
	upgrader   websocket.Upgrader
	readLimit  int64
	endTimeout time.Duration
	onDTMF     func(callID, digit string)
	log        *logrus.Entry
}

// HandlerOption configures the Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) HandlerOption {
	return func(h *Handler) {
		h.log = log
	}
}

// WithReadLimit caps the size of one inbound message.
func WithReadLimit(n int64) HandlerOption {
	return func(h *Handler) {
		h.readLimit = n
	}
}

// WithDTMFHandler receives keypad digits pressed by the caller.
func WithDTMFHandler(fn func(callID, digit string)) HandlerOption {
	return func(h *Handler) {
		h.onDTMF = fn
	}
}

// NewHandler creates a Handler that registers sockets in registry and
// forwards call events to calls.
func NewHandler(registry *Registry, calls Calls, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry: registry,
		calls:    calls,
		upgrader: websocket.Upgrader{
			// Twilio does not send an Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		readLimit:  defaultReadLimit,
		endTimeout: defaultEndTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logrus.NewEntry(logrus.StandardLogger())
	}
	h.log = h.log.WithField("component", "media-stream")
	return h
}

// ServeHTTP upgrades the request and runs the read loop until the stream
// stops or the socket drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(h.readLimit)

	s := &session{h: h, conn: conn, log: h.log.WithField("remote", r.RemoteAddr)}
	s.run()
}

// session is the read-side state of one socket.
type session struct {
	h      *Handler
	conn   *websocket.Conn
	stream *Stream
	log    *logrus.Entry
}

func (s *session) run() {
	defer s.finish()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				s.log.WithError(err).Debug("media stream read ended")
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.WithError(err).Warn("malformed media stream message")
			continue
		}

		if stop := s.dispatch(msg); stop {
			return
		}
	}
}

func (s *session) dispatch(msg inbound) bool {
	switch msg.Event {
	case EventConnected:
		s.log.Debug("media stream connected")

	case EventStart:
		if msg.Start == nil {
			s.log.Warn("start event without payload")
			return false
		}
		s.start(msg)

	case EventMedia:
		if s.stream == nil || msg.Media == nil || msg.Media.Payload == "" {
			return false
		}
		if msg.Media.Track != "" && msg.Media.Track != "inbound" {
			return false
		}
		frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			s.log.WithError(err).Debug("undecodable media payload")
			return false
		}
		s.h.calls.HandleAudioFrame(s.stream.callID, frame)

	case EventMark:
		if msg.Mark != nil {
			s.log.WithField("mark", msg.Mark.Name).Debug("playback mark reached")
		}

	case EventDTMF:
		if msg.DTMF != nil && s.stream != nil && s.h.onDTMF != nil {
			s.h.onDTMF(s.stream.callID, msg.DTMF.Digit)
		}

	case EventStop:
		s.log.Info("media stream stopped")
		return true

	default:
		s.log.WithField("event", msg.Event).Debug("ignoring media stream event")
	}
	return false
}

func (s *session) start(msg inbound) {
	streamID := msg.Start.StreamSID
	if streamID == "" {
		streamID = msg.StreamSID
	}
	callID := msg.Start.callID()
	if streamID == "" || callID == "" {
		s.log.Warn("start event without stream or call id")
		return
	}

	s.stream = s.h.registry.register(streamID, callID, s.conn)
	s.log = s.log.WithFields(logrus.Fields{"stream_id": streamID, "call_id": callID})
	s.log.WithField("format", msg.Start.MediaFormat.Encoding).Info("media stream started")

	if err := s.h.calls.HandleCallAnswered(callID, streamID); err != nil {
		s.log.WithError(err).Warn("cannot bind stream to call")
	}
}

// finish unregisters the stream and ends its call.
func (s *session) finish() {
	if s.stream == nil {
		_ = s.conn.Close()
		return
	}
	s.h.registry.forget(s.stream)
	s.stream.close()

	ctx, cancel := context.WithTimeout(context.Background(), s.h.endTimeout)
	defer cancel()
	if err := s.h.calls.EndCall(ctx, s.stream.callID, ""); err != nil && !errors.Is(err, callsystem.ErrUnknownCall) {
		s.log.WithError(err).Warn("ending call after stream stop failed")
	}
}
