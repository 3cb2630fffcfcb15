// Package transport bridges Twilio Media Streams WebSockets to the call manager.
package transport

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agentplexus/voicecall/callsystem"
)

// Verify interface compliance at compile time.
var _ callsystem.MediaSink = (*Registry)(nil)

var (
	ErrUnknownStream = errors.New("unknown media stream")
	ErrStreamClosed  = errors.New("media stream closed")
)

const defaultWriteTimeout = 5 * time.Second

// Registry maps stream SIDs to live sockets.
type Registry struct {
	writeTimeout time.Duration
	log          *logrus.Entry

	mu      sync.RWMutex
	streams map[string]*Stream
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithWriteTimeout bounds each socket write.
func WithWriteTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.writeTimeout = d
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(log *logrus.Entry) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		writeTimeout: defaultWriteTimeout,
		streams:      make(map[string]*Stream),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logrus.NewEntry(logrus.StandardLogger())
	}
	r.log = r.log.WithField("component", "transport")
	return r
}

// Stream is one live Media Streams socket.
type Stream struct {
	id     string
	callID string
	conn   *websocket.Conn

	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// ID returns the stream SID.
func (s *Stream) ID() string {
	return s.id
}

// CallID returns the call the stream belongs to.
func (s *Stream) CallID() string {
	return s.callID
}

func (s *Stream) write(msg outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(msg)
}

func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = s.conn.Close()
}

// register binds streamID to conn, replacing and closing any previous socket
// under the same SID.
func (r *Registry) register(streamID, callID string, conn *websocket.Conn) *Stream {
	s := &Stream{id: streamID, callID: callID, conn: conn, writeTimeout: r.writeTimeout}

	r.mu.Lock()
	prev := r.streams[streamID]
	r.streams[streamID] = s
	r.mu.Unlock()

	if prev != nil && prev.conn != conn {
		prev.close()
	}
	return s
}

// forget removes streamID only if it still maps to s.
func (r *Registry) forget(s *Stream) {
	r.mu.Lock()
	if cur, ok := r.streams[s.id]; ok && cur == s {
		delete(r.streams, s.id)
	}
	r.mu.Unlock()
}

// Get returns the live stream for streamID.
func (r *Registry) Get(streamID string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[streamID]
	return s, ok
}

// Len returns the number of live streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// SendMedia writes one μ-law frame to the stream.
func (r *Registry) SendMedia(streamID string, payload []byte) error {
	s, ok := r.Get(streamID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	return s.write(outbound{
		Event:     EventMedia,
		StreamSID: streamID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// SendMark asks Twilio to echo name back once preceding media has played.
func (r *Registry) SendMark(streamID, name string) error {
	s, ok := r.Get(streamID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	return s.write(outbound{Event: EventMark, StreamSID: streamID, Mark: &markMessage{Name: name}})
}

// Clear drops audio Twilio has buffered but not yet played.
func (r *Registry) Clear(streamID string) error {
	s, ok := r.Get(streamID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	return s.write(outbound{Event: EventClear, StreamSID: streamID})
}

// Unregister removes the stream and closes its socket.
func (r *Registry) Unregister(streamID string) {
	r.mu.Lock()
	s, ok := r.streams[streamID]
	delete(r.streams, streamID)
	r.mu.Unlock()

	if ok {
		s.close()
		r.log.WithFields(logrus.Fields{"stream_id": streamID, "call_id": s.callID}).Debug("stream unregistered")
	}
}

// Close closes every live stream.
func (r *Registry) Close() error {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*Stream)
	r.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	return nil
}
