package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/agentplexus/voicecall/callstate"
	"github.com/agentplexus/voicecall/callsystem"
)

// MaxFormBytes caps webhook bodies.
const MaxFormBytes = 64 << 10

// Calls is the part of the call manager the webhooks drive.
type Calls interface {
	CreateCall(id, from, to string, opts ...callsystem.CallOption) (callstate.State, error)
	Get(id string) (callstate.State, bool)
	HandleTerminalStatus(id string, status callstate.Status) error
	ActiveCalls() []string
}

var _ Calls = (*callsystem.Manager)(nil)

// Server routes the voice webhooks and the media stream.
type Server struct {
	verifier *Verifier
	calls    Calls
	media    http.Handler
	baseURL  func() string
	greeting string
	log      *logrus.Entry
	router   *mux.Router
}

// Option configures the Server.
type Option func(*Server)

// WithMediaHandler mounts the media-stream WebSocket handler.
func WithMediaHandler(h http.Handler) Option {
	return func(s *Server) {
		s.media = h
	}
}

// WithBaseURL supplies the public base URL used for stream URLs. It may
// return "" before a tunnel is up, in which case the request origin is used.
func WithBaseURL(fn func() string) Option {
	return func(s *Server) {
		s.baseURL = fn
	}
}

// WithInboundGreeting is spoken to inbound callers once the stream connects.
func WithInboundGreeting(text string) Option {
	return func(s *Server) {
		s.greeting = text
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) {
		s.log = log
	}
}

// NewServer builds the router.
func NewServer(verifier *Verifier, calls Calls, opts ...Option) *Server {
	s := &Server{
		verifier: verifier,
		calls:    calls,
		baseURL:  func() string { return "" },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	s.log = s.log.WithField("component", "webhook")

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/incoming", s.handleIncoming).Methods(http.MethodPost)
	r.HandleFunc("/outgoing", s.handleOutgoing).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.media != nil {
		r.Handle(MediaStreamPath, s.media).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("request")
	})
}

// form reads and authenticates a webhook body. It writes the error response
// and returns false on failure.
func (s *Server) form(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxFormBytes)
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return nil, false
	}

	if err := s.verifier.Verify(r, r.PostForm); err != nil {
		entry := s.log.WithError(err).WithField("path", r.URL.Path)
		if errors.Is(err, ErrUntrustedHost) {
			entry.Warn("cannot resolve webhook origin")
			http.Error(w, "unresolved origin", http.StatusBadRequest)
			return nil, false
		}
		entry.Warn("rejecting unsigned webhook")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return r.PostForm, true
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	form, ok := s.form(w, r)
	if !ok {
		return
	}
	callID := form.Get("CallSid")
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	var opts []callsystem.CallOption
	if s.greeting != "" {
		opts = append(opts, callsystem.WithGreeting(s.greeting))
	}
	_, err := s.calls.CreateCall(callID, form.Get("From"), form.Get("To"), opts...)
	if err != nil && !errors.Is(err, callsystem.ErrCallExists) {
		s.log.WithError(err).WithField("call_id", callID).Error("cannot register inbound call")
		http.Error(w, "cannot register call", http.StatusInternalServerError)
		return
	}
	s.log.WithFields(logrus.Fields{"call_id": callID, "from": form.Get("From")}).Info("inbound call")
	s.connect(w, r, callID, form)
}

func (s *Server) handleOutgoing(w http.ResponseWriter, r *http.Request) {
	form, ok := s.form(w, r)
	if !ok {
		return
	}
	callID := form.Get("CallSid")
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	if _, known := s.calls.Get(callID); !known {
		// The originating process may have restarted; adopt the call.
		if _, err := s.calls.CreateCall(callID, form.Get("From"), form.Get("To")); err != nil &&
			!errors.Is(err, callsystem.ErrCallExists) {
			s.log.WithError(err).WithField("call_id", callID).Error("cannot adopt outbound call")
			http.Error(w, "cannot register call", http.StatusInternalServerError)
			return
		}
	}
	s.connect(w, r, callID, form)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request, callID string, form url.Values) {
	streamURL, err := s.streamURL(r)
	if err != nil {
		s.log.WithError(err).Error("cannot build stream url")
		http.Error(w, "unresolved origin", http.StatusBadRequest)
		return
	}
	twiml, err := BuildStreamTwiML(streamURL, callID, map[string]string{"from": form.Get("From")})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (s *Server) streamURL(r *http.Request) (string, error) {
	base := s.baseURL()
	if base == "" {
		resolved, err := s.verifier.ResolveURL(r)
		if err != nil {
			return "", err
		}
		u, err := url.Parse(resolved)
		if err != nil {
			return "", err
		}
		base = u.Scheme + "://" + u.Host
	}
	return StreamURL(base)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	form, ok := s.form(w, r)
	if !ok {
		return
	}
	callID := form.Get("CallSid")
	raw := form.Get("CallStatus")
	log := s.log.WithFields(logrus.Fields{"call_id": callID, "call_status": raw})

	if status, terminal := callstate.StatusFromTwilio(raw); terminal && callID != "" {
		if err := s.calls.HandleTerminalStatus(callID, status); err != nil && !errors.Is(err, callsystem.ErrUnknownCall) {
			log.WithError(err).Warn("teardown after status callback failed")
		} else {
			log.Info("call reached terminal status")
		}
	} else {
		log.Debug("call status")
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

type healthResponse struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"active_calls"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", ActiveCalls: len(s.calls.ActiveCalls())})
}
