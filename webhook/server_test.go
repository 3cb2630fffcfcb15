package webhook

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/voicecall"
	"github.com/agentplexus/voicecall/callstate"
	"github.com/agentplexus/voicecall/callsystem"
)

type fakeCalls struct {
	mu         sync.Mutex
	calls      map[string]callstate.State
	terminated map[string]callstate.Status
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		calls:      make(map[string]callstate.State),
		terminated: make(map[string]callstate.Status),
	}
}

func (f *fakeCalls) CreateCall(id, from, to string, _ ...callsystem.CallOption) (callstate.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.calls[id]; ok {
		return callstate.State{}, callsystem.ErrCallExists
	}
	st := *callstate.New(id, from, to, time.Now())
	f.calls[id] = st
	return st, nil
}

func (f *fakeCalls) Get(id string) (callstate.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.calls[id]
	return st, ok
}

func (f *fakeCalls) HandleTerminalStatus(id string, status callstate.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.calls[id]; !ok {
		return callsystem.ErrUnknownCall
	}
	delete(f.calls, id)
	f.terminated[id] = status
	return nil
}

func (f *fakeCalls) ActiveCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.calls))
	for id := range f.calls {
		ids = append(ids, id)
	}
	return ids
}

const publicBase = "https://voice.example.com"

func newTestServer(t *testing.T, calls *fakeCalls) *Server {
	t.Helper()
	v, err := NewVerifier(testToken, Policy{PublicBaseURL: publicBase}, quietLogger())
	require.NoError(t, err)
	media := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	return NewServer(v, calls,
		WithMediaHandler(media),
		WithBaseURL(func() string { return publicBase }),
		WithLogger(quietLogger()),
	)
}

func post(s http.Handler, path string, params url.Values, sig string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		r.Header.Set(voicecall.SignatureHeader, sig)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func signedPost(s http.Handler, path string, params url.Values) *httptest.ResponseRecorder {
	return post(s, path, params, Signature(testToken, publicBase+path, params))
}

func TestIncomingReturnsStreamTwiML(t *testing.T) {
	calls := newFakeCalls()
	s := newTestServer(t, calls)

	params := url.Values{"CallSid": {"CA1"}, "From": {"+15550001"}, "To": {"+15550002"}}
	w := signedPost(s, "/incoming", params)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/xml", w.Header().Get("Content-Type"))

	var resp ResponseElement
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Connect)
	assert.Equal(t, "wss://voice.example.com/media-stream", resp.Connect.Stream.URL)
	assert.Contains(t, resp.Connect.Stream.Parameters, ParameterElement{Name: "callSid", Value: "CA1"})

	st, ok := calls.Get("CA1")
	require.True(t, ok)
	assert.Equal(t, "+15550001", st.From)
}

func TestOutgoingAdoptsUnknownCall(t *testing.T) {
	calls := newFakeCalls()
	s := newTestServer(t, calls)

	w := signedPost(s, "/outgoing", url.Values{"CallSid": {"CA9"}, "To": {"+15550001"}})
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := calls.Get("CA9")
	assert.True(t, ok)
}

func TestTamperedBodyIsUnauthorized(t *testing.T) {
	calls := newFakeCalls()
	s := newTestServer(t, calls)

	original := url.Values{"CallSid": {"CA1"}, "From": {"+15550001"}}
	stale := Signature(testToken, publicBase+"/incoming", original)

	tampered := url.Values{"CallSid": {"CA1"}, "From": {"+15559999"}}
	w := post(s, "/incoming", tampered, stale)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	_, ok := calls.Get("CA1")
	assert.False(t, ok)

	w = signedPost(s, "/incoming", tampered)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMissingSignatureIsUnauthorized(t *testing.T) {
	s := newTestServer(t, newFakeCalls())
	w := post(s, "/status", url.Values{"CallSid": {"CA1"}}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	s := newTestServer(t, newFakeCalls())
	params := url.Values{"CallSid": {"CA1"}, "Junk": {strings.Repeat("x", MaxFormBytes)}}
	w := signedPost(s, "/incoming", params)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	s := newTestServer(t, newFakeCalls())
	r := httptest.NewRequest(http.MethodPost, "/incoming", strings.NewReader("%zz"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = signedPost(s, "/incoming", url.Values{"From": {"+15550001"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusTearsDownTerminalCalls(t *testing.T) {
	calls := newFakeCalls()
	s := newTestServer(t, calls)
	_, err := calls.CreateCall("CA1", "+15550001", "+15550002")
	require.NoError(t, err)

	w := signedPost(s, "/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	_, ok := calls.Get("CA1")
	assert.True(t, ok)

	w = signedPost(s, "/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"no-answer"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, callstate.NoAnswer, calls.terminated["CA1"])

	w = signedPost(s, "/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth(t *testing.T) {
	calls := newFakeCalls()
	s := newTestServer(t, calls)
	_, _ = calls.CreateCall("CA1", "a", "b")

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ActiveCalls)
}

func TestMediaStreamRoute(t *testing.T) {
	s := newTestServer(t, newFakeCalls())
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, MediaStreamPath, nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestStreamURL(t *testing.T) {
	got, err := StreamURL("https://abc.ngrok.app/")
	require.NoError(t, err)
	assert.Equal(t, "wss://abc.ngrok.app/media-stream", got)

	got, err = StreamURL("http://localhost:3334/voice")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3334/voice/media-stream", got)

	_, err = StreamURL("ftp://x")
	assert.Error(t, err)
}

func TestBuildStreamTwiMLEscapes(t *testing.T) {
	out, err := BuildStreamTwiML("wss://h/media-stream", `CA"1`, map[string]string{"from": "<x>", "callSid": "ignored"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, xml.Header))
	assert.Contains(t, out, `value="CA&#34;1"`)
	assert.Contains(t, out, `value="&lt;x&gt;"`)
	assert.NotContains(t, out, "ignored")
}

func TestBuildHangupTwiML(t *testing.T) {
	out, err := BuildHangupTwiML("Goodbye")
	require.NoError(t, err)
	assert.Contains(t, out, "<Say>Goodbye</Say>")
	assert.Contains(t, out, "<Hangup></Hangup>")
}
