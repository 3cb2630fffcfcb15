package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/voicecall"
)

const testToken = "12345"

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestSignatureSortsParameters(t *testing.T) {
	params := url.Values{
		"To":      {"+18005551212"},
		"CallSid": {"CA1234567890ABCDE"},
		"From":    {"+12349013030"},
	}
	u := "https://mycompany.com/myapp.php?foo=1&bar=2"

	mac := hmac.New(sha1.New, []byte(testToken))
	_, _ = mac.Write([]byte(u + "CallSidCA1234567890ABCDE" + "From+12349013030" + "To+18005551212"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, Signature(testToken, u, params))
}

func TestVerifySignature(t *testing.T) {
	params := url.Values{"CallSid": {"CA1"}, "From": {"+15550001"}}
	u := "https://example.com/incoming"
	sig := Signature(testToken, u, params)

	assert.NoError(t, VerifySignature(testToken, sig, u, params))
	assert.ErrorIs(t, VerifySignature(testToken, "", u, params), ErrMissingSignature)
	assert.ErrorIs(t, VerifySignature("other", sig, u, params), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(testToken, sig, "https://example.com/outgoing", params), ErrInvalidSignature)

	tampered := url.Values{"CallSid": {"CA1"}, "From": {"+15559999"}}
	assert.ErrorIs(t, VerifySignature(testToken, sig, u, tampered), ErrInvalidSignature)
}

func signedRequest(t *testing.T, target string, params url.Values, signURL string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(params.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set(voicecall.SignatureHeader, Signature(testToken, signURL, params))
	return r
}

func TestResolveURLPublicBase(t *testing.T) {
	v, err := NewVerifier(testToken, Policy{PublicBaseURL: "https://voice.example.com/"}, quietLogger())
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "http://internal:3334/status?x=1", nil)
	got, err := v.ResolveURL(r)
	require.NoError(t, err)
	assert.Equal(t, "https://voice.example.com/status?x=1", got)
}

func TestResolveURLForwarding(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		remote  string
		want    string
		wantErr error
	}{
		{
			name:   "no forwarding trust uses host",
			policy: Policy{TrustedProxies: []string{"10.0.0.0/8"}},
			remote: "10.1.2.3:5000",
			want:   "http://internal:3334/incoming",
		},
		{
			name:   "trusted proxy with forwarding",
			policy: Policy{TrustForwarding: true, TrustedProxies: []string{"10.0.0.0/8"}},
			remote: "10.1.2.3:5000",
			want:   "https://voice.example.com/incoming",
		},
		{
			name:   "untrusted remote ignores headers",
			policy: Policy{TrustForwarding: true, TrustedProxies: []string{"10.0.0.0/8"}},
			remote: "203.0.113.9:5000",
			want:   "http://internal:3334/incoming",
		},
		{
			name:   "allowlist implies forwarding trust",
			policy: Policy{AllowedHosts: []string{"voice.example.com"}, TrustedProxies: []string{"10.1.2.3"}},
			remote: "10.1.2.3:5000",
			want:   "https://voice.example.com/incoming",
		},
		{
			name:    "allowlist rejects unknown host",
			policy:  Policy{AllowedHosts: []string{"other.example.com"}, TrustedProxies: []string{"10.1.2.3"}},
			remote:  "10.1.2.3:5000",
			wantErr: ErrUntrustedHost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewVerifier(testToken, tt.policy, quietLogger())
			require.NoError(t, err)

			r := httptest.NewRequest("POST", "http://internal:3334/incoming", nil)
			r.RemoteAddr = tt.remote
			r.Header.Set("X-Forwarded-Host", "voice.example.com, proxy.local")
			r.Header.Set("X-Forwarded-Proto", "https")

			got, err := v.ResolveURL(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifierRejectsTamperedBody(t *testing.T) {
	v, err := NewVerifier(testToken, Policy{PublicBaseURL: "https://voice.example.com"}, quietLogger())
	require.NoError(t, err)

	params := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}
	req := signedRequest(t, "/status", params, "https://voice.example.com/status")
	require.NoError(t, req.ParseForm())
	assert.NoError(t, v.Verify(req, req.PostForm))

	tampered := url.Values{"CallSid": {"CA1"}, "CallStatus": {"busy"}}
	stale := httptest.NewRequest("POST", "/status", strings.NewReader(tampered.Encode()))
	stale.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	stale.Header.Set(voicecall.SignatureHeader, req.Header.Get(voicecall.SignatureHeader))
	require.NoError(t, stale.ParseForm())
	assert.ErrorIs(t, v.Verify(stale, stale.PostForm), ErrInvalidSignature)
}

func TestVerifierSkip(t *testing.T) {
	v, err := NewVerifier("", Policy{SkipVerification: true}, quietLogger())
	require.NoError(t, err)
	r := httptest.NewRequest("POST", "/status", nil)
	assert.NoError(t, v.Verify(r, url.Values{}))
}

func TestNewVerifierValidation(t *testing.T) {
	_, err := NewVerifier("", Policy{}, quietLogger())
	assert.Error(t, err)
	_, err = NewVerifier(testToken, Policy{TrustedProxies: []string{"not-an-ip"}}, quietLogger())
	assert.Error(t, err)
}
