package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(&Config{AccountSID: "AC1", AuthToken: "tok", BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	_, err := New(nil)
	assert.Error(t, err)

	t.Setenv("TWILIO_ACCOUNT_SID", "ACenv")
	t.Setenv("TWILIO_AUTH_TOKEN", "tokenv")
	c, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, "ACenv", c.AccountSID())
	assert.Equal(t, "tokenv", c.AuthToken())
}

func TestOriginateCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/Accounts/AC1/Calls.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "tok", pass)

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550001", r.PostForm.Get("To"))
		assert.Equal(t, "+15550002", r.PostForm.Get("From"))
		assert.Equal(t, "https://voice.example.com/outgoing", r.PostForm.Get("Url"))
		assert.Equal(t, "https://voice.example.com/status", r.PostForm.Get("StatusCallback"))
		assert.Contains(t, r.PostForm["StatusCallbackEvent"], "completed")

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"queued"}`))
	})

	sid, err := c.OriginateCall(context.Background(), "+15550001", "+15550002",
		"https://voice.example.com/outgoing", "https://voice.example.com/status")
	require.NoError(t, err)
	assert.Equal(t, "CA1", sid)
}

func TestOriginateCallAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`))
	})

	_, err := c.OriginateCall(context.Background(), "bogus", "+15550002", "https://x/outgoing", "")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 21211, apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestOriginateCallValidatesInput(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	_, err := c.OriginateCall(context.Background(), "", "+15550002", "https://x/outgoing", "")
	assert.Error(t, err)
}

func TestTerminateCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Accounts/AC1/Calls/CA1.json", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "completed", r.PostForm.Get("Status"))
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"completed"}`))
	})

	ok, err := c.TerminateCall(context.Background(), "CA1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTerminateCallAlreadyEnded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21220,"message":"Call is not in-progress. Cannot redirect.","status":400}`))
	})

	ok, err := c.TerminateCall(context.Background(), "CA1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNonJSONErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := c.TerminateCall(context.Background(), "CA1")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Contains(t, apiErr.Message, "upstream down")
}
