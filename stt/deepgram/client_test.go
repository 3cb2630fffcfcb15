package deepgram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresKey(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")
	_, err := New(Config{})
	require.Error(t, err)
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/listen", r.URL.Path)
		assert.Equal(t, "Token key", r.Header.Get("Authorization"))
		assert.Equal(t, "audio/wav", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "RIFF", string(body[:4]))
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":" hello ","confidence":0.9}]}]}}`))
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := c.Transcribe(context.Background(), make([]byte, 3200))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "hello", res.Text)
	assert.InDelta(t, 0.9, res.Confidence, 0.001)
	assert.Equal(t, "en-US", res.Language)
}

func TestTranscribeEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":""}]}]}}`))
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)
	res, err := c.Transcribe(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestTranscribeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Transcribe(context.Background(), nil)
	assert.ErrorContains(t, err, "401")
}
