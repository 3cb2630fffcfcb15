package elevenlabs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Setenv("ELEVENLABS_API_KEY", "")
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{APIKey: "k", SampleRate: 8000})
	require.Error(t, err)

	c, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, 24000, c.SampleRate())
}

func TestSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/text-to-speech/voice", r.URL.Path)
		assert.Equal(t, "pcm_24000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "k", r.Header.Get("xi-api-key"))

		var req ttsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hi there", req.Text)
		_, _ = w.Write(make([]byte, 480))
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "k", VoiceID: "voice", BaseURL: srv.URL})
	require.NoError(t, err)
	pcm, err := c.Synthesize(context.Background(), "Hi there")
	require.NoError(t, err)
	assert.Len(t, pcm, 480)
}

func TestSynthesizeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Synthesize(context.Background(), "x")
	assert.ErrorContains(t, err, "429")
}
