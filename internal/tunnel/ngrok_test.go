package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNgrokRequiresToken(t *testing.T) {
	_, err := NewNgrok("", "")
	assert.Error(t, err)

	n, err := NewNgrok("token", "voice.ngrok.app")
	require.NoError(t, err)
	assert.Equal(t, "voice.ngrok.app", n.domain)
}
