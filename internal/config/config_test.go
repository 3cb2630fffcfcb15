package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_PHONE_NUMBER", "VOICECALL_PUBLIC_URL",
		"NGROK_AUTHTOKEN", "OPENAI_API_KEY", "SLACK_BOT_TOKEN", "VOICECALL_LOG_LEVEL",
		"DEEPGRAM_API_KEY", "ELEVENLABS_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const yamlConfig = `
server:
  listen: ":8080"
  public_url: "https://voice.example.com"
twilio:
  account_sid: AC1
  auth_token: tok
  phone_number: "+15550002"
security:
  allowed_hosts: [voice.example.com]
  trusted_proxies: [10.0.0.0/8]
stt:
  provider: deepgram
  api_key: dg
tts:
  provider: elevenlabs
  api_key: el
  sample_rate: 16000
voice:
  inbound_greeting: Hello
  bridge_timeout: 20s
thresholds:
  silence_timeout: 2s
  speech_rms: 700
logging:
  level: debug
`

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, "voicecall.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "AC1", cfg.Twilio.AccountSID)
	assert.Equal(t, []string{"voice.example.com"}, cfg.Security.AllowedHosts)
	assert.Equal(t, 16000, cfg.TTS.SampleRate)
	assert.Equal(t, 20*time.Second, cfg.Voice.BridgeTimeout)
	assert.Equal(t, 2*time.Second, cfg.Thresholds.SilenceTimeout)
	assert.Equal(t, 700, cfg.Thresholds.SpeechRMS)
	assert.Equal(t, 300*time.Millisecond, cfg.Thresholds.MinSpeech)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "nova-2-phonecall", cfg.STT.Model)
}

const iniConfig = `
[server]
public_url = https://voice.example.com

[twilio]
account_sid = AC1
auth_token = tok

[security]
trusted_proxies = 10.0.0.1, 10.0.0.2
skip_verification = true

[voice]
bridge_timeout = 15s

[thresholds]
min_speech = 250ms
suppression = 500ms

[logging]
level = warn
file = /tmp/voicecall.log
`

func TestLoadINI(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, "voicecall.ini", iniConfig))
	require.NoError(t, err)

	assert.Equal(t, ":3334", cfg.Server.Listen)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Security.TrustedProxies)
	assert.True(t, cfg.Security.SkipVerification)
	assert.Equal(t, 15*time.Second, cfg.Voice.BridgeTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Thresholds.MinSpeech)
	assert.Equal(t, 500*time.Millisecond, cfg.Thresholds.Suppression)
	assert.Equal(t, 1500*time.Millisecond, cfg.Thresholds.SilenceTimeout)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/tmp/voicecall.log", cfg.Logging.File)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWILIO_ACCOUNT_SID", "ACenv")
	t.Setenv("TWILIO_AUTH_TOKEN", "tokenv")
	t.Setenv("NGROK_AUTHTOKEN", "ngrok")
	t.Setenv("DEEPGRAM_API_KEY", "dgenv")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ACenv", cfg.Twilio.AccountSID)
	assert.Equal(t, "ngrok", cfg.Server.NgrokAuthToken)
	assert.Equal(t, "dgenv", cfg.STT.APIKey)
}

func TestApplyEnvKeepsFileValues(t *testing.T) {
	cfg := Default()
	cfg.Twilio.AccountSID = "ACfile"
	ApplyEnv(&cfg, func(string) string { return "" })
	assert.Equal(t, "ACfile", cfg.Twilio.AccountSID)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Twilio.AccountSID = "AC1"
		cfg.Twilio.AuthToken = "tok"
		cfg.Server.PublicURL = "https://voice.example.com"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(*Config){
		"missing credentials": func(c *Config) { c.Twilio.AuthToken = "" },
		"no public address":   func(c *Config) { c.Server.PublicURL = "" },
		"bad public url":      func(c *Config) { c.Server.PublicURL = "voice.example.com" },
		"unknown stt":         func(c *Config) { c.STT.Provider = "whisper" },
		"unknown tts":         func(c *Config) { c.TTS.Provider = "polly" },
		"bad bridge timeout":  func(c *Config) { c.Voice.BridgeTimeout = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeFile(t, "voicecall.toml", ""))
	assert.Error(t, err)
}
