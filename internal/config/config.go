// Package config loads voicecall settings from YAML or INI plus environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ini "gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/agentplexus/voicecall"
	"github.com/agentplexus/voicecall/callsystem"
	"github.com/agentplexus/voicecall/internal/logging"
)

// Provider names accepted for stt.provider and tts.provider.
const (
	ProviderDeepgram   = "deepgram"
	ProviderElevenLabs = "elevenlabs"
	ProviderOmnivoice  = "omnivoice"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig          `yaml:"server"`
	Twilio     TwilioConfig          `yaml:"twilio"`
	Security   SecurityConfig        `yaml:"security"`
	STT        STTConfig             `yaml:"stt"`
	TTS        TTSConfig             `yaml:"tts"`
	Engine     EngineConfig          `yaml:"engine"`
	Notify     NotifyConfig          `yaml:"notify"`
	Voice      VoiceConfig           `yaml:"voice"`
	Thresholds callsystem.Thresholds `yaml:"thresholds"`
	Logging    logging.Config        `yaml:"logging"`
	Storage    StorageConfig         `yaml:"storage"`
}

// ServerConfig controls the webhook listener and its public address.
type ServerConfig struct {
	Listen    string `yaml:"listen"`
	PublicURL string `yaml:"public_url"`
	// NgrokAuthToken opens a tunnel when PublicURL is empty.
	NgrokAuthToken string `yaml:"ngrok_authtoken"`
	NgrokDomain    string `yaml:"ngrok_domain"`
}

// TwilioConfig holds account credentials.
type TwilioConfig struct {
	AccountSID  string `yaml:"account_sid"`
	AuthToken   string `yaml:"auth_token"`
	PhoneNumber string `yaml:"phone_number"`
	APIBaseURL  string `yaml:"api_base_url"`
}

// SecurityConfig is the webhook origin policy.
type SecurityConfig struct {
	AllowedHosts     []string `yaml:"allowed_hosts"`
	TrustedProxies   []string `yaml:"trusted_proxies"`
	TrustForwarding  bool     `yaml:"trust_forwarding"`
	SkipVerification bool     `yaml:"skip_verification"`
}

// STTConfig selects the speech recognizer.
type STTConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// TTSConfig selects the synthesizer.
type TTSConfig struct {
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api_key"`
	VoiceID    string `yaml:"voice_id"`
	Model      string `yaml:"model"`
	SampleRate int    `yaml:"sample_rate"`
}

// EngineConfig points at an OpenAI-compatible chat completions endpoint.
type EngineConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

// NotifyConfig enables Slack call summaries.
type NotifyConfig struct {
	SlackToken     string `yaml:"slack_token"`
	DefaultChannel string `yaml:"default_channel"`
}

// VoiceConfig holds conversation-level behavior.
type VoiceConfig struct {
	InboundGreeting string        `yaml:"inbound_greeting"`
	Apology         string        `yaml:"apology"`
	BridgeTimeout   time.Duration `yaml:"bridge_timeout"`
	HistoryTurns    int           `yaml:"history_turns"`
}

// StorageConfig controls the call log.
type StorageConfig struct {
	CallLogDir string        `yaml:"call_log_dir"`
	Retention  time.Duration `yaml:"retention"`
}

// Default returns a config with every optional field filled.
func Default() Config {
	return Config{
		Server: ServerConfig{Listen: ":3334"},
		Twilio: TwilioConfig{APIBaseURL: voicecall.DefaultAPIBaseURL},
		STT:    STTConfig{Provider: ProviderDeepgram, Model: "nova-2-phonecall", Language: "en-US"},
		TTS:    TTSConfig{Provider: ProviderElevenLabs, SampleRate: voicecall.DefaultTTSSampleRate},
		Engine: EngineConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Voice: VoiceConfig{
			Apology:       "Sorry, I'm having trouble answering right now.",
			BridgeTimeout: 30 * time.Second,
			HistoryTurns:  6,
		},
		Thresholds: callsystem.DefaultThresholds(),
		Logging:    logging.Config{Level: "info"},
		Storage:    StorageConfig{CallLogDir: "calls", Retention: 30 * 24 * time.Hour},
	}
}

// Load reads path (YAML or INI by extension; empty means defaults only),
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		var err error
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = loadYAML(path, &cfg)
		case ".ini", ".conf":
			err = loadINI(path, &cfg)
		default:
			err = fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
		if err != nil {
			return Config{}, err
		}
	}

	ApplyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml config %s: %w", path, err)
	}
	return nil
}

func loadINI(path string, cfg *Config) error {
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("parse ini config %s: %w", path, err)
	}

	sec := file.Section("server")
	cfg.Server.Listen = sec.Key("listen").MustString(cfg.Server.Listen)
	cfg.Server.PublicURL = sec.Key("public_url").MustString(cfg.Server.PublicURL)
	cfg.Server.NgrokAuthToken = sec.Key("ngrok_authtoken").String()
	cfg.Server.NgrokDomain = sec.Key("ngrok_domain").String()

	sec = file.Section("twilio")
	cfg.Twilio.AccountSID = sec.Key("account_sid").String()
	cfg.Twilio.AuthToken = sec.Key("auth_token").String()
	cfg.Twilio.PhoneNumber = sec.Key("phone_number").String()
	cfg.Twilio.APIBaseURL = sec.Key("api_base_url").MustString(cfg.Twilio.APIBaseURL)

	sec = file.Section("security")
	cfg.Security.AllowedHosts = sec.Key("allowed_hosts").Strings(",")
	cfg.Security.TrustedProxies = sec.Key("trusted_proxies").Strings(",")
	cfg.Security.TrustForwarding = sec.Key("trust_forwarding").MustBool(false)
	cfg.Security.SkipVerification = sec.Key("skip_verification").MustBool(false)

	sec = file.Section("stt")
	cfg.STT.Provider = sec.Key("provider").MustString(cfg.STT.Provider)
	cfg.STT.APIKey = sec.Key("api_key").String()
	cfg.STT.Model = sec.Key("model").MustString(cfg.STT.Model)
	cfg.STT.Language = sec.Key("language").MustString(cfg.STT.Language)

	sec = file.Section("tts")
	cfg.TTS.Provider = sec.Key("provider").MustString(cfg.TTS.Provider)
	cfg.TTS.APIKey = sec.Key("api_key").String()
	cfg.TTS.VoiceID = sec.Key("voice_id").String()
	cfg.TTS.Model = sec.Key("model").String()
	cfg.TTS.SampleRate = sec.Key("sample_rate").MustInt(cfg.TTS.SampleRate)

	sec = file.Section("engine")
	cfg.Engine.BaseURL = sec.Key("base_url").MustString(cfg.Engine.BaseURL)
	cfg.Engine.APIKey = sec.Key("api_key").String()
	cfg.Engine.Model = sec.Key("model").MustString(cfg.Engine.Model)
	cfg.Engine.SystemPrompt = sec.Key("system_prompt").String()

	sec = file.Section("notify")
	cfg.Notify.SlackToken = sec.Key("slack_token").String()
	cfg.Notify.DefaultChannel = sec.Key("default_channel").String()

	sec = file.Section("voice")
	cfg.Voice.InboundGreeting = sec.Key("inbound_greeting").String()
	cfg.Voice.Apology = sec.Key("apology").MustString(cfg.Voice.Apology)
	cfg.Voice.BridgeTimeout = sec.Key("bridge_timeout").MustDuration(cfg.Voice.BridgeTimeout)
	cfg.Voice.HistoryTurns = sec.Key("history_turns").MustInt(cfg.Voice.HistoryTurns)

	sec = file.Section("storage")
	cfg.Storage.CallLogDir = sec.Key("call_log_dir").MustString(cfg.Storage.CallLogDir)
	cfg.Storage.Retention = sec.Key("retention").MustDuration(cfg.Storage.Retention)

	if err := file.Section("thresholds").MapTo(&cfg.Thresholds); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	if err := file.Section("logging").MapTo(&cfg.Logging); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// ApplyEnv overrides secrets and deployment-specific values from the
// environment. Empty variables leave the file value in place.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	set(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	set(&cfg.Twilio.PhoneNumber, "TWILIO_PHONE_NUMBER")
	set(&cfg.Server.PublicURL, "VOICECALL_PUBLIC_URL")
	set(&cfg.Server.NgrokAuthToken, "NGROK_AUTHTOKEN")
	set(&cfg.Engine.APIKey, "OPENAI_API_KEY")
	set(&cfg.Notify.SlackToken, "SLACK_BOT_TOKEN")
	set(&cfg.Logging.Level, "VOICECALL_LOG_LEVEL")
	if cfg.STT.Provider == ProviderDeepgram {
		set(&cfg.STT.APIKey, "DEEPGRAM_API_KEY")
	}
	if cfg.TTS.Provider == ProviderElevenLabs {
		set(&cfg.TTS.APIKey, "ELEVENLABS_API_KEY")
	}
}

// Validate checks required fields and enumerations.
func (c Config) Validate() error {
	if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
		return fmt.Errorf("twilio account_sid and auth_token are required")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.PublicURL == "" && c.Server.NgrokAuthToken == "" {
		return fmt.Errorf("either server.public_url or server.ngrok_authtoken is required")
	}
	if c.Server.PublicURL != "" &&
		!strings.HasPrefix(c.Server.PublicURL, "https://") && !strings.HasPrefix(c.Server.PublicURL, "http://") {
		return fmt.Errorf("server.public_url must be an http(s) URL")
	}
	switch c.STT.Provider {
	case ProviderDeepgram, ProviderOmnivoice:
	default:
		return fmt.Errorf("unknown stt provider %q", c.STT.Provider)
	}
	switch c.TTS.Provider {
	case ProviderElevenLabs, ProviderOmnivoice:
	default:
		return fmt.Errorf("unknown tts provider %q", c.TTS.Provider)
	}
	if c.Voice.BridgeTimeout <= 0 {
		return fmt.Errorf("voice.bridge_timeout must be positive")
	}
	return nil
}
