// Package plugin assembles the voice pipeline from configuration: it picks
// the speech providers, runs the webhook server, bridges caller turns to a
// response engine and files a summary when each call ends.
package plugin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	omnistt "github.com/agentplexus/omnivoice/stt"
	omnitts "github.com/agentplexus/omnivoice/tts"
	"github.com/sirupsen/logrus"

	"github.com/agentplexus/voicecall/callsystem"
	"github.com/agentplexus/voicecall/internal/calllog"
	"github.com/agentplexus/voicecall/internal/client"
	"github.com/agentplexus/voicecall/internal/config"
	"github.com/agentplexus/voicecall/internal/engine"
	"github.com/agentplexus/voicecall/internal/notify"
	"github.com/agentplexus/voicecall/internal/tunnel"
	"github.com/agentplexus/voicecall/stt"
	"github.com/agentplexus/voicecall/stt/deepgram"
	"github.com/agentplexus/voicecall/transport"
	"github.com/agentplexus/voicecall/tts"
	"github.com/agentplexus/voicecall/tts/elevenlabs"
)

// Engine produces the reply to a caller turn.
type Engine interface {
	Respond(ctx context.Context, sessionKey, prompt string) (string, error)
}

// Notifier posts a message to an external channel.
type Notifier interface {
	Notify(ctx context.Context, channel, text string) error
}

// Tunnel exposes the webhook server publicly and reports its base URL.
type Tunnel interface {
	Open(ctx context.Context) (net.Listener, string, error)
}

// Telephony places and ends calls through the REST API.
type Telephony interface {
	OriginateCall(ctx context.Context, to, from, callbackURL, statusCallbackURL string) (string, error)
	TerminateCall(ctx context.Context, callSID string) (bool, error)
}

// CallLog persists finished calls.
type CallLog interface {
	Save(e calllog.Entry) (calllog.Entry, error)
}

// pruner is implemented by call logs that expire old entries.
type pruner interface {
	Prune(cutoff time.Time) (int, error)
}

// forgetter is implemented by engines that keep per-session history.
type forgetter interface {
	Forget(sessionKey string)
}

var (
	_ Engine    = (*engine.Client)(nil)
	_ Notifier  = (*notify.Slack)(nil)
	_ Tunnel    = (*tunnel.Ngrok)(nil)
	_ Telephony = (*client.Client)(nil)
	_ CallLog   = (*calllog.Store)(nil)
	_ pruner    = (*calllog.Store)(nil)
)

// Deps are the collaborators of a Plugin. Nil fields are built from the
// config; OmniSTT and OmniTTS are only consulted for the omnivoice provider.
type Deps struct {
	Engine    Engine
	Notifier  Notifier
	Tunnel    Tunnel
	STT       stt.Provider
	TTS       tts.Provider
	OmniSTT   omnistt.Provider
	OmniTTS   omnitts.Provider
	Telephony Telephony
	CallLog   CallLog
	Log       *logrus.Entry
}

// CallOptions configure an outbound call.
type CallOptions struct {
	// SessionKey links the call to an external conversation. Summaries are
	// posted there.
	SessionKey string
	// Greeting is spoken as soon as the callee's media stream connects.
	Greeting string
	// From overrides the configured caller ID.
	From string
}

// Plugin is a running voice pipeline.
type Plugin struct {
	cfg       config.Config
	engine    Engine
	notifier  Notifier
	tunnel    Tunnel
	telephony Telephony
	calllog   CallLog
	log       *logrus.Entry

	manager  *callsystem.Manager
	registry *transport.Registry
	media    *transport.Handler

	ready chan struct{}

	mu        sync.Mutex
	started   bool
	stopped   bool
	publicURL string
	server    *http.Server
	cancelRun context.CancelFunc
	serveWG   sync.WaitGroup
}

// New validates cfg and builds every collaborator Deps does not supply.
// Missing provider credentials fail here rather than on the first call.
func New(cfg config.Config, deps Deps) (*Plugin, error) {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &Plugin{
		cfg:       cfg,
		engine:    deps.Engine,
		notifier:  deps.Notifier,
		tunnel:    deps.Tunnel,
		telephony: deps.Telephony,
		calllog:   deps.CallLog,
		log:       log.WithField("component", "plugin"),
		ready:     make(chan struct{}),
	}

	sttProvider, err := selectSTT(cfg.STT, deps)
	if err != nil {
		return nil, err
	}
	ttsProvider, err := selectTTS(cfg.TTS, deps)
	if err != nil {
		return nil, err
	}

	if p.engine == nil {
		e, err := engine.New(engine.Config{
			APIKey:       cfg.Engine.APIKey,
			BaseURL:      cfg.Engine.BaseURL,
			Model:        cfg.Engine.Model,
			SystemPrompt: cfg.Engine.SystemPrompt,
		})
		if err != nil {
			return nil, fmt.Errorf("response engine: %w", err)
		}
		p.engine = e
	}

	if p.notifier == nil && cfg.Notify.SlackToken != "" {
		p.notifier = notify.NewSlack(cfg.Notify.SlackToken, notify.WithDefaultChannel(cfg.Notify.DefaultChannel))
	}

	if p.tunnel == nil && cfg.Server.PublicURL == "" {
		t, err := tunnel.NewNgrok(cfg.Server.NgrokAuthToken, cfg.Server.NgrokDomain)
		if err != nil {
			return nil, fmt.Errorf("tunnel: %w", err)
		}
		p.tunnel = t
	}

	if p.telephony == nil {
		c, err := client.New(&client.Config{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			BaseURL:    cfg.Twilio.APIBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("telephony client: %w", err)
		}
		p.telephony = c
	}

	if p.calllog == nil && cfg.Storage.CallLogDir != "" {
		store, err := calllog.Open(cfg.Storage.CallLogDir)
		if err != nil {
			return nil, err
		}
		p.calllog = store
	}

	p.registry = transport.NewRegistry(transport.WithRegistryLogger(log))
	p.manager, err = callsystem.New(sttProvider, ttsProvider, p.registry,
		callsystem.WithThresholds(cfg.Thresholds),
		callsystem.WithLogger(log),
		callsystem.WithTranscriptionHandler(p.onTranscription),
		callsystem.WithCallEndedHandler(p.onCallEnded),
	)
	if err != nil {
		return nil, err
	}
	p.media = transport.NewHandler(p.registry, p.manager,
		transport.WithLogger(log),
		transport.WithDTMFHandler(p.onDTMF),
	)
	return p, nil
}

func selectSTT(cfg config.STTConfig, deps Deps) (stt.Provider, error) {
	if deps.STT != nil {
		return deps.STT, nil
	}
	switch cfg.Provider {
	case config.ProviderDeepgram:
		c, err := deepgram.New(deepgram.Config{
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Language: cfg.Language,
		})
		if err != nil {
			return nil, fmt.Errorf("stt provider %s: %w", cfg.Provider, err)
		}
		return c, nil
	case config.ProviderOmnivoice:
		if deps.OmniSTT == nil {
			return nil, fmt.Errorf("stt provider %s: no omnivoice provider supplied", cfg.Provider)
		}
		var opts []stt.Option
		if cfg.Language != "" {
			opts = append(opts, stt.WithLanguage(cfg.Language))
		}
		if cfg.Model != "" {
			opts = append(opts, stt.WithModel(cfg.Model))
		}
		return stt.FromOmnivoice(deps.OmniSTT, opts...)
	}
	return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
}

func selectTTS(cfg config.TTSConfig, deps Deps) (tts.Provider, error) {
	if deps.TTS != nil {
		return deps.TTS, nil
	}
	switch cfg.Provider {
	case config.ProviderElevenLabs:
		c, err := elevenlabs.New(elevenlabs.Config{
			APIKey:     cfg.APIKey,
			VoiceID:    cfg.VoiceID,
			Model:      cfg.Model,
			SampleRate: cfg.SampleRate,
		})
		if err != nil {
			return nil, fmt.Errorf("tts provider %s: %w", cfg.Provider, err)
		}
		return c, nil
	case config.ProviderOmnivoice:
		if deps.OmniTTS == nil {
			return nil, fmt.Errorf("tts provider %s: no omnivoice provider supplied", cfg.Provider)
		}
		opts := []tts.Option{tts.WithVoice(cfg.VoiceID), tts.WithModel(cfg.Model)}
		if cfg.SampleRate > 0 {
			opts = append(opts, tts.WithSampleRate(cfg.SampleRate))
		}
		return tts.FromOmnivoice(deps.OmniTTS, opts...)
	}
	return nil, fmt.Errorf("unknown tts provider %q", cfg.Provider)
}

// Manager exposes the call manager, mainly for Speak.
func (p *Plugin) Manager() *callsystem.Manager {
	return p.manager
}

func (p *Plugin) onDTMF(callID, digit string) {
	p.log.WithFields(logrus.Fields{"call_id": callID, "digit": digit}).Info("dtmf")
}
