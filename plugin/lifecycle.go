package plugin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentplexus/voicecall/callsystem"
	"github.com/agentplexus/voicecall/webhook"
)

var (
	// ErrNotStarted is returned by Stop before Start succeeded.
	ErrNotStarted = errors.New("plugin not started")
	// ErrStopped is returned by Start once the plugin has been stopped.
	ErrStopped = errors.New("plugin stopped")
)

// Start opens the tunnel when one is configured, starts the webhook server
// and the silence detector, then signals Ready. A tunnel failure is returned
// and readiness is never signalled. A Plugin runs once: after Stop, build a
// new one with New.
func (p *Plugin) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return fmt.Errorf("plugin already started")
	}

	var listeners []net.Listener
	publicURL := strings.TrimRight(p.cfg.Server.PublicURL, "/")
	if p.tunnel != nil {
		ln, u, err := p.tunnel.Open(ctx)
		if err != nil {
			return fmt.Errorf("start tunnel: %w", err)
		}
		listeners = append(listeners, ln)
		publicURL = strings.TrimRight(u, "/")
		p.log.WithField("url", publicURL).Info("tunnel open")
	}

	local, err := net.Listen("tcp", p.cfg.Server.Listen)
	if err != nil {
		closeAll(listeners)
		return fmt.Errorf("listen on %s: %w", p.cfg.Server.Listen, err)
	}
	listeners = append(listeners, local)

	verifier, err := webhook.NewVerifier(p.cfg.Twilio.AuthToken, webhook.Policy{
		PublicBaseURL:    publicURL,
		AllowedHosts:     p.cfg.Security.AllowedHosts,
		TrustForwarding:  p.cfg.Security.TrustForwarding,
		TrustedProxies:   p.cfg.Security.TrustedProxies,
		SkipVerification: p.cfg.Security.SkipVerification,
	}, p.log)
	if err != nil {
		closeAll(listeners)
		return err
	}

	handler := webhook.NewServer(verifier, p.manager,
		webhook.WithMediaHandler(p.media),
		webhook.WithBaseURL(p.PublicURL),
		webhook.WithInboundGreeting(p.cfg.Voice.InboundGreeting),
		webhook.WithLogger(p.log),
	)
	p.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	for _, ln := range listeners {
		p.serveWG.Add(1)
		go p.serve(ln)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancelRun = cancel
	go p.manager.Run(runCtx)

	p.pruneCallLog()

	p.publicURL = publicURL
	p.started = true
	close(p.ready)
	p.log.WithFields(logrus.Fields{"listen": local.Addr().String(), "public_url": publicURL}).Info("voice plugin ready")
	return nil
}

func (p *Plugin) serve(ln net.Listener) {
	defer p.serveWG.Done()
	if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.log.WithError(err).WithField("addr", ln.Addr().String()).Error("webhook server stopped")
	}
}

func (p *Plugin) pruneCallLog() {
	pr, ok := p.calllog.(pruner)
	if !ok || p.cfg.Storage.Retention <= 0 {
		return
	}
	n, err := pr.Prune(time.Now().Add(-p.cfg.Storage.Retention))
	if err != nil {
		p.log.WithError(err).Warn("call log prune failed")
		return
	}
	if n > 0 {
		p.log.WithField("removed", n).Info("pruned call log")
	}
}

// Ready is closed once Start has succeeded.
func (p *Plugin) Ready() <-chan struct{} {
	return p.ready
}

// PublicURL is the webhook base URL, or "" before Start.
func (p *Plugin) PublicURL() string {
	select {
	case <-p.ready:
	default:
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publicURL
}

// Stop ends every call, waits for summaries and shuts the server down.
func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.started = false
	p.stopped = true
	server := p.server
	cancel := p.cancelRun
	p.mu.Unlock()

	_ = p.manager.Close()
	cancel()
	_ = p.registry.Close()

	err := server.Shutdown(ctx)
	p.serveWG.Wait()
	if err != nil {
		return fmt.Errorf("shutdown webhook server: %w", err)
	}
	p.log.Info("voice plugin stopped")
	return nil
}

// Call places an outbound call and returns its call ID. It waits for the
// public URL, so it may be called before Start returns.
func (p *Plugin) Call(ctx context.Context, to string, opts CallOptions) (string, error) {
	if to == "" {
		return "", fmt.Errorf("destination number is required")
	}
	select {
	case <-p.ready:
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for public url: %w", ctx.Err())
	}

	from := opts.From
	if from == "" {
		from = p.cfg.Twilio.PhoneNumber
	}
	if from == "" {
		return "", fmt.Errorf("caller id is required: set twilio.phone_number")
	}

	base := p.PublicURL()
	callID, err := p.telephony.OriginateCall(ctx, to, from, base+"/outgoing", base+"/status")
	if err != nil {
		return "", fmt.Errorf("originate call: %w", err)
	}

	var callOpts []callsystem.CallOption
	if opts.SessionKey != "" {
		callOpts = append(callOpts, callsystem.WithSessionKey(opts.SessionKey))
	}
	if opts.Greeting != "" {
		callOpts = append(callOpts, callsystem.WithGreeting(opts.Greeting))
	}

	_, err = p.manager.CreateCall(callID, from, to, callOpts...)
	if errors.Is(err, callsystem.ErrCallExists) {
		// The answer webhook won the race and adopted the call.
		err = p.manager.Configure(callID, callOpts...)
	}
	if err != nil {
		return callID, fmt.Errorf("register call %s: %w", callID, err)
	}

	p.log.WithFields(logrus.Fields{"call_id": callID, "to": to, "session_key": opts.SessionKey}).Info("outbound call placed")
	return callID, nil
}

// Hangup plays farewell if given, ends the call locally and then asks the
// telephony API to terminate it.
func (p *Plugin) Hangup(ctx context.Context, callID, farewell string) error {
	if err := p.manager.EndCall(ctx, callID, farewell); err != nil && !errors.Is(err, callsystem.ErrUnknownCall) {
		return err
	}
	ended, err := p.telephony.TerminateCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("terminate call %s: %w", callID, err)
	}
	if !ended {
		p.log.WithField("call_id", callID).Debug("call already finished at the provider")
	}
	return nil
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}
