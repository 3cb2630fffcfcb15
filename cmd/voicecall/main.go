// Command voicecall runs the voice-call webhook server, or places one
// outbound call and stays up until it ends.
//
//	voicecall -config voicecall.yaml serve
//	voicecall -config voicecall.yaml call -to +15551234567 -greeting "Hi, quick question."
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentplexus/voicecall"
	"github.com/agentplexus/voicecall/internal/config"
	"github.com/agentplexus/voicecall/internal/logging"
	"github.com/agentplexus/voicecall/plugin"
)

func main() {
	configPath := flag.String("config", os.Getenv("VOICECALL_CONFIG"), "Path to a YAML or INI config file")
	flag.Usage = usage
	flag.Parse()

	cmd := "serve"
	args := flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	if err := run(*configPath, cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "voicecall %s\n\nUsage:\n  voicecall [-config file] serve\n  voicecall [-config file] call -to NUMBER [-greeting TEXT] [-session KEY]\n\nFlags:\n", voicecall.Version)
	flag.PrintDefaults()
}

func run(configPath, cmd string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	log := logger.Component("main")

	p, err := plugin.New(cfg, plugin.Deps{Log: logrus.NewEntry(logger.Logger)})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		if err := p.Start(ctx); err != nil {
			return err
		}
		log.WithField("public_url", p.PublicURL()).Info("serving voice webhooks, press Ctrl+C to stop")
		<-ctx.Done()
	case "call":
		if err := placeCall(ctx, p, args, log); err != nil {
			shutdown(p, log)
			return err
		}
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	shutdown(p, log)
	return nil
}

func placeCall(ctx context.Context, p *plugin.Plugin, args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	to := fs.String("to", "", "Number to call, E.164")
	from := fs.String("from", "", "Caller ID, defaults to twilio.phone_number")
	greeting := fs.String("greeting", "", "Spoken once the call connects")
	session := fs.String("session", "", "Channel that receives the call summary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" {
		return fmt.Errorf("call: -to is required")
	}

	if err := p.Start(ctx); err != nil {
		return err
	}
	callID, err := p.Call(ctx, *to, plugin.CallOptions{SessionKey: *session, Greeting: *greeting, From: *from})
	if err != nil {
		return err
	}
	log.WithField("call_id", callID).Info("call placed, waiting for it to end")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := p.Hangup(hctx, callID, "")
			cancel()
			return err
		case <-ticker.C:
			if _, live := p.Manager().Get(callID); !live {
				return nil
			}
		}
	}
}

func shutdown(p *plugin.Plugin, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil && !errors.Is(err, plugin.ErrNotStarted) {
		log.WithError(err).Warn("shutdown incomplete")
	}
}
