package plugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentplexus/voicecall/callstate"
	"github.com/agentplexus/voicecall/internal/calllog"
)

const (
	summaryTimeout = 60 * time.Second
	notifyTimeout  = 10 * time.Second
	// maxTurnChars bounds each history line placed in a prompt.
	maxTurnChars = 300
)

// sessionKey is the engine conversation for a call: the linked session when
// there is one, otherwise a per-call key.
func sessionKey(st callstate.State) string {
	if st.SessionKey != "" {
		return st.SessionKey
	}
	return "voice:" + st.ID
}

// onTranscription answers one caller turn. Engine failures and timeouts
// produce the configured apology instead of silence.
func (p *Plugin) onTranscription(ctx context.Context, callID, text string) (string, error) {
	st, ok := p.manager.Get(callID)
	if !ok {
		return "", nil
	}
	log := p.log.WithField("call_id", callID)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Voice.BridgeTimeout)
	defer cancel()

	reply, err := p.engine.Respond(ctx, sessionKey(st), turnPrompt(st, text, p.cfg.Voice.HistoryTurns))
	if err != nil {
		log.WithError(err).Warn("response engine failed, apologizing")
		return p.cfg.Voice.Apology, nil
	}
	return strings.TrimSpace(reply), nil
}

// turnPrompt frames a caller turn for the engine with the last few turns of
// context. The current turn is already the last entry of st.Turns.
func turnPrompt(st callstate.State, text string, historyTurns int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Voice call %s with %s]\n", st.ID, st.From)

	prior := st.Turns
	if n := len(prior); n > 0 && prior[n-1].Role == callstate.RoleCaller && prior[n-1].Text == text {
		prior = prior[:n-1]
	}
	if historyTurns > 0 && len(prior) > historyTurns {
		prior = prior[len(prior)-historyTurns:]
	}
	if len(prior) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range prior {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, truncate(t.Text, maxTurnChars))
		}
	}

	b.WriteString("The caller said: ")
	b.WriteString(text)
	b.WriteString("\nReply in one or two short spoken sentences.")
	return b.String()
}

// summaryPrompt asks the engine for a short written summary of the call.
func summaryPrompt(st callstate.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize this phone call with %s in two or three sentences. "+
		"Note any requests or follow-ups.\n\n", counterpart(st))
	for _, t := range st.Turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
	}
	return b.String()
}

// metadataNote describes a call that never had a caller turn.
func metadataNote(st callstate.State) string {
	return fmt.Sprintf("Call %s with %s ended (%s) after %s with no conversation.",
		st.ID, counterpart(st), st.Status, st.Duration().Round(time.Second))
}

func counterpart(st callstate.State) string {
	if st.SessionKey != "" && st.To != "" {
		return st.To
	}
	return st.From
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// onCallEnded summarizes, persists and announces a finished call.
func (p *Plugin) onCallEnded(st callstate.State) {
	log := p.log.WithFields(logrus.Fields{"call_id": st.ID, "status": st.Status.String()})
	key := sessionKey(st)

	summary := metadataNote(st)
	if st.CallerTurns() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
		text, err := p.engine.Respond(ctx, key, summaryPrompt(st))
		cancel()
		switch {
		case err != nil:
			log.WithError(err).Warn("call summary failed")
			summary = fmt.Sprintf("Call %s with %s ended after %d caller turns; summary unavailable.",
				st.ID, counterpart(st), st.CallerTurns())
		case strings.TrimSpace(text) != "":
			summary = strings.TrimSpace(text)
		}
	}

	if f, ok := p.engine.(forgetter); ok && st.SessionKey == "" {
		f.Forget(key)
	}

	if p.calllog != nil {
		if _, err := p.calllog.Save(calllog.FromState(st, summary)); err != nil {
			log.WithError(err).Error("cannot save call log")
		}
	}

	if p.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		msg := fmt.Sprintf("Call %s (%s, %s): %s", st.ID, st.Status, st.Duration().Round(time.Second), summary)
		if err := p.notifier.Notify(ctx, st.SessionKey, msg); err != nil {
			log.WithError(err).Warn("call summary notification failed")
		}
	}

	log.WithField("summary", summary).Info("call summarized")
}
