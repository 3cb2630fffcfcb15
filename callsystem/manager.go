// Package callsystem owns live calls: it ingests caller audio, detects the
// end of each spoken turn, bridges transcripts to a response handler and plays
// replies back over the media stream in real time.
package callsystem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentplexus/voicecall"
	"github.com/agentplexus/voicecall/audio"
	"github.com/agentplexus/voicecall/callstate"
	"github.com/agentplexus/voicecall/stt"
	"github.com/agentplexus/voicecall/tts"
)

var (
	ErrUnknownCall = errors.New("unknown call")
	ErrCallExists  = errors.New("call already exists")
	ErrCallEnded   = errors.New("call has ended")
	ErrNoStream    = errors.New("call has no media stream")
)

// TranscriptionHandler turns a caller transcript into reply text. An empty
// reply means nothing is said.
type TranscriptionHandler func(ctx context.Context, callID, text string) (string, error)

// EndedHandler receives the final state of a call after teardown.
type EndedHandler func(state callstate.State)

// MediaSink delivers μ-law frames to the caller's media stream.
type MediaSink interface {
	SendMedia(streamID string, payload []byte) error
	Unregister(streamID string)
}

// Manager owns every live call.
type Manager struct {
	stt        stt.Provider
	tts        tts.Provider
	sink       MediaSink
	thresholds Thresholds
	frameSize  int

	onTranscription TranscriptionHandler
	onEnded         EndedHandler
	log             *logrus.Entry
	now             func() time.Time
	sleep           func(context.Context, time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	calls map[string]*call
}

// call is a State plus the machinery that drives it. Every field of state is
// read and written under mu.
type call struct {
	mu      sync.Mutex
	state   *callstate.State
	queue   []utterance
	playing bool
	started bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

type utterance struct {
	text string
	done chan struct{}
}

// New creates a Manager.
func New(sttProvider stt.Provider, ttsProvider tts.Provider, sink MediaSink, opts ...Option) (*Manager, error) {
	if sttProvider == nil {
		return nil, fmt.Errorf("stt provider is required")
	}
	if ttsProvider == nil {
		return nil, fmt.Errorf("tts provider is required")
	}
	if ttsProvider.SampleRate() <= 0 {
		return nil, fmt.Errorf("tts provider reports invalid sample rate %d", ttsProvider.SampleRate())
	}

	cfg := &options{
		thresholds: DefaultThresholds(),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.log == nil {
		cfg.log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		stt:             sttProvider,
		tts:             ttsProvider,
		sink:            sink,
		thresholds:      cfg.thresholds.withDefaults(),
		frameSize:       audio.FrameBytes(audio.FrameDuration, voicecall.TelephonySampleRate),
		onTranscription: cfg.onTranscription,
		onEnded:         cfg.onEnded,
		log:             cfg.log.WithField("component", "callsystem"),
		now:             cfg.now,
		sleep:           cfg.sleep,
		ctx:             ctx,
		cancel:          cancel,
		calls:           make(map[string]*call),
	}, nil
}

// SetMediaSink attaches the media stream registry. It must be called before
// any call is answered.
func (m *Manager) SetMediaSink(sink MediaSink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// SetTranscriptionHandler replaces the response bridge.
func (m *Manager) SetTranscriptionHandler(h TranscriptionHandler) {
	m.mu.Lock()
	m.onTranscription = h
	m.mu.Unlock()
}

// SetCallEndedHandler replaces the teardown hook.
func (m *Manager) SetCallEndedHandler(h EndedHandler) {
	m.mu.Lock()
	m.onEnded = h
	m.mu.Unlock()
}

// Thresholds returns the active turn-detection constants.
func (m *Manager) Thresholds() Thresholds {
	return m.thresholds
}

// CreateCall registers a new call in Initiated.
func (m *Manager) CreateCall(id, from, to string, opts ...CallOption) (callstate.State, error) {
	if id == "" {
		return callstate.State{}, fmt.Errorf("call id is required")
	}
	co := &callOptions{}
	for _, opt := range opts {
		opt(co)
	}

	st := callstate.New(id, from, to, m.now())
	st.SessionKey = co.sessionKey
	st.PendingGreeting = co.greeting

	ctx, cancel := context.WithCancel(m.ctx)
	c := &call{
		state:  st,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	m.mu.Lock()
	if _, ok := m.calls[id]; ok {
		m.mu.Unlock()
		cancel()
		return callstate.State{}, fmt.Errorf("%w: %s", ErrCallExists, id)
	}
	m.calls[id] = c
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"call_id": id, "from": from, "to": to}).Info("call created")
	return st.Snapshot(), nil
}

// Configure applies call options to an existing call. It covers a call that
// was adopted by a webhook before its originator registered it: a greeting is
// staged if the stream is not up yet and queued otherwise.
func (m *Manager) Configure(id string, opts ...CallOption) error {
	c := m.get(id)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	co := &callOptions{}
	for _, opt := range opts {
		opt(co)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrCallEnded, id)
	}
	if co.sessionKey != "" {
		c.state.SessionKey = co.sessionKey
	}
	if co.greeting != "" {
		if c.started {
			m.queueSpeechLocked(c, co.greeting, nil)
		} else {
			c.state.PendingGreeting = co.greeting
		}
	}
	return nil
}

// Get returns a snapshot of a live call.
func (m *Manager) Get(id string) (callstate.State, bool) {
	c := m.get(id)
	if c == nil {
		return callstate.State{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Snapshot(), true
}

// ActiveCalls returns the IDs of all live calls.
func (m *Manager) ActiveCalls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) get(id string) *call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[id]
}

func (m *Manager) snapshotCalls() []*call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c)
	}
	return out
}

// HandleCallAnswered binds the media stream, moves the call to Active and
// starts its playback loop. A greeting staged at creation is queued now, so
// it is never sent before the socket exists.
func (m *Manager) HandleCallAnswered(id, streamID string) error {
	c := m.get(id)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	if st.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrCallEnded, id)
	}
	st.StreamID = streamID
	if st.Status == callstate.Initiated || st.Status == callstate.Ringing {
		if err := st.Transition(callstate.Answered); err != nil {
			return err
		}
	}
	if st.Status == callstate.Answered {
		st.AnsweredAt = m.now()
		if err := st.Resume(); err != nil {
			return err
		}
	}

	if !c.started {
		c.started = true
		m.wg.Add(1)
		go m.playbackLoop(c)
	}

	if greeting := st.PendingGreeting; greeting != "" {
		st.PendingGreeting = ""
		m.queueSpeechLocked(c, greeting, nil)
	}

	m.log.WithFields(logrus.Fields{"call_id": id, "stream_id": streamID}).Info("call answered")
	return nil
}

// HandleAudioFrame ingests one inbound μ-law frame. Frames for unknown calls,
// calls that are not listening, or inside the suppression window are dropped.
func (m *Manager) HandleAudioFrame(id string, mulaw []byte) {
	c := m.get(id)
	if c == nil {
		return
	}

	now := m.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	if !st.Listening || !st.Status.InConversation() || st.Suppressed(now) {
		return
	}

	pcm := audio.DecodeMulaw(mulaw)
	if audio.IsSpeech(pcm, m.thresholds.SpeechRMS) {
		st.AddSpeech(pcm, now)
		if st.Status == callstate.Active {
			_ = st.Transition(callstate.Listening)
		}
		return
	}
	st.MarkSilence(now)
}

// Run polls every live call for the end of a turn until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.thresholds.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkSilence()
		}
	}
}

// checkSilence triggers turn completion for calls whose silence ran past the
// threshold after buffered speech.
func (m *Manager) checkSilence() {
	now := m.now()
	for _, c := range m.snapshotCalls() {
		c.mu.Lock()
		st := c.state
		ready := (st.Status == callstate.Active || st.Status == callstate.Listening) &&
			st.Listening && st.HasSpeech() && !st.SilenceStart.IsZero() &&
			now.Sub(st.SilenceStart) >= m.thresholds.SilenceTimeout
		c.mu.Unlock()
		if ready {
			m.triggerTurn(c)
		}
	}
}

// triggerTurn takes the turn lock and starts transcription. It is a no-op
// while a turn is already in flight.
func (m *Manager) triggerTurn(c *call) bool {
	c.mu.Lock()
	st := c.state
	if st.TurnLocked || st.Status.IsTerminal() {
		c.mu.Unlock()
		return false
	}

	if d := st.BufferedSpeech(); d < m.thresholds.MinSpeech {
		st.ClearSpeech()
		if st.Status == callstate.Listening {
			_ = st.Transition(callstate.Active)
		}
		c.mu.Unlock()
		m.log.WithFields(logrus.Fields{"call_id": st.ID, "speech": d}).Debug("discarding short utterance")
		return false
	}

	st.TurnLocked = true
	pcm := st.TakeSpeech()
	_ = st.Transition(callstate.Processing)
	st.SetListening(false)
	c.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.completeTurn(c, pcm)
	}()
	return true
}

// completeTurn transcribes one turn and queues the reply. Every exit path
// releases the turn lock.
func (m *Manager) completeTurn(c *call, pcm []byte) {
	id := c.state.ID
	log := m.log.WithField("call_id", id)

	reply := m.transcribeAndRespond(c, pcm, log)

	c.mu.Lock()
	defer c.mu.Unlock()
	queued := false
	if reply != "" && !c.state.Status.IsTerminal() {
		queued = m.queueSpeechLocked(c, reply, nil)
	}
	m.releaseTurnLocked(c, queued)
}

func (m *Manager) transcribeAndRespond(c *call, pcm []byte, log *logrus.Entry) string {
	ctx := c.ctx
	id := c.state.ID

	res, err := m.stt.Transcribe(ctx, audio.Resample(pcm, voicecall.TelephonySampleRate, m.stt.SampleRate()))
	if err != nil {
		log.WithError(err).Warn("transcription failed")
		return ""
	}
	if res == nil || res.Text == "" {
		log.Debug("empty transcription")
		return ""
	}

	c.mu.Lock()
	dup := c.state.CheckTranscript(res.Text, m.now(), m.thresholds.TranscriptDedupe)
	streak := c.state.TranscriptStreak
	if !dup {
		c.state.AddTurn(callstate.RoleCaller, res.Text, m.now())
	}
	c.mu.Unlock()

	if dup {
		entry := log.WithFields(logrus.Fields{"transcript": res.Text, "streak": streak})
		if streak >= m.thresholds.RepeatStreakAlert {
			entry.Error("repeated transcript streak, possible echo loop")
		} else {
			entry.Debug("dropping duplicate transcript")
		}
		return ""
	}

	m.mu.RLock()
	handler := m.onTranscription
	m.mu.RUnlock()
	if handler == nil {
		return ""
	}

	log.WithFields(logrus.Fields{"transcript": res.Text, "confidence": res.Confidence}).Info("caller turn")
	reply, err := handler(ctx, id, res.Text)
	if err != nil {
		log.WithError(err).Warn("transcription handler failed")
		return ""
	}
	return reply
}

// releaseTurnLocked drops the turn lock and settles the status: Speaking if a
// reply is pending, otherwise back to Active and listening.
func (m *Manager) releaseTurnLocked(c *call, queued bool) {
	st := c.state
	st.TurnLocked = false
	if st.Status.IsTerminal() {
		return
	}
	if queued || c.playing || len(c.queue) > 0 {
		_ = st.Transition(callstate.Speaking)
		return
	}
	if err := st.Resume(); err != nil {
		m.log.WithError(err).WithField("call_id", st.ID).Warn("cannot resume listening")
	}
}

// Speak queues text for playback unless the same text was spoken within the
// dedupe window.
func (m *Manager) Speak(id, text string) error {
	c := m.get(id)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrCallEnded, id)
	}
	m.queueSpeechLocked(c, text, nil)
	return nil
}

// queueSpeechLocked applies the spoken-text dedupe and appends to the FIFO.
func (m *Manager) queueSpeechLocked(c *call, text string, done chan struct{}) bool {
	st := c.state
	if st.CheckSpoken(text, m.now(), m.thresholds.SpeechDedupe) {
		entry := m.log.WithFields(logrus.Fields{"call_id": st.ID, "text": text, "streak": st.SpeechStreak})
		if st.SpeechStreak >= m.thresholds.RepeatStreakAlert {
			entry.Error("repeated speech streak, response engine may be looping")
		} else {
			entry.Debug("dropping duplicate speech")
		}
		return false
	}
	m.enqueueLocked(c, utterance{text: text, done: done})
	return true
}

func (m *Manager) enqueueLocked(c *call, u utterance) {
	c.queue = append(c.queue, u)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// playbackLoop drains one call's queue in order, one utterance at a time.
func (m *Manager) playbackLoop(c *call) {
	defer m.wg.Done()
	log := m.log.WithField("call_id", c.state.ID)

	for {
		c.mu.Lock()
		for len(c.queue) == 0 {
			c.mu.Unlock()
			select {
			case <-c.ctx.Done():
				m.abandonQueue(c)
				return
			case <-c.wake:
			}
			c.mu.Lock()
		}
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			m.abandonQueue(c)
			return
		}
		u := c.queue[0]
		c.queue = c.queue[1:]
		c.playing = true
		_ = c.state.Transition(callstate.Speaking)
		streamID := c.state.StreamID
		c.mu.Unlock()

		err := m.play(c.ctx, streamID, u.text)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("playback failed")
		}

		c.mu.Lock()
		c.playing = false
		st := c.state
		if err == nil {
			st.AddTurn(callstate.RoleAssistant, u.text, m.now())
		}
		// The window also covers a resume from releaseTurnLocked when a turn
		// was still in flight as playback ended.
		st.SuppressUntil = m.now().Add(m.thresholds.Suppression)
		if len(c.queue) == 0 && !st.TurnLocked && !st.Status.IsTerminal() {
			_ = st.Resume()
		}
		c.mu.Unlock()

		if u.done != nil {
			close(u.done)
		}
	}
}

func (m *Manager) abandonQueue(c *call) {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, u := range pending {
		if u.done != nil {
			close(u.done)
		}
	}
}

// play synthesizes text and streams it as 20ms μ-law frames paced at real
// time, since the phone leg expects a steady stream rather than a burst.
func (m *Manager) play(ctx context.Context, streamID, text string) error {
	m.mu.RLock()
	sink := m.sink
	m.mu.RUnlock()
	if sink == nil || streamID == "" {
		return ErrNoStream
	}

	pcm, err := m.tts.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	mulaw := audio.EncodeMulaw(audio.Resample(pcm, m.tts.SampleRate(), voicecall.TelephonySampleRate))

	for _, frame := range audio.Frames(mulaw, m.frameSize) {
		if err := sink.SendMedia(streamID, frame); err != nil {
			return fmt.Errorf("send media: %w", err)
		}
		if err := m.sleep(ctx, audio.FrameDuration); err != nil {
			return err
		}
	}
	return nil
}

// EndCall tears the call down. A farewell is played to completion first,
// bounded by ctx.
func (m *Manager) EndCall(ctx context.Context, id, farewell string) error {
	c := m.get(id)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}

	if farewell != "" {
		done := make(chan struct{})
		c.mu.Lock()
		canPlay := c.started && !c.state.Status.IsTerminal()
		if canPlay {
			c.state.CheckSpoken(farewell, m.now(), m.thresholds.SpeechDedupe)
			c.state.SetListening(false)
			m.enqueueLocked(c, utterance{text: farewell, done: done})
		}
		c.mu.Unlock()

		if canPlay {
			select {
			case <-done:
			case <-ctx.Done():
				m.log.WithField("call_id", id).Warn("farewell interrupted")
			case <-c.ctx.Done():
			}
		}
	}

	m.teardown(id, callstate.Completed, "ended")
	return nil
}

// HandleTerminalStatus tears a call down after a terminal webhook status.
func (m *Manager) HandleTerminalStatus(id string, status callstate.Status) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", callstate.ErrInvalidTransition, status)
	}
	if !m.teardown(id, status, "status "+status.String()) {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	return nil
}

// teardown evicts the call, stops its goroutines and runs the ended hook.
func (m *Manager) teardown(id string, status callstate.Status, reason string) bool {
	m.mu.Lock()
	c, ok := m.calls[id]
	if ok {
		delete(m.calls, id)
	}
	sink := m.sink
	onEnded := m.onEnded
	m.mu.Unlock()
	if !ok {
		return false
	}

	c.cancel()

	c.mu.Lock()
	st := c.state
	if err := st.Transition(status); err != nil {
		m.log.WithError(err).WithField("call_id", id).Debug("terminal transition skipped")
	}
	st.EndedAt = m.now()
	st.EndReason = reason
	st.ClearSpeech()
	streamID := st.StreamID
	snap := st.Snapshot()
	c.mu.Unlock()

	if sink != nil && streamID != "" {
		sink.Unregister(streamID)
	}

	m.log.WithFields(logrus.Fields{
		"call_id":             id,
		"status":              snap.Status.String(),
		"reason":              reason,
		"duration":            snap.Duration(),
		"dropped_transcripts": snap.DroppedTranscripts,
		"dropped_speech":      snap.DroppedSpeech,
	}).Info("call ended")

	if onEnded != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			onEnded(snap)
		}()
	}
	return true
}

// Close ends every call and waits for background work to finish.
func (m *Manager) Close() error {
	for _, id := range m.ActiveCalls() {
		m.teardown(id, callstate.Completed, "shutdown")
	}
	m.cancel()
	m.wg.Wait()
	return nil
}
