package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lioravni/stillpoint/internal/audio"
	"github.com/lioravni/stillpoint/internal/live"
	"github.com/lioravni/stillpoint/internal/observability"
	"github.com/lioravni/stillpoint/internal/playback"
	"github.com/lioravni/stillpoint/internal/protocol"
	"github.com/lioravni/stillpoint/internal/reliability"
	"github.com/lioravni/stillpoint/internal/session"
	"github.com/lioravni/stillpoint/internal/store"
	"github.com/lioravni/stillpoint/internal/tts"
)

// Config tunes the silence detector and the bilateral side-activity.
// Zero values fall back to the defaults the browser client shipped with.
type Config struct {
	FlushSettleMargin time.Duration
	PollInterval      time.Duration
	ChunkGapThreshold time.Duration
	DrainMargin       time.Duration

	BilateralDuration    time.Duration
	ReminderFirstOffset  time.Duration
	ReminderSecondOffset time.Duration
	FallbackDelay        time.Duration
	TriggerPhrases       []string

	// Reminder texts used when the activity starts via keyword fallback
	// and no tool call supplied any.
	FallbackReminderFirst  string
	FallbackReminderSecond string

	MeditationTrailingPause time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushSettleMargin <= 0 {
		c.FlushSettleMargin = 200 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ChunkGapThreshold <= 0 {
		c.ChunkGapThreshold = time.Second
	}
	if c.DrainMargin <= 0 {
		c.DrainMargin = 50 * time.Millisecond
	}
	if c.BilateralDuration <= 0 {
		c.BilateralDuration = 35 * time.Second
	}
	if c.ReminderFirstOffset <= 0 {
		c.ReminderFirstOffset = 5 * time.Second
	}
	if c.ReminderSecondOffset <= 0 {
		c.ReminderSecondOffset = 18 * time.Second
	}
	if c.FallbackDelay <= 0 {
		c.FallbackDelay = 30 * time.Second
	}
	if c.FallbackReminderFirst == "" {
		c.FallbackReminderFirst = "החזק את הזיכרון"
	}
	if c.FallbackReminderSecond == "" {
		c.FallbackReminderSecond = "תמשיך לעקוב"
	}
	if c.MeditationTrailingPause <= 0 {
		c.MeditationTrailingPause = 3 * time.Second
	}
	return c
}

// Deps are the collaborators one controller drives.
type Deps struct {
	Tokens    live.TokenIssuer
	Transport live.Transport
	Synth     tts.Synthesizer
	Sessions  *session.Manager
	Store     store.Store
	Metrics   *observability.Metrics
}

const persistTimeout = 2 * time.Second

// Controller owns the realtime voice session for one connected client:
// playback scheduling, silence detection, tool-call reconciliation, the
// bilateral side-activity and teardown.
type Controller struct {
	cfg       Config
	deps      Deps
	sessionID string
	emit      func(any)

	// Injected for deterministic tests.
	now      func() time.Time
	newClock func() playback.Clock

	mu        sync.Mutex
	gen       int64
	connected bool
	stream    live.Stream
	sched     *playback.Scheduler
	pollStop  chan struct{}

	firstAudioSeen bool
	connectedAt    time.Time
	turnDoneAt     time.Time
	speaking       bool

	flushTimer *time.Timer

	userEntryID      string
	userText         string
	assistantEntryID string
	assistantText    string

	bl bilateralState
}

// NewController builds a controller for one UI connection. emit delivers
// protocol messages to the client and must be safe for concurrent use.
func NewController(cfg Config, deps Deps, sessionID string, emit func(any)) *Controller {
	return &Controller{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		sessionID: sessionID,
		emit:      emit,
		now:       time.Now,
		newClock:  playback.NewClock,
	}
}

// uiSink relays scheduled frames to the client as playback_audio messages.
type uiSink struct {
	c *Controller
}

func (s *uiSink) Play(f playback.Frame) {
	s.c.emit(protocol.PlaybackAudio{
		Type:        protocol.TypePlaybackAudio,
		SessionID:   s.c.sessionID,
		Seq:         f.Seq,
		StartAtMS:   f.StartAt.Milliseconds(),
		PCM16Base64: encodeBase64(f.PCM),
		SampleRate:  f.SampleRate,
	})
}

// Connect issues a session token, opens the realtime stream and starts the
// event and poll loops. Any partial failure releases what was opened and
// reports a user-visible setup error.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.emit(protocol.ConnectionState{
		Type:      protocol.TypeConnectionState,
		SessionID: c.sessionID,
		State:     "connecting",
	})

	sess, err := c.deps.Sessions.Get(c.sessionID)
	if err != nil {
		c.failSetup("session_not_found", err)
		return err
	}

	token, err := c.deps.Tokens.IssueToken(ctx, string(sess.Style))
	if err != nil {
		c.failSetup("token_issue_failed", err)
		return err
	}

	stream, events, err := c.deps.Transport.Connect(ctx, token)
	if err != nil {
		c.failSetup("transport_dial_failed", err)
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.gen++
	gen := c.gen
	c.stream = stream
	c.sched = playback.NewScheduler(c.newClock(), &uiSink{c: c}, audio.PlaybackSampleRate)
	c.pollStop = make(chan struct{})
	stop := c.pollStop
	c.connectedAt = c.now()
	c.firstAudioSeen = false
	c.turnDoneAt = time.Time{}
	c.speaking = false
	c.bl = bilateralState{}
	c.mu.Unlock()

	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveSessions.Inc()
		c.deps.Metrics.SessionEvents.WithLabelValues("connect").Inc()
	}

	go c.eventLoop(gen, events)
	go c.pollLoop(gen, stop)

	if err := stream.SendClientContent(ctx, kickoffMessage(sess)); err != nil {
		c.Disconnect("kickoff_failed")
		c.emitError("kickoff_failed", reliability.CategorySetup, err)
		return err
	}

	c.emit(protocol.ConnectionState{
		Type:      protocol.TypeConnectionState,
		SessionID: c.sessionID,
		State:     "connected",
	})
	return nil
}

// Disconnect tears the session down: all timers cancelled, the stream
// closed, the schedule reset. Safe to call repeatedly and before Connect.
func (c *Controller) Disconnect(reason string) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.gen++
	stream := c.stream
	c.stream = nil
	sched := c.sched
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.bl.cancelTimers()
	c.bl = bilateralState{}
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
	c.userEntryID, c.userText = "", ""
	c.assistantEntryID, c.assistantText = "", ""
	c.speaking = false
	c.mu.Unlock()

	if sched != nil {
		sched.Reset()
	}
	if stream != nil {
		stream.Close()
	}

	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveSessions.Dec()
		c.deps.Metrics.SessionEvents.WithLabelValues("disconnect").Inc()
	}

	c.emit(protocol.ConnectionState{
		Type:      protocol.TypeConnectionState,
		SessionID: c.sessionID,
		State:     "disconnected",
		Detail:    reason,
	})
}

// Connected reports whether the realtime stream is currently open.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// HandleMicChunk forwards one captured microphone frame upstream.
func (c *Controller) HandleMicChunk(ctx context.Context, msg protocol.MicAudioChunk) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return nil
	}
	if c.deps.Sessions != nil {
		_ = c.deps.Sessions.Touch(c.sessionID)
	}
	if err := stream.SendAudio(ctx, msg.PCM16Base64, msg.SampleRate); err != nil {
		c.emitError("audio_send_failed", reliability.CategoryTransport, err)
		c.Disconnect("transport_error")
		return err
	}
	return nil
}

// HandleControl applies a UI-driven action.
func (c *Controller) HandleControl(ctx context.Context, msg protocol.ClientControl) error {
	switch msg.Action {
	case protocol.ActionBilateralComplete:
		c.CompleteBilateral(ctx)
		return nil
	case protocol.ActionSendText:
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()
		if stream == nil {
			return nil
		}
		if err := stream.SendClientContent(ctx, msg.Text); err != nil {
			c.emitError("text_send_failed", reliability.CategoryTransport, err)
			c.Disconnect("transport_error")
			return err
		}
		return nil
	case protocol.ActionDisconnect:
		c.Disconnect("client_request")
		return nil
	default:
		// Unknown actions are ignored rather than fatal.
		return nil
	}
}

func (c *Controller) eventLoop(gen int64, events <-chan live.Event) {
	for evt := range events {
		if c.stale(gen) {
			return
		}
		if c.deps.Metrics != nil {
			c.deps.Metrics.LiveEvents.WithLabelValues(string(evt.Type)).Inc()
		}
		switch evt.Type {
		case live.EventAudioChunk:
			c.onAudioChunk(gen, evt.AudioBase64)
		case live.EventOutputTranscription:
			c.onAssistantText(gen, evt.Text)
		case live.EventInputTranscription:
			c.onUserText(evt.Text)
		case live.EventTurnComplete:
			c.onTurnComplete(gen)
		case live.EventToolCall:
			for _, tc := range evt.ToolCalls {
				c.onToolCall(gen, tc)
			}
		case live.EventToolCancellation:
			c.onToolCancellation(evt.CancelledIDs)
		case live.EventError:
			if evt.Code == live.CodeMalformedMessage {
				// Malformed frames degrade silently; the stream stays up.
				c.emitError(evt.Code, reliability.CategoryMalformed, errDetail(evt))
				continue
			}
			c.emitError(evt.Code, reliability.CategoryTransport, errDetail(evt))
			c.Disconnect("transport_error")
			return
		case live.EventClosed:
			if c.Connected() {
				c.emitError("stream_closed", reliability.CategoryTransport, errDetail(evt))
				c.Disconnect("remote_closed")
			}
			return
		}
	}

	// The channel closed without a terminal event.
	if c.stale(gen) {
		return
	}
	if c.Connected() {
		c.emitError("stream_closed", reliability.CategoryTransport, errors.New("event channel closed"))
		c.Disconnect("remote_closed")
	}
}

// onAudioChunk decodes and schedules one remote-speech frame. Malformed
// payloads are dropped without touching session state. The drain flush is
// armed only on turn completion; mid-turn frames must not flush a turn
// the model is still generating.
func (c *Controller) onAudioChunk(gen int64, b64 string) {
	pcm, err := audio.DecodeBase64PCM16(b64)
	if err != nil {
		if c.deps.Metrics != nil {
			c.deps.Metrics.Latency.Mark("dropped_audio_frame")
		}
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.sched == nil {
		c.mu.Unlock()
		return
	}
	sched := c.sched
	first := !c.firstAudioSeen
	c.firstAudioSeen = true
	connectedAt := c.connectedAt
	wasSpeaking := c.speaking
	c.mu.Unlock()

	if !sched.Enqueue(pcm) {
		return
	}

	if first && c.deps.Metrics != nil {
		elapsed := c.now().Sub(connectedAt)
		c.deps.Metrics.ObserveFirstAudioLatency(elapsed)
		c.deps.Metrics.Latency.Observe(observability.StageFirstAudio, elapsed)
	}
	if !wasSpeaking {
		c.setSpeaking(gen, true)
	}
}

// onTurnComplete arms the deferred flush once the model declares the turn
// over. While a bilateral activation is pending the flush is withheld (the
// poll loop owns the transition instead), and during the active activity
// turn completion is ignored outright.
func (c *Controller) onTurnComplete(gen int64) {
	c.mu.Lock()
	skip := c.bl.pending || c.bl.active
	if !skip && c.gen == gen {
		c.turnDoneAt = c.now()
	}
	c.mu.Unlock()
	if skip {
		return
	}
	c.scheduleFlush(gen)
}

// scheduleFlush (re)arms a timer for when the scheduled audio will have
// drained plus a settle margin, so the final words are fully heard before
// the turn is flushed.
func (c *Controller) scheduleFlush(gen int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.sched == nil {
		return
	}
	delay := c.sched.Remaining() + c.cfg.FlushSettleMargin
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushTimer = time.AfterFunc(delay, func() { c.finishTurn(gen) })
}

// finishTurn marks the assistant quiet and flushes the accumulated
// transcript after drain.
func (c *Controller) finishTurn(gen int64) {
	c.mu.Lock()
	if c.gen != gen || c.sched == nil || c.bl.pending {
		c.mu.Unlock()
		return
	}
	sched := c.sched
	turnDoneAt := c.turnDoneAt
	c.turnDoneAt = time.Time{}
	c.mu.Unlock()

	// Late frames may have arrived after the timer was armed.
	if sched.Remaining() > 0 {
		c.mu.Lock()
		if c.gen == gen {
			c.turnDoneAt = turnDoneAt
		}
		c.mu.Unlock()
		c.scheduleFlush(gen)
		return
	}

	if c.deps.Metrics != nil && !turnDoneAt.IsZero() {
		c.deps.Metrics.Latency.Observe(observability.StageTurnDrain, c.now().Sub(turnDoneAt))
	}

	sched.MarkIdle()
	c.setSpeaking(gen, false)
	c.flushAssistant()
}

func (c *Controller) setSpeaking(gen int64, speaking bool) {
	c.mu.Lock()
	if c.gen != gen || c.speaking == speaking {
		c.mu.Unlock()
		return
	}
	c.speaking = speaking
	c.mu.Unlock()
	c.emit(protocol.SpeakingState{
		Type:      protocol.TypeSpeakingState,
		SessionID: c.sessionID,
		Speaking:  speaking,
	})
}

func (c *Controller) pollLoop(gen int64, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.promotePending(gen)
		}
	}
}

// promotePending activates a pending bilateral once the model has gone
// quiet: no inbound frame for ChunkGapThreshold and at most DrainMargin of
// scheduled audio left.
func (c *Controller) promotePending(gen int64) {
	c.mu.Lock()
	if c.gen != gen || !c.bl.pending || c.bl.active || c.sched == nil {
		c.mu.Unlock()
		return
	}
	last := c.sched.LastChunkArrival()
	if last.IsZero() {
		c.mu.Unlock()
		return
	}
	if c.now().Sub(last) < c.cfg.ChunkGapThreshold || c.sched.Remaining() > c.cfg.DrainMargin {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.activateBilateral(gen, "tool")
}

func (c *Controller) stale(gen int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}

func (c *Controller) failSetup(code string, err error) {
	c.emitError(code, reliability.CategorySetup, err)
	c.emit(protocol.ConnectionState{
		Type:      protocol.TypeConnectionState,
		SessionID: c.sessionID,
		State:     "disconnected",
		Detail:    code,
	})
	if c.deps.Metrics != nil {
		c.deps.Metrics.SessionEvents.WithLabelValues("connect_failed").Inc()
	}
}

func (c *Controller) emitError(code string, cat reliability.Category, err error) {
	if !cat.UserVisible() {
		return
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	c.emit(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sessionID,
		Code:      code,
		Source:    string(cat),
		Retryable: cat.Retryable(),
		Detail:    detail,
	})
}

func kickoffMessage(sess *session.Session) string {
	if sess.Belief != "" {
		return "The user has joined the voice session. The belief being worked on: " +
			sess.Belief + ". Greet them briefly and begin."
	}
	return "The user has joined the voice session. Greet them briefly and begin."
}
