package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/lioravni/stillpoint/internal/live"
	"github.com/lioravni/stillpoint/internal/observability"
	"github.com/lioravni/stillpoint/internal/protocol"
	"github.com/lioravni/stillpoint/internal/session"
	"github.com/lioravni/stillpoint/internal/store"
)

// completionGrace pads the auto-complete timer past the nominal activity
// duration so a client-driven completion always wins when the client is
// alive.
const completionGrace = 2 * time.Second

const (
	slotReminderFirst  = "reminder_5s"
	slotReminderSecond = "reminder_18s"
)

const bilateralDoneInstruction = "The user completed the bilateral stimulation exercise. " +
	"Ask how they feel now and continue the protocol."

const bilateralDoneNudge = "(The bilateral stimulation exercise just finished. " +
	"Ask the user how they feel now and continue the protocol.)"

// bilateralState tracks one side-activity cycle: pending between the tool
// call and audio drain, active while the client animates, completed after
// exactly one response went back to the model.
type bilateralState struct {
	pending   bool
	active    bool
	completed bool

	requestedAt time.Time

	toolCallID     string
	reminderFirst  string
	reminderSecond string
	clips          map[string][]byte

	reminderTimers []*time.Timer
	fallbackTimer  *time.Timer
	autoTimer      *time.Timer
}

func (b *bilateralState) cancelTimers() {
	for _, t := range b.reminderTimers {
		t.Stop()
	}
	b.reminderTimers = nil
	if b.fallbackTimer != nil {
		b.fallbackTimer.Stop()
		b.fallbackTimer = nil
	}
	if b.autoTimer != nil {
		b.autoTimer.Stop()
		b.autoTimer = nil
	}
}

func (c *Controller) onToolCall(gen int64, tc live.ToolCall) {
	switch tc.Name {
	case live.ToolStartBilateral:
		c.reconcileBilateral(gen, tc)
	case live.ToolStartMeditation:
		c.reconcileMeditation(gen, tc)
	default:
		c.respondTool(tc.ID, tc.Name, map[string]any{"error": "unknown function"})
		c.countToolCall(tc.Name, "unknown")
	}
}

// reconcileBilateral registers a pending activation. The animation is not
// shown yet: the poll loop promotes it once the model's closing words have
// drained. Reminder audio is prefetched in the background so the 5s/18s
// timers have clips ready.
func (c *Controller) reconcileBilateral(gen int64, tc live.ToolCall) {
	first := stringArg(tc.Args, "reminder_5s")
	second := stringArg(tc.Args, "reminder_18s")

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.bl.fallbackTimer != nil {
		c.bl.fallbackTimer.Stop()
		c.bl.fallbackTimer = nil
	}
	c.bl.pending = true
	c.bl.completed = false
	c.bl.requestedAt = c.now()
	c.bl.toolCallID = tc.ID
	c.bl.reminderFirst = first
	c.bl.reminderSecond = second
	c.bl.clips = make(map[string][]byte)
	sched := c.sched
	c.mu.Unlock()

	// Prime the gap baseline so promotion does not wait on a turn that
	// never produces audio.
	if sched != nil {
		sched.TouchChunkArrival()
	}

	c.countToolCall(live.ToolStartBilateral, "accepted")

	if c.deps.Synth != nil {
		if first != "" {
			go c.prefetchReminder(gen, slotReminderFirst, first)
		}
		if second != "" {
			go c.prefetchReminder(gen, slotReminderSecond, second)
		}
	}
}

// reconcileMeditation acknowledges the tool call immediately so the model's
// protocol is not blocked, then waits for the closing words to drain plus a
// trailing pause before tearing the session down and moving the session to
// the meditation phase.
func (c *Controller) reconcileMeditation(gen int64, tc live.ToolCall) {
	emotion := stringArg(tc.Args, "emotion")
	newBelief := stringArg(tc.Args, "new_perspective")
	insight := stringArg(tc.Args, "insight")

	c.respondTool(tc.ID, tc.Name, map[string]any{"success": true})
	c.countToolCall(live.ToolStartMeditation, "accepted")

	c.mu.Lock()
	if c.gen != gen || c.sched == nil {
		c.mu.Unlock()
		return
	}
	delay := c.sched.Remaining() + c.cfg.MeditationTrailingPause
	c.mu.Unlock()

	requested := c.now()
	time.AfterFunc(delay, func() { c.finishMeditation(gen, requested, emotion, newBelief, insight) })
}

func (c *Controller) finishMeditation(gen int64, requested time.Time, emotion, newBelief, insight string) {
	if c.stale(gen) {
		return
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.Latency.Observe(observability.StageMeditationWait, c.now().Sub(requested))
	}

	c.flushAssistant()

	if c.deps.Sessions != nil {
		if _, err := c.deps.Sessions.SetReleaseOutcome(c.sessionID, emotion, newBelief, insight); err == nil {
			c.persistSessionFields(map[string]string{
				store.FieldPhase:          string(session.PhaseMeditation),
				store.FieldNewBelief:      newBelief,
				store.FieldReleaseInsight: insight,
				store.FieldEmotion:        emotion,
			})
		}
	}

	c.emit(protocol.PhaseChange{
		Type:      protocol.TypePhaseChange,
		SessionID: c.sessionID,
		Phase:     string(session.PhaseMeditation),
	})

	c.Disconnect("meditation")
}

func (c *Controller) onToolCancellation(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bl.pending || c.bl.toolCallID == "" {
		return
	}
	for _, id := range ids {
		if id == c.bl.toolCallID {
			c.bl.pending = false
			c.bl.toolCallID = ""
			c.bl.reminderFirst, c.bl.reminderSecond = "", ""
			c.bl.clips = nil
			return
		}
	}
}

// activateBilateral moves a cycle from pending to active: remote speech is
// suppressed, the transcript flushed, the animation shown and the reminder
// timers armed.
func (c *Controller) activateBilateral(gen int64, source string) {
	c.mu.Lock()
	if c.gen != gen || c.bl.active || c.bl.completed {
		c.mu.Unlock()
		return
	}
	c.bl.pending = false
	c.bl.active = true
	if c.bl.clips == nil {
		c.bl.clips = make(map[string][]byte)
	}
	first := c.bl.reminderFirst
	second := c.bl.reminderSecond
	requestedAt := c.bl.requestedAt
	sched := c.sched
	c.bl.reminderTimers = []*time.Timer{
		time.AfterFunc(c.cfg.ReminderFirstOffset, func() { c.playReminder(gen, slotReminderFirst, first) }),
		time.AfterFunc(c.cfg.ReminderSecondOffset, func() { c.playReminder(gen, slotReminderSecond, second) }),
	}
	c.bl.autoTimer = time.AfterFunc(c.cfg.BilateralDuration+completionGrace, func() {
		c.CompleteBilateral(context.Background())
	})
	c.mu.Unlock()

	if sched != nil {
		sched.Suppress()
	}
	c.setSpeaking(gen, false)
	c.flushAssistant()

	c.emit(protocol.BilateralShow{
		Type:       protocol.TypeBilateralShow,
		SessionID:  c.sessionID,
		Reminder5s: first,
		Reminder18: second,
		DurationMS: c.cfg.BilateralDuration.Milliseconds(),
	})

	if c.deps.Metrics != nil {
		c.deps.Metrics.BilateralActivations.WithLabelValues(source).Inc()
		if !requestedAt.IsZero() {
			c.deps.Metrics.Latency.Observe(observability.StageBilateralWait, c.now().Sub(requestedAt))
		}
		if source == "fallback" {
			c.deps.Metrics.Latency.Mark("bilateral_fallback")
		}
	}
}

// playReminder delivers one mid-activity reminder: the prefetched clip when
// it arrived in time, device speech as fallback, silence when the text is
// empty.
func (c *Controller) playReminder(gen int64, slot, text string) {
	c.mu.Lock()
	if c.gen != gen || !c.bl.active {
		c.mu.Unlock()
		return
	}
	clip := c.bl.clips[slot]
	c.mu.Unlock()

	if len(clip) > 0 {
		c.emit(protocol.ReminderAudio{
			Type:      protocol.TypeReminderAudio,
			SessionID: c.sessionID,
			Slot:      slot,
			WAVBase64: encodeBase64(clip),
		})
		return
	}
	if text != "" {
		c.emit(protocol.SpeakText{
			Type:      protocol.TypeSpeakText,
			SessionID: c.sessionID,
			Text:      text,
		})
	}
}

func (c *Controller) prefetchReminder(gen int64, slot, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clip, err := c.deps.Synth.Synthesize(ctx, text)
	if err != nil {
		if c.deps.Metrics != nil {
			c.deps.Metrics.TTSFetches.WithLabelValues("error").Inc()
		}
		return
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.TTSFetches.WithLabelValues("ok").Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || (!c.bl.pending && !c.bl.active) || c.bl.clips == nil {
		return
	}
	c.bl.clips[slot] = clip
}

// CompleteBilateral finishes the active cycle. Re-entrant safe: the client
// signal, the auto-complete timer and repeated client sends all collapse to
// one completion and exactly one response to the model.
func (c *Controller) CompleteBilateral(ctx context.Context) {
	c.mu.Lock()
	if !c.bl.active || c.bl.completed {
		c.mu.Unlock()
		return
	}
	c.bl.completed = true
	c.bl.active = false
	id := c.bl.toolCallID
	c.bl.toolCallID = ""
	c.bl.reminderFirst, c.bl.reminderSecond = "", ""
	c.bl.clips = nil
	c.bl.cancelTimers()
	// Drop whatever transcript accumulated during the activity so the next
	// persisted turn starts clean and keyword detection cannot re-fire.
	c.assistantEntryID, c.assistantText = "", ""
	stream := c.stream
	sched := c.sched
	c.mu.Unlock()

	if sched != nil {
		sched.Resume()
	}

	c.emit(protocol.BilateralHide{
		Type:      protocol.TypeBilateralHide,
		SessionID: c.sessionID,
	})

	if stream == nil {
		return
	}
	if id != "" {
		_ = stream.SendToolResponse(ctx, id, live.ToolStartBilateral, map[string]any{
			"completed":        true,
			"duration_seconds": int(c.cfg.BilateralDuration.Seconds()),
			"instruction":      bilateralDoneInstruction,
		})
		return
	}
	// Fallback activations have no tool call to answer; a text nudge keeps
	// the conversation moving instead.
	_ = stream.SendClientContent(ctx, bilateralDoneNudge)
}

// armFallback starts the keyword fallback countdown: if the model spoke a
// trigger phrase but never issued the tool call, the activity starts anyway
// after FallbackDelay.
func (c *Controller) armFallback(gen int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.bl.fallbackTimer != nil || c.bl.pending || c.bl.active || c.bl.completed {
		return
	}
	c.bl.fallbackTimer = time.AfterFunc(c.cfg.FallbackDelay, func() { c.fallbackActivate(gen) })
}

func (c *Controller) fallbackActivate(gen int64) {
	c.mu.Lock()
	if c.gen != gen || c.bl.pending || c.bl.active || c.bl.completed {
		c.mu.Unlock()
		return
	}
	c.bl.fallbackTimer = nil
	// No tool call supplied reminder texts on this path; the placeholders
	// keep the mid-activity reminders from going silent.
	c.bl.reminderFirst = c.cfg.FallbackReminderFirst
	c.bl.reminderSecond = c.cfg.FallbackReminderSecond
	c.mu.Unlock()

	c.activateBilateral(gen, "fallback")
}

func (c *Controller) matchesTrigger(text string) bool {
	if len(c.cfg.TriggerPhrases) == 0 {
		return false
	}
	lowered := strings.ToLower(text)
	for _, phrase := range c.cfg.TriggerPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

func (c *Controller) respondTool(id, name string, response map[string]any) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	_ = stream.SendToolResponse(ctx, id, name, response)
}

func (c *Controller) countToolCall(name, outcome string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.ToolCalls.WithLabelValues(name, outcome).Inc()
	}
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, _ := args[key].(string)
	return v
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func errDetail(evt live.Event) error {
	if evt.Detail == "" {
		return errors.New(string(evt.Type))
	}
	return errors.New(evt.Detail)
}
