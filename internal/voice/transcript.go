package voice

import (
	"context"

	"github.com/google/uuid"

	"github.com/lioravni/stillpoint/internal/protocol"
	"github.com/lioravni/stillpoint/internal/store"
)

// onAssistantText accumulates one remote-speech transcription fragment,
// streams it to the client and watches for bilateral trigger phrases.
// Fragments arriving during the active side-activity are discarded; they
// would otherwise leak into the next persisted turn and re-trigger keyword
// detection.
func (c *Controller) onAssistantText(gen int64, text string) {
	if text == "" {
		return
	}

	c.mu.Lock()
	active := c.bl.active
	c.mu.Unlock()
	if active {
		return
	}

	c.flushUser()

	c.mu.Lock()
	if c.gen != gen || c.bl.active {
		c.mu.Unlock()
		return
	}
	if c.assistantEntryID == "" {
		c.assistantEntryID = uuid.NewString()
	}
	entryID := c.assistantEntryID
	c.assistantText += text
	accumulated := c.assistantText
	c.mu.Unlock()

	c.emit(protocol.TranscriptDelta{
		Type:      protocol.TypeTranscriptDelta,
		SessionID: c.sessionID,
		EntryID:   entryID,
		Role:      "assistant",
		TextDelta: text,
		TSMs:      c.now().UnixMilli(),
	})

	if c.matchesTrigger(accumulated) {
		c.armFallback(gen)
	}
}

// onUserText accumulates one microphone transcription fragment. The first
// fragment of a new user utterance flushes whatever the assistant said so
// turns persist in order.
func (c *Controller) onUserText(text string) {
	if text == "" {
		return
	}

	c.mu.Lock()
	newUtterance := c.userEntryID == ""
	c.mu.Unlock()
	if newUtterance {
		c.flushAssistant()
	}

	c.mu.Lock()
	if c.userEntryID == "" {
		c.userEntryID = uuid.NewString()
	}
	entryID := c.userEntryID
	c.userText += text
	c.mu.Unlock()

	c.emit(protocol.TranscriptDelta{
		Type:      protocol.TypeTranscriptDelta,
		SessionID: c.sessionID,
		EntryID:   entryID,
		Role:      "user",
		TextDelta: text,
		TSMs:      c.now().UnixMilli(),
	})
}

// flushAssistant persists and clears the accumulated assistant transcript.
func (c *Controller) flushAssistant() {
	c.mu.Lock()
	text := c.assistantText
	c.assistantText = ""
	c.assistantEntryID = ""
	c.mu.Unlock()
	if text == "" {
		return
	}
	c.persistMessage("assistant", text)
}

// flushUser persists and clears the accumulated user transcript.
func (c *Controller) flushUser() {
	c.mu.Lock()
	text := c.userText
	c.userText = ""
	c.userEntryID = ""
	c.mu.Unlock()
	if text == "" {
		return
	}
	c.persistMessage("user", text)
}

// persistMessage saves one finished transcript turn. Best effort: voice flow
// never blocks on storage.
func (c *Controller) persistMessage(role, content string) {
	if c.deps.Store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		_ = c.deps.Store.SaveMessage(ctx, store.Message{
			SessionID: c.sessionID,
			Role:      role,
			Content:   content,
			AgentType: "voice",
		})
	}()
}

func (c *Controller) persistSessionFields(fields map[string]string) {
	if c.deps.Store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		_ = c.deps.Store.UpdateSession(ctx, c.sessionID, fields)
	}()
}
