package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies UI websocket payload variants.
type MessageType string

const (
	// Client -> server.
	TypeMicAudioChunk MessageType = "mic_audio_chunk"
	TypeClientControl MessageType = "client_control"

	// Server -> client.
	TypeConnectionState MessageType = "connection_state"
	TypeSpeakingState   MessageType = "speaking_state"
	TypeTranscriptDelta MessageType = "transcript_delta"
	TypeBilateralShow   MessageType = "bilateral_show"
	TypeBilateralHide   MessageType = "bilateral_hide"
	TypeReminderAudio   MessageType = "reminder_audio"
	TypeSpeakText       MessageType = "speak_text"
	TypePlaybackAudio   MessageType = "playback_audio"
	TypePhaseChange     MessageType = "phase_change"
	TypeErrorEvent      MessageType = "error_event"
)

// Client control actions.
const (
	ActionBilateralComplete = "bilateral_complete"
	ActionSendText          = "send_text"
	ActionDisconnect        = "disconnect"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// MicAudioChunk carries one captured microphone frame (PCM16LE mono).
type MicAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

// ClientControl carries UI-driven actions: side-activity completion,
// free-text turns, explicit disconnect.
type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Text      string      `json:"text,omitempty"`
}

type ConnectionState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Detail    string      `json:"detail,omitempty"`
}

type SpeakingState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Speaking  bool        `json:"speaking"`
}

// TranscriptDelta streams one partial transcription fragment. Consecutive
// fragments with the same EntryID belong to the same transcript entry.
type TranscriptDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	EntryID   string      `json:"entry_id"`
	Role      string      `json:"role"`
	TextDelta string      `json:"text_delta"`
	TSMs      int64       `json:"ts_ms"`
}

type BilateralShow struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Reminder5s string      `json:"reminder_5s"`
	Reminder18 string      `json:"reminder_18s"`
	DurationMS int64       `json:"duration_ms"`
}

type BilateralHide struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// ReminderAudio delivers a prefetched speech clip for one reminder slot.
type ReminderAudio struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Slot      string      `json:"slot"`
	WAVBase64 string      `json:"wav_base64"`
}

// SpeakText asks the client to voice a reminder with its built-in speech
// capability when no synthesized clip is available.
type SpeakText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// PlaybackAudio relays one scheduled remote-speech frame to the client sink.
// StartAtMS is in the session playback clock domain.
type PlaybackAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	StartAtMS   int64       `json:"start_at_ms"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type PhaseChange struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Phase     string      `json:"phase"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeMicAudioChunk:
		var msg MicAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid mic_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		if msg.Action == ActionSendText && msg.Text == "" {
			return nil, errors.New("send_text requires text")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
