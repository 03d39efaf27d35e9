package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageMicAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"mic_audio_chunk","session_id":"s1","seq":4,"pcm16_base64":"AQIDBA==","sample_rate":16000,"ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	chunk, ok := msg.(MicAudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want MicAudioChunk", msg)
	}
	if chunk.SessionID != "s1" || chunk.SampleRate != 16000 || chunk.Seq != 4 {
		t.Fatalf("unexpected mic chunk: %+v", chunk)
	}
}

func TestParseClientMessageRejectsMissingAudioFields(t *testing.T) {
	raw := []byte(`{"type":"mic_audio_chunk","session_id":"s1","sample_rate":16000}`)
	if _, err := ParseClientMessage(raw); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want validation error")
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"bilateral_complete"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionBilateralComplete {
		t.Fatalf("Action = %q, want %q", control.Action, ActionBilateralComplete)
	}
}

func TestParseClientMessageSendTextRequiresText(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"send_text"}`)
	if _, err := ParseClientMessage(raw); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want validation error")
	}

	raw = []byte(`{"type":"client_control","session_id":"s1","action":"send_text","text":"continue"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if control := msg.(ClientControl); control.Text != "continue" {
		t.Fatalf("Text = %q, want %q", control.Text, "continue")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}
