package live

import "context"

type EventType string

const (
	EventAudioChunk          EventType = "audio_chunk"
	EventInputTranscription  EventType = "input_transcription"
	EventOutputTranscription EventType = "output_transcription"
	EventTurnComplete        EventType = "turn_complete"
	EventToolCall            EventType = "tool_call"
	EventToolCancellation    EventType = "tool_cancellation"
	EventError               EventType = "error"
	EventClosed              EventType = "closed"
)

// CodeMalformedMessage marks an EventError produced by an unparseable
// server message. The session survives those; the frame is skipped.
const CodeMalformedMessage = "malformed_server_message"

// ToolCall is a structured function-invocation request from the model.
// Every tool call must receive exactly one correlated response.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Event is one inbound realtime event. Exactly one payload group is set
// depending on Type.
type Event struct {
	Type         EventType
	AudioBase64  string
	Text         string
	ToolCalls    []ToolCall
	CancelledIDs []string
	Code         string
	Detail       string
	Retryable    bool
}

// Stream is an open bidirectional realtime session.
type Stream interface {
	// SendAudio forwards one base64 PCM16LE microphone frame.
	SendAudio(ctx context.Context, pcmBase64 string, sampleRate int) error
	// SendClientContent injects a text turn into the conversation.
	SendClientContent(ctx context.Context, text string) error
	// SendToolResponse answers a tool call by correlation id.
	SendToolResponse(ctx context.Context, id, name string, response map[string]any) error
	Close() error
}

// Transport opens realtime sessions against the voice model.
type Transport interface {
	Connect(ctx context.Context, token string) (Stream, <-chan Event, error)
}

// TokenIssuer mints a short-lived single-use credential scoped to one
// realtime session for a given communication style.
type TokenIssuer interface {
	IssueToken(ctx context.Context, style string) (string, error)
}
