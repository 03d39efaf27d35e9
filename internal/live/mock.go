package live

import (
	"context"
	"sync"
)

// MockTransport drives controller tests without a network connection.
type MockTransport struct {
	mu       sync.Mutex
	streams  []*MockStream
	Tokens   []string
	FailDial bool
	DialErr  error
}

func NewMockTransport() *MockTransport { return &MockTransport{} }

func (t *MockTransport) IssueToken(_ context.Context, style string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Tokens = append(t.Tokens, style)
	return "mock-token-" + style, nil
}

func (t *MockTransport) Connect(_ context.Context, token string) (Stream, <-chan Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailDial {
		return nil, nil, t.DialErr
	}
	s := &MockStream{
		Token:  token,
		events: make(chan Event, 256),
	}
	t.streams = append(t.streams, s)
	return s, s.events, nil
}

// Last returns the most recently opened stream.
func (t *MockTransport) Last() *MockStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		return nil
	}
	return t.streams[len(t.streams)-1]
}

type MockToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

type MockStream struct {
	Token string

	mu            sync.Mutex
	closed        bool
	events        chan Event
	AudioFrames   []string
	ClientContent []string
	ToolResponses []MockToolResponse
}

// Emit injects a server event as if it arrived from the model.
func (s *MockStream) Emit(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- evt
}

func (s *MockStream) SendAudio(_ context.Context, pcmBase64 string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AudioFrames = append(s.AudioFrames, pcmBase64)
	return nil
}

func (s *MockStream) SendClientContent(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClientContent = append(s.ClientContent, text)
	return nil
}

func (s *MockStream) SendToolResponse(_ context.Context, id, name string, response map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolResponses = append(s.ToolResponses, MockToolResponse{ID: id, Name: name, Response: response})
	return nil
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockStream) SentToolResponses() []MockToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MockToolResponse, len(s.ToolResponses))
	copy(out, s.ToolResponses)
	return out
}

func (s *MockStream) SentClientContent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ClientContent))
	copy(out, s.ClientContent)
	return out
}

func (s *MockStream) SentAudioFrames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.AudioFrames))
	copy(out, s.AudioFrames)
	return out
}
